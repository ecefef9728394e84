// Command mediaflowd runs the orchestrator daemon with the default
// configuration lookup. It is equivalent to "mediaflow daemon" and exists
// for service managers that expect a dedicated binary.
package main

import (
	"context"
	"errors"
	"log"
	"os"

	"mediaflow/internal/config"
	"mediaflow/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load(os.Getenv("MEDIAFLOW_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("mediaflowd: %v", err)
	}
}
