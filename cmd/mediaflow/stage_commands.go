package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mediaflow/internal/api"
	"mediaflow/internal/daemonrun"
	"mediaflow/internal/stage"
	"mediaflow/internal/stageclient"
)

func newStageCommand(ctx *commandContext) *cobra.Command {
	stageCmd := &cobra.Command{
		Use:   "stage",
		Short: "Run and inspect stage services",
	}
	stageCmd.AddCommand(newStageServeCommand(ctx))
	stageCmd.AddCommand(newStageHealthCommand(ctx))
	stageCmd.AddCommand(newStageFormatsCommand(ctx))
	stageCmd.AddCommand(newStageModelCommand(ctx))
	return stageCmd
}

func newStageServeCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.StageOptions
	cmd := &cobra.Command{
		Use:       "serve <convert|transcribe|process>",
		Short:     "Run a stage service in the foreground",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"convert", "transcribe", "process"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := stage.ParseName(args[0])
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.RunStage(cmd.Context(), cfg, name, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Bind, "bind", "", "Listen address (overrides "+daemonrun.StageBindEnv+" and the configured bind)")
	cmd.Flags().StringSliceVar(&opts.Devices, "device", nil, "Device to guard (repeatable; overrides the configured device)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&opts.Development, "dev", false, "Include source locations in log records")
	return cmd
}

// stageClients builds clients for the named stages, or every configured
// stage when names is empty.
func stageClients(ctx *commandContext, names []string) ([]*stageclient.Client, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	var targets []stage.Name
	if len(names) == 0 {
		for _, n := range stage.All() {
			if _, configured := cfg.StageEndpoint(n.String()); configured {
				targets = append(targets, n)
			}
		}
	} else {
		for _, raw := range names {
			n, err := stage.ParseName(raw)
			if err != nil {
				return nil, err
			}
			targets = append(targets, n)
		}
	}
	clients := make([]*stageclient.Client, 0, len(targets))
	for _, n := range targets {
		client, err := stageclient.NewFromConfig(cfg, n)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func newStageHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health [stage...]",
		Short: "Probe stage services directly, bypassing the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := stageClients(ctx, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			unhealthy := 0
			for _, client := range clients {
				report, err := client.Health(cmd.Context())
				health := api.StageHealth{
					Name:       client.Name().String(),
					Ready:      err == nil && report.Ready,
					Status:     report.Status,
					Device:     report.Device,
					Model:      report.Model,
					GuardState: report.GuardState,
					Detail:     report.Detail,
				}
				if err != nil {
					health.Detail = err.Error()
				}
				if !health.Ready {
					unhealthy++
				}
				fmt.Fprintln(out, stageHealthLine(health, colorize))
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d stage services not ready", unhealthy, len(clients))
			}
			return nil
		},
	}
}

func newStageFormatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "formats <stage>",
		Short: "Show the capability descriptor a stage service advertises",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := stageClients(ctx, args)
			if err != nil {
				return err
			}
			capability, err := clients[0].Capabilities(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, capability)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stage:         %s\n", capability.Stage)
			fmt.Fprintf(out, "Input formats: %s\n", strings.Join(capability.InputFormats, ", "))
			fmt.Fprintf(out, "Output format: %s\n", capability.OutputFormat)
			if capability.MaxInputBytes > 0 {
				fmt.Fprintf(out, "Max input:     %d bytes\n", capability.MaxInputBytes)
			}
			if len(capability.Models) > 0 {
				fmt.Fprintf(out, "Models:        %s (default %s)\n", strings.Join(capability.Models, ", "), capability.DefaultModel)
			} else if capability.DefaultModel != "" {
				fmt.Fprintf(out, "Default model: %s\n", capability.DefaultModel)
			}
			if capability.Device != "" {
				fmt.Fprintf(out, "Device:        %s\n", capability.Device)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the descriptor as JSON")
	return cmd
}

func newStageModelCommand(ctx *commandContext) *cobra.Command {
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Manage models of the process stage service",
	}
	modelCmd.AddCommand(&cobra.Command{
		Use:   "pull <model>",
		Short: "Pull a model into the language-model runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := stageClients(ctx, []string{stage.Process.String()})
			if err != nil {
				return err
			}
			if err := clients[0].PullModel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s\n", args[0])
			return nil
		},
	})
	modelCmd.AddCommand(&cobra.Command{
		Use:   "rm <model>",
		Short: "Delete a model from the language-model runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := stageClients(ctx, []string{stage.Process.String()})
			if err != nil {
				return err
			}
			if err := clients[0].DeleteModel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})
	return modelCmd
}
