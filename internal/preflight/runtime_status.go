package preflight

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mediaflow/internal/deps"
)

// GPUProbe reports the NVIDIA devices visible on this host.
type GPUProbe struct {
	Detected bool
	Devices  []GPU
}

// GPU is one row of nvidia-smi output.
type GPU struct {
	Index  string
	Name   string
	Memory string
}

// ProbeGPUs lists GPUs via nvidia-smi. Hosts without the driver report
// nothing detected.
func ProbeGPUs(ctx context.Context) GPUProbe {
	if _, err := exec.LookPath(deps.NVIDIASMICommand); err != nil {
		return GPUProbe{}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, deps.NVIDIASMICommand, "--query-gpu=index,name,memory.total", "--format=csv,noheader")
	output, err := cmd.Output()
	if err != nil {
		return GPUProbe{}
	}
	return parseGPUs(string(output))
}

func parseGPUs(text string) GPUProbe {
	var probe GPUProbe
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		gpu := GPU{Index: strings.TrimSpace(fields[0]), Name: strings.TrimSpace(fields[1])}
		if len(fields) > 2 {
			gpu.Memory = strings.TrimSpace(fields[2])
		}
		probe.Devices = append(probe.Devices, gpu)
	}
	probe.Detected = len(probe.Devices) > 0
	return probe
}

// Detail renders a display-friendly summary for status UIs.
func (p GPUProbe) Detail() string {
	if !p.Detected {
		return "No NVIDIA GPU detected"
	}
	parts := make([]string, 0, len(p.Devices))
	for _, gpu := range p.Devices {
		part := fmt.Sprintf("cuda:%s %s", gpu.Index, gpu.Name)
		if gpu.Memory != "" {
			part += " (" + gpu.Memory + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
