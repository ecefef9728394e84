package deps

import (
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/stage"
)

// NVIDIASMICommand is probed to decide whether "auto" means CUDA.
const NVIDIASMICommand = "nvidia-smi"

// StageRequirements lists the binaries the stage service for name needs on
// this host. The processor talks to Ollama over HTTP and needs none.
func StageRequirements(cfg *config.Config, name stage.Name) []Requirement {
	if cfg == nil {
		return nil
	}
	switch name {
	case stage.Convert:
		return []Requirement{{
			Name:        "FFmpeg",
			Command:     firstNonEmpty(cfg.Converter.FFmpegBinary, "ffmpeg"),
			Description: "Extracts 16 kHz mono audio",
		}}
	case stage.Transcribe:
		reqs := []Requirement{{
			Name:        "uvx",
			Command:     "uvx",
			Description: "Runs WhisperX in an isolated environment",
		}}
		if wantsCUDA(cfg.Transcriber.Device) {
			reqs = append(reqs, Requirement{
				Name:        "NVIDIA driver",
				Command:     NVIDIASMICommand,
				Description: "Required for CUDA transcription",
				Optional:    cfg.Transcriber.Device == "auto",
			})
		}
		return reqs
	default:
		return nil
	}
}

// ResolveDevices expands a configured device value into the device list a
// guard pool manages. "auto" becomes "cuda" when the NVIDIA driver is
// installed and "cpu" otherwise.
func ResolveDevices(value string) []string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == "auto" {
		if Check(Requirement{Name: "NVIDIA driver", Command: NVIDIASMICommand, Optional: true}).Available {
			return []string{"cuda"}
		}
		return []string{"cpu"}
	}
	var devices []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			devices = append(devices, part)
		}
	}
	if len(devices) == 0 {
		return []string{"cpu"}
	}
	return devices
}

// Missing returns the required (non-optional) dependencies that are not
// available.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}

func wantsCUDA(device string) bool {
	device = strings.ToLower(strings.TrimSpace(device))
	return device == "auto" || strings.HasPrefix(device, "cuda")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
