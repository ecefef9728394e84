package stage

import (
	"path/filepath"
	"slices"
	"strings"
)

var (
	videoFormats = []string{"mp4", "avi", "mov", "mkv", "wmv", "flv", "webm"}
	audioFormats = []string{"mp3", "wav", "flac", "m4a", "aac", "ogg", "wma"}
	textFormats  = []string{"json", "txt", "md", "csv", "xml"}
)

// Capability describes what a Stage Service accepts and produces. Stage
// services publish it at GET /formats; the orchestrator checks task chains
// against it before dispatching anything.
type Capability struct {
	Stage         Name     `json:"stage"`
	InputFormats  []string `json:"input_formats"`
	OutputFormat  string   `json:"output_format"`
	MaxInputBytes int64    `json:"max_input_bytes,omitempty"`
	Models        []string `json:"models,omitempty"`
	DefaultModel  string   `json:"default_model,omitempty"`
	Device        string   `json:"device,omitempty"`
	GuardState    string   `json:"guard_state,omitempty"`
}

// DefaultCapability returns the built-in descriptor for a stage, used when
// the service cannot be asked.
func DefaultCapability(n Name) Capability {
	switch n {
	case Convert:
		return Capability{
			Stage:        Convert,
			InputFormats: append(slices.Clone(videoFormats), audioFormats...),
			OutputFormat: "wav",
			Device:       "cpu",
		}
	case Transcribe:
		return Capability{
			Stage:        Transcribe,
			InputFormats: slices.Clone(audioFormats),
			OutputFormat: "txt",
			Models:       []string{"tiny", "base", "small", "medium", "large-v2", "large-v3"},
			DefaultModel: "base",
			Device:       "gpu",
		}
	case Process:
		return Capability{
			Stage:        Process,
			InputFormats: slices.Clone(textFormats),
			OutputFormat: "txt",
			DefaultModel: "llama2",
			Device:       "gpu",
		}
	default:
		return Capability{Stage: n}
	}
}

// Accepts reports whether format (an extension, with or without dot) is an
// accepted input.
func (c Capability) Accepts(format string) bool {
	return slices.Contains(c.InputFormats, NormalizeFormat(format))
}

// SupportsModel reports whether model may be requested. An empty model or an
// empty model list always passes.
func (c Capability) SupportsModel(model string) bool {
	model = strings.TrimSpace(model)
	if model == "" || len(c.Models) == 0 {
		return true
	}
	return slices.Contains(c.Models, model)
}

// Normalize lowercases formats and fills the stage name.
func (c Capability) Normalize(n Name) Capability {
	c.Stage = n
	formats := make([]string, 0, len(c.InputFormats))
	for _, f := range c.InputFormats {
		if f = NormalizeFormat(f); f != "" {
			formats = append(formats, f)
		}
	}
	c.InputFormats = formats
	c.OutputFormat = NormalizeFormat(c.OutputFormat)
	return c
}

// NormalizeFormat lowercases an extension and strips its leading dot.
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// FormatOf returns the normalized extension of a file name.
func FormatOf(path string) string {
	return NormalizeFormat(filepath.Ext(path))
}

// IsTextFormat reports whether format is one of the plain text formats the
// processor reads.
func IsTextFormat(format string) bool {
	return slices.Contains(textFormats, NormalizeFormat(format))
}
