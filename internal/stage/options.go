package stage

import "strings"

// Options carries per-stage request parameters. Stages ignore fields that do
// not apply to them.
type Options struct {
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Language     string `json:"language,omitempty" yaml:"language,omitempty"`
	Prompt       string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty" yaml:"channels,omitempty"`
	Device       string `json:"device,omitempty" yaml:"device,omitempty"`
}

// Merge returns o with empty fields filled from fallback.
func (o Options) Merge(fallback Options) Options {
	if strings.TrimSpace(o.Model) == "" {
		o.Model = fallback.Model
	}
	if strings.TrimSpace(o.Language) == "" {
		o.Language = fallback.Language
	}
	if strings.TrimSpace(o.Prompt) == "" {
		o.Prompt = fallback.Prompt
	}
	if strings.TrimSpace(o.SystemPrompt) == "" {
		o.SystemPrompt = fallback.SystemPrompt
	}
	if strings.TrimSpace(o.Instructions) == "" {
		o.Instructions = fallback.Instructions
	}
	if o.SampleRate == 0 {
		o.SampleRate = fallback.SampleRate
	}
	if o.Channels == 0 {
		o.Channels = fallback.Channels
	}
	if strings.TrimSpace(o.Device) == "" {
		o.Device = fallback.Device
	}
	return o
}

// IsZero reports whether no option is set.
func (o Options) IsZero() bool {
	return o == Options{}
}
