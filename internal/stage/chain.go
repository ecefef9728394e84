package stage

import (
	"fmt"
	"strings"

	"mediaflow/internal/services"
)

// Chain is a requested pipeline together with what is known about its input.
type Chain struct {
	Stages       []Name
	Capabilities map[Name]Capability
	InputFormat  string
	InputSize    int64
	Options      map[Name]Options
}

// ValidateChain checks a task's stage chain before anything is persisted or
// dispatched. Every inconsistency is reported as a configuration error; the
// first one found wins.
func ValidateChain(c Chain) error {
	if len(c.Stages) == 0 {
		return configError("at least one stage is required")
	}
	seen := make(map[Name]struct{}, len(c.Stages))
	for _, n := range c.Stages {
		if !n.Valid() {
			return configError(fmt.Sprintf("unknown stage %q", n))
		}
		if _, dup := seen[n]; dup {
			return configError(fmt.Sprintf("stage %s requested twice", n))
		}
		seen[n] = struct{}{}
	}

	format := NormalizeFormat(c.InputFormat)
	for idx, n := range c.Stages {
		capability, ok := c.Capabilities[n]
		if !ok {
			capability = DefaultCapability(n)
		}
		if idx == 0 {
			if format == "" {
				return configError(fmt.Sprintf("input has no extension; %s needs one of %s", n, formatList(capability.InputFormats)))
			}
			if !capability.Accepts(format) {
				return configError(fmt.Sprintf("%s does not accept .%s input (accepted: %s)", n, format, formatList(capability.InputFormats)))
			}
			if capability.MaxInputBytes > 0 && c.InputSize > capability.MaxInputBytes {
				return configError(fmt.Sprintf("input is %d bytes; %s accepts at most %d", c.InputSize, n, capability.MaxInputBytes))
			}
		} else {
			prev := c.Stages[idx-1]
			if !capability.Accepts(format) {
				return configError(fmt.Sprintf("%s produces .%s which %s does not accept (accepted: %s)", prev, format, n, formatList(capability.InputFormats)))
			}
		}
		if opts, ok := c.Options[n]; ok && !capability.SupportsModel(opts.Model) {
			return configError(fmt.Sprintf("%s model %q is not available (available: %s)", n, opts.Model, strings.Join(capability.Models, ", ")))
		}
		format = capability.OutputFormat
		if format == "" {
			format = n.OutputExt()
		}
	}
	for n := range c.Options {
		if _, ok := seen[n]; !ok {
			return configError(fmt.Sprintf("options given for stage %s which is not requested", n))
		}
	}
	return nil
}

func configError(message string) error {
	return services.Wrap(services.ErrConfiguration, "", "validate chain", message, nil)
}

func formatList(formats []string) string {
	if len(formats) == 0 {
		return "none"
	}
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = "." + f
	}
	return strings.Join(out, " ")
}
