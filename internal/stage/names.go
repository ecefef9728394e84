package stage

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Name identifies a pipeline stage.
type Name string

const (
	Convert    Name = "convert"
	Transcribe Name = "transcribe"
	Process    Name = "process"

	// Source addresses the task input artifact. It is not a runnable stage.
	Source Name = "source"
)

// All returns the runnable stages in canonical pipeline order.
func All() []Name {
	return []Name{Convert, Transcribe, Process}
}

// Valid reports whether n is a runnable stage.
func (n Name) Valid() bool {
	switch n {
	case Convert, Transcribe, Process:
		return true
	default:
		return false
	}
}

// ParseName normalizes a user-supplied stage name.
func ParseName(value string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(value)))
	if !n.Valid() {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return n, nil
}

// ParseList parses a comma separated stage list such as "convert,transcribe".
func ParseList(value string) ([]Name, error) {
	var out []Name
	for _, part := range strings.Split(value, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		n, err := ParseName(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Suffix is the artifact name suffix written by the stage.
func (n Name) Suffix() string {
	switch n {
	case Convert:
		return "audio"
	case Transcribe:
		return "transcription"
	case Process:
		return "processed"
	case Source:
		return "source"
	default:
		return string(n)
	}
}

// OutputExt is the file extension (without dot) of the stage's primary output.
func (n Name) OutputExt() string {
	switch n {
	case Convert:
		return "wav"
	case Transcribe, Process:
		return "txt"
	default:
		return ""
	}
}

// Path is the Stage Service endpoint that runs the stage.
func (n Name) Path() string {
	return "/" + string(n)
}

// Label renders the stage name for human display ("Transcribe").
func (n Name) Label() string {
	return cases.Title(language.Und).String(string(n))
}

func (n Name) String() string { return string(n) }
