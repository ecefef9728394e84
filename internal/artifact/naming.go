package artifact

import (
	"fmt"
	"path/filepath"
	"strings"

	"mediaflow/internal/stage"
)

// SanitizeID replaces every character outside [A-Za-z0-9_.-] with '_'.
func SanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range strings.TrimSpace(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Name builds the artifact file name {task_id}_{suffix}.{ext}.
func Name(taskID string, n stage.Name, ext string) string {
	ext = stage.NormalizeFormat(ext)
	base := SanitizeID(taskID) + "_" + n.Suffix()
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// Parsed is a decomposed artifact name.
type Parsed struct {
	TaskID string
	Suffix string
	Ext    string
}

// Parse splits an artifact name into its parts.
func Parse(name string) (Parsed, error) {
	if err := ValidateName(name); err != nil {
		return Parsed{}, err
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	idx := strings.LastIndexByte(base, '_')
	if idx <= 0 || idx == len(base)-1 {
		return Parsed{}, fmt.Errorf("%w: %q does not follow {task_id}_{suffix}.{ext}", ErrInvalidName, name)
	}
	return Parsed{
		TaskID: base[:idx],
		Suffix: base[idx+1:],
		Ext:    strings.TrimPrefix(ext, "."),
	}, nil
}

// ValidateName rejects names that could escape the artifact directory.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	}
	return nil
}
