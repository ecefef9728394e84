// Package deps checks for the external binaries stage services shell out to.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external binary a stage service relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports whether a requirement is met. Path is the resolved
// executable when Available.
type Status struct {
	Requirement
	Available bool
	Path      string
	Detail    string
}

// Check resolves a single requirement on PATH.
func Check(req Requirement) Status {
	req.Command = strings.TrimSpace(req.Command)
	req.Description = strings.TrimSpace(req.Description)
	status := Status{Requirement: req}
	if req.Command == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(req.Command)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", req.Command)
		return status
	}
	status.Available = true
	status.Path = path
	return status
}

// CheckBinaries evaluates every requirement, preserving order.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, len(requirements))
	for i, req := range requirements {
		results[i] = Check(req)
	}
	return results
}
