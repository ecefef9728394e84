// Package pipelines resolves named stage chains ("summary", "transcript")
// from a YAML catalog so callers can submit a task without spelling out the
// stage list and options.
package pipelines
