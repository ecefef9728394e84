// Package services defines shared utilities consumed by the orchestrator, the
// stage services and the external tool adapters.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, stage names, attempt numbers and
//     correlation identifiers for logging and tracing.
//   - The failure taxonomy (configuration, client input, transient, resource
//     exhausted, fatal) plus the Wrap helper that tags errors with a marker
//     so KindOf and Retryable can classify them after any amount of wrapping.
//
// Subpackages wrap the external tools (ffmpeg, WhisperX, LLM endpoints) the
// stage services delegate to.
package services
