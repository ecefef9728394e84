// Package preflight provides readiness checks for the external tools,
// runtimes and filesystem paths mediaflow depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failed check; stage
//     services call RunStage before binding their port.
//   - The CLI "mediaflow stage health" and "mediaflow status" commands use
//     individual check functions to display readiness.
package preflight
