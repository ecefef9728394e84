// Package main hosts the mediaflow CLI entrypoint and command graph.
//
// The Cobra command tree submits and inspects tasks through the orchestrator
// HTTP API, starts and stops the daemon, runs stage services, and scaffolds
// configuration. Heavy lifting lives in the internal packages; commands here
// resolve configuration, call them and render the result.
package main
