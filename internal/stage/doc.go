// Package stage defines the contract shared by the orchestrator and the Stage
// Services: stage names and artifact suffixes, capability descriptors, the
// JSON request/result bodies and the chain validation run before a task is
// accepted.
package stage
