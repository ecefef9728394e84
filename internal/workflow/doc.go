// Package workflow drives tasks through their stage chains.
//
// The Manager validates a submitted chain against the capability
// descriptors of the stage services, commits the input to the artifact
// store and persists the task as pending. A fixed pool of workers then runs
// each task to a terminal status: stages execute strictly in order, every
// attempt is preceded by a liveness probe, retryable failures back off
// exponentially, and a success outcome is appended only after the stage's
// output artifact is confirmed on disk.
//
// Outcomes are insert-only, so a stage that succeeded is never executed
// again. Tasks left pending or running by a previous process are picked up
// on Start and resume at their first unfinished stage.
//
// Cancellation is cooperative: a pending task is cancelled at once, a
// running task stops at its next suspension point and any in-flight stage
// result is discarded.
package workflow
