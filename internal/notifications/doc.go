// Package notifications pushes task milestones to ntfy.
//
// The orchestrator publishes completed, failed and cancelled tasks (and stage
// runs that fell back to a smaller model). Each event can be switched off in
// the [notifications] section; with no ntfy_topic the service is a no-op.
package notifications
