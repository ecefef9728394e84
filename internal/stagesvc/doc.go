// Package stagesvc serves one pipeline stage over HTTP.
//
// A Server wraps a Backend (converter, transcriber or processor) with the
// stage service contract shared by all three: resolve the input artifact,
// check it against the capability descriptor, run the backend, commit the
// output to the artifact store and answer with a stage.Result. Failures are
// answered with a stage.ErrorBody whose HTTP status and error_kind follow
// the services failure taxonomy, so the orchestrator can decide whether to
// retry without parsing messages.
//
// A repeated call for a task whose output is already committed returns the
// existing artifact. That makes calls idempotent when the orchestrator
// retries after losing a reply.
package stagesvc
