// Package artifact implements the shared artifact store: a directory of
// immutable files named {task_id}_{suffix}.{ext} that the orchestrator and
// the Stage Services exchange by name.
//
// Writes go through a temp file, fsync and an exclusive link, so readers see
// either nothing or the complete artifact, and a second write to the same
// name fails with ErrExists.
package artifact
