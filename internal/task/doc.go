// Package task owns the task model and its persistence.
//
// A Task is one requested run of a stage chain over a single input. Its
// lifecycle is a small state machine (pending, running, stage_failed and the
// terminal completed, failed, cancelled) enforced by Store.Transition. Stage
// outcomes live in their own insert-only table: each stage is recorded at
// most once, in chain order, so recorded results always form a prefix of the
// requested stages.
//
// The store runs on SQLite (modernc.org/sqlite, WAL mode with busy retries)
// or on Postgres through lib/pq when storage.driver is "postgres".
package task
