package task

import "errors"

var (
	// ErrNotFound indicates no task with the requested ID exists.
	ErrNotFound = errors.New("task not found")
	// ErrExists indicates a task ID is already taken.
	ErrExists = errors.New("task already exists")
	// ErrOutcomeExists indicates a stage outcome was already recorded.
	ErrOutcomeExists = errors.New("stage outcome already recorded")
	// ErrOutOfOrder indicates an outcome for a stage that is not next in the chain.
	ErrOutOfOrder = errors.New("stage outcome out of order")
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)
