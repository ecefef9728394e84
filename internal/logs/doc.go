// Package logs tails the daemon log file for the API and the CLI.
//
// Reads are offset based so a client can poll with the offset returned by
// the previous call. A negative offset returns the last Limit lines. When
// Follow is set and nothing new is available, Tail waits up to Wait for
// more output. A file that shrank below the offset (rotation or truncation)
// is read again from the start.
package logs
