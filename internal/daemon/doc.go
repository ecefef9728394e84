// Package daemon hosts the orchestrator process: it holds the single-instance
// lock, runs the workflow manager and serves the task HTTP API.
//
// Routes:
//
//	POST /api/tasks                          submit (JSON inputPath or multipart upload)
//	GET  /api/tasks                          list, ?status= filters
//	GET  /api/tasks/{id}                     committed task state
//	POST /api/tasks/{id}/cancel              cancel
//	GET  /api/tasks/{id}/artifacts/{stage}   download a stage output
//	GET  /api/status                         daemon and workflow diagnostics
//	GET  /api/logs                           daemon log chunk, ?offset=&limit=&follow=1&task=
//	GET  /health                             aggregated stage service health
//
// Every /api route requires the bearer token when paths.api_token is set.
package daemon
