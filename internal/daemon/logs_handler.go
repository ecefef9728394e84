package daemon

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/logs"
)

const (
	defaultLogLines = 100
	maxLogLines     = 5000
	logFollowWait   = 15 * time.Second
)

// handleLogs serves the daemon log. Without an offset it returns the last
// lines; with follow=1 it holds the request until new lines arrive. task=
// keeps only the lines logged for one task.
func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := logs.Options{Offset: -1, Limit: defaultLogLines, TaskID: strings.TrimSpace(query.Get("task"))}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, clientInput("offset must be an integer", err))
			return
		}
		opts.Offset = offset
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, clientInput("limit must be a non-negative integer", err))
			return
		}
		opts.Limit = min(limit, maxLogLines)
	}
	if opts.Offset >= 0 && strings.TrimSpace(query.Get("limit")) == "" {
		opts.Limit = maxLogLines
	}
	switch strings.ToLower(strings.TrimSpace(query.Get("follow"))) {
	case "1", "true", "yes":
		opts.Follow = true
		opts.Wait = logFollowWait
	}

	result, err := logs.Tail(r.Context(), s.daemon.logPath, opts)
	if err != nil && r.Context().Err() == nil {
		s.writeError(w, r, err)
		return
	}
	lines := result.Lines
	if lines == nil {
		lines = []string{}
	}
	s.writeJSON(w, http.StatusOK, api.LogTailResponse{Lines: lines, Offset: result.Offset})
}
