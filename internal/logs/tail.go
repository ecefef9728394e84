package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	pollInterval = 200 * time.Millisecond
	maxLineBytes = 1 << 20
)

// Options selects which part of the file Tail returns. A non-empty TaskID
// keeps only lines logged for that task; Limit then counts kept lines.
type Options struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	TaskID string
}

// Result holds the lines read and the offset to resume from.
type Result struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// Tail reads lines from path according to opts. A missing file yields an
// empty result rather than an error; the daemon may not have logged yet.
func Tail(ctx context.Context, path string, opts Options) (Result, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("log path %q is a directory", path)
	}

	var res Result
	if opts.Offset < 0 {
		res, err = lastLines(path, opts.Limit, opts.TaskID)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			offset = 0
		}
		res, err = readFrom(path, offset, opts.Limit, opts.TaskID)
	}
	if err != nil || len(res.Lines) > 0 || !opts.Follow || opts.Wait <= 0 {
		return res, err
	}
	return follow(ctx, path, res.Offset, opts)
}

func follow(ctx context.Context, path string, offset int64, opts Options) (Result, error) {
	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	res := Result{Offset: offset}
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-deadline.C:
			return res, nil
		case <-ticker.C:
		}
		next, err := readFrom(path, offset, opts.Limit, opts.TaskID)
		if err != nil {
			return res, err
		}
		if len(next.Lines) > 0 {
			return next, nil
		}
		// Lines for other tasks are skipped for good.
		offset = next.Offset
		res.Offset = offset
	}
}

// lastLines keeps a ring of the final limit lines. limit <= 0 only reports
// the end offset.
func lastLines(path string, limit int, taskID string) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return Result{}, fmt.Errorf("seek log file: %w", err)
		}
		return Result{Offset: end}, nil
	}

	ring := make([]string, 0, limit)
	start := 0
	var consumed int64
	err = scanLines(file, func(line string, n int) bool {
		consumed += int64(n)
		if !MatchesTask(line, taskID) {
			return true
		}
		if len(ring) < limit {
			ring = append(ring, line)
		} else {
			ring[start] = line
			start = (start + 1) % limit
		}
		return true
	})
	if err != nil {
		return Result{}, err
	}
	lines := make([]string, 0, len(ring))
	lines = append(lines, ring[start:]...)
	lines = append(lines, ring[:start]...)
	return Result{Lines: lines, Offset: consumed}, nil
}

// readFrom returns complete lines after offset, at most limit when limit is
// positive. A trailing line without a newline is left for the next read.
func readFrom(path string, offset int64, limit int, taskID string) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("seek log file: %w", err)
	}

	res := Result{Offset: offset}
	err = scanLines(file, func(line string, n int) bool {
		res.Offset += int64(n)
		if !MatchesTask(line, taskID) {
			return true
		}
		res.Lines = append(res.Lines, line)
		return limit <= 0 || len(res.Lines) < limit
	})
	return res, err
}

// scanLines calls fn for every newline-terminated line with the number of
// bytes it occupied. fn returns false to stop.
func scanLines(r io.Reader, fn func(line string, n int) bool) error {
	reader := bufio.NewReaderSize(r, 64<<10)
	for {
		raw, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Oversized line: consume it whole, then truncate what is kept.
			head := string(raw)
			rest, rerr := reader.ReadString('\n')
			n := len(head) + len(rest)
			line := head + rest
			if len(line) > maxLineBytes {
				line = line[:maxLineBytes]
			}
			if rerr != nil {
				return nil
			}
			if !fn(trimNewline(line), n) {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read log file: %w", err)
		}
		if !fn(trimNewline(string(raw)), len(raw)) {
			return nil
		}
	}
}

func trimNewline(line string) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}

// MatchesTask reports whether a log line carries task_id taskID. JSON lines
// are decoded; console lines are matched on their task_id= pair. An empty
// taskID matches every line.
func MatchesTask(line, taskID string) bool {
	if taskID == "" {
		return true
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var entry struct {
			TaskID string `json:"task_id"`
		}
		if json.Unmarshal([]byte(trimmed), &entry) == nil {
			return entry.TaskID == taskID
		}
	}
	plain, quoted := "task_id="+taskID, "task_id="+strconv.Quote(taskID)
	for _, field := range strings.Fields(trimmed) {
		if field == plain || field == quoted {
			return true
		}
	}
	return false
}
