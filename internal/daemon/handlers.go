package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediaflow/internal/api"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
	"mediaflow/internal/workflow"
)

const (
	maxSubmitBody  = 1 << 20
	maxFieldBytes  = 64 << 10
	uploadOverhead = 1 << 20
)

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleUpload(w, r)
		return
	}

	var body api.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		s.writeError(w, r, clientInput("invalid request body", err))
		return
	}
	if strings.TrimSpace(body.InputPath) == "" {
		s.writeError(w, r, clientInput("inputPath is required", nil))
		return
	}
	req, err := toSubmitRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.InputPath = body.InputPath
	s.submit(w, r, req)
}

// handleUpload streams a multipart upload. Form fields must precede the
// "file" part; fields after it are ignored.
func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.daemon.cfg.Converter.MaxInputMB)<<20 + uploadOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, clientInput("invalid multipart body", err))
		return
	}

	var body api.SubmitRequest
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, r, clientInput("multipart body has no file part", nil))
			return
		}
		if err != nil {
			s.writeError(w, r, clientInput("invalid multipart body", err))
			return
		}

		if part.FormName() == "file" {
			req, err := toSubmitRequest(body)
			if err != nil {
				_ = part.Close()
				s.writeError(w, r, err)
				return
			}
			req.Input = part
			req.InputName = filepath.Base(part.FileName())
			s.submit(w, r, req)
			_ = part.Close()
			return
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		_ = part.Close()
		if err != nil {
			s.writeError(w, r, clientInput("read form field", err))
			return
		}
		if err := applyField(&body, part.FormName(), strings.TrimSpace(string(value))); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
}

func applyField(body *api.SubmitRequest, name, value string) error {
	switch name {
	case "id":
		body.ID = value
	case "pipeline":
		body.Pipeline = value
	case "stages":
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				body.Stages = append(body.Stages, part)
			}
		}
	case "options":
		if value == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(value), &body.Options); err != nil {
			return clientInput("invalid options field", err)
		}
	}
	return nil
}

func toSubmitRequest(body api.SubmitRequest) (workflow.SubmitRequest, error) {
	req := workflow.SubmitRequest{
		ID:       strings.TrimSpace(body.ID),
		Pipeline: strings.TrimSpace(body.Pipeline),
	}
	for _, raw := range body.Stages {
		n, err := stage.ParseName(raw)
		if err != nil {
			return workflow.SubmitRequest{}, clientInput(err.Error(), err)
		}
		req.Stages = append(req.Stages, n)
	}
	if len(body.Options) > 0 {
		req.Options = make(map[stage.Name]stage.Options, len(body.Options))
		for raw, opts := range body.Options {
			n, err := stage.ParseName(raw)
			if err != nil {
				return workflow.SubmitRequest{}, clientInput("options: "+err.Error(), err)
			}
			req.Options[n] = opts
		}
	}
	return req, nil
}

func (s *apiServer) submit(w http.ResponseWriter, r *http.Request, req workflow.SubmitRequest) {
	t, err := s.daemon.workflow.Submit(r.Context(), req)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.TaskResponse{Task: api.FromTask(t)})
}

func (s *apiServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []task.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := task.ParseStatus(part)
			if !ok {
				s.writeError(w, r, clientInput(fmt.Sprintf("unknown status %q", part), nil))
				return
			}
			statuses = append(statuses, status)
		}
	}
	tasks, err := s.daemon.workflow.List(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TaskListResponse{Tasks: api.SortTasksNewestFirst(api.FromTasks(tasks))})
}

func (s *apiServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.daemon.workflow.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TaskResponse{Task: api.FromTask(t)})
}

func (s *apiServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.daemon.workflow.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TaskResponse{Task: api.FromTask(t)})
}

// handleArtifact streams the output a stage committed for a task. The
// "source" stage name addresses the task input.
func (s *apiServer) handleArtifact(w http.ResponseWriter, r *http.Request) {
	t, err := s.daemon.workflow.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name, err := s.artifactName(t, chi.URLParam(r, "stage"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := s.daemon.artifacts.Open(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *apiServer) artifactName(t *task.Task, raw string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(raw), string(stage.Source)) {
		return t.Input, nil
	}
	n, err := stage.ParseName(raw)
	if err != nil {
		return "", clientInput(err.Error(), err)
	}
	if outcome, ok := t.Results[n]; ok && outcome.ArtifactRef != "" {
		return outcome.ArtifactRef, nil
	}
	ref, err := s.daemon.artifacts.Find(t.ID, n)
	if err != nil {
		return "", err
	}
	return ref.Name, nil
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	payload := api.DaemonStatus{
		Running:       status.Running,
		PID:           status.PID,
		DatabasePath:  status.DatabasePath,
		LockFilePath:  status.LockFilePath,
		ArtifactDir:   s.daemon.artifacts.Dir(),
		ArtifactFree:  status.Artifacts.FreeBytes,
		ArtifactTotal: status.Artifacts.TotalBytes,
		Workflow:      api.FromStatusSummary(status.Workflow),
	}
	if catalog := s.daemon.workflow.Catalog(); catalog != nil {
		payload.Pipelines = catalog.Names()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// handleHealth answers 503 while any stage service is not ready.
func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := api.FromHealthReports(s.daemon.workflow.StageHealth(r.Context()))
	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
		s.logger.Debug("orchestrator degraded", logging.Int("stages", len(health.Stages)))
	}
	s.writeJSON(w, code, health)
}

func clientInput(message string, err error) error {
	return services.Wrap(services.ErrClientInput, "", "api", message, err)
}
