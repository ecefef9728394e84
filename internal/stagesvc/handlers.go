package stagesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"mediaflow/internal/artifact"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

func (s *Server) name() string {
	return s.backend.Name().String()
}

func (s *Server) requestContext(r *http.Request) context.Context {
	ctx := services.WithStage(r.Context(), s.name())
	if id := middleware.GetReqID(ctx); id != "" {
		ctx = services.WithRequestID(ctx, id)
	}
	return ctx
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.backend.Health(r.Context())
	if report.Service == "" {
		report.Service = s.backend.Name()
	}
	if report.Status == "" {
		report.Status = stage.StatusHealthy
		if !report.Ready {
			report.Status = stage.StatusDown
		}
	}
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Capability(r.Context()).Normalize(s.backend.Name()))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	f, err := s.artifacts.Open(name)
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrInvalidName):
			s.writeError(w, services.Wrap(services.ErrClientInput, s.name(), "download", "invalid artifact name", err))
		case errors.Is(err, artifact.ErrNotFound):
			s.writeError(w, services.Wrap(services.ErrNotFound, s.name(), "download", name, err))
		default:
			s.writeError(w, services.Wrap(services.ErrFatal, s.name(), "download", name, err))
		}
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrFatal, s.name(), "download", name, err))
		return
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := s.requestContext(r)
	req, err := s.decodeRequest(ctx, w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx = services.WithTaskID(ctx, req.TaskID)
	logger := logging.WithContext(ctx, s.logger)

	if result, ok := s.committedResult(req); ok {
		logger.Info("stage output already committed",
			logging.String(logging.FieldEventType, "stage_output_reused"),
			logging.String("output", result.Output.Name),
		)
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	job, err := s.resolve(ctx, req)
	if err != nil {
		logging.WarnWithContext(logger, "stage request rejected", "stage_rejected", logging.ErrorAttrs(err)...)
		s.writeError(w, err)
		return
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_service_run"),
		logging.String("input", job.InputName),
		logging.String(logging.FieldModel, job.Options.Model),
	)
	start := time.Now()
	outcome, err := s.backend.Run(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, artifact.ErrExists) {
			if result, ok := s.committedResult(req); ok {
				s.writeJSON(w, http.StatusOK, result)
				return
			}
		}
		attrs := append(logging.ErrorAttrs(err), logging.Duration("duration", elapsed))
		if services.KindOf(err) == services.KindFatal {
			logging.ErrorWithContext(logger, "stage failed", "stage_service_failed", attrs...)
		} else {
			logging.WarnWithContext(logger, "stage failed", "stage_service_failed", attrs...)
		}
		s.writeError(w, err)
		return
	}

	result := stage.Result{
		Status:         stage.StatusSuccess,
		TaskID:         req.TaskID,
		Stage:          s.backend.Name(),
		Output:         toOutput(outcome.Output),
		ProcessingTime: elapsed.Seconds(),
		Model:          outcome.Model,
		Device:         outcome.Device,
		Text:           outcome.Text,
	}
	for _, ref := range outcome.Extra {
		result.Extra = append(result.Extra, toOutput(ref))
	}
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_service_done"),
		logging.String("output", result.Output.Name),
		logging.Int64("size", result.Output.Size),
		logging.Duration("duration", elapsed),
		logging.String(logging.FieldDevice, outcome.Device),
	)
	s.writeJSON(w, http.StatusOK, result)
}

// decodeRequest accepts the JSON stage.Request or a multipart upload with a
// "file" part and form fields named like the JSON options.
func (s *Server) decodeRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (stage.Request, error) {
	var req stage.Request
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.decodeUpload(ctx, w, r)
	}
	body := io.LimitReader(r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return req, services.Wrap(services.ErrClientInput, s.name(), "decode request", "invalid JSON body", err)
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		return req, services.Wrap(services.ErrClientInput, s.name(), "decode request", "task_id is required", nil)
	}
	return req, nil
}

func (s *Server) decodeUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) (stage.Request, error) {
	var req stage.Request
	if limit := s.backend.Capability(ctx).MaxInputBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, services.Wrap(services.ErrClientInput, s.name(), "decode upload", "invalid multipart body", err)
	}
	req.TaskID = strings.TrimSpace(r.FormValue("task_id"))
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	req.Text = r.FormValue("text")
	req.Options = stage.Options{
		Model:        r.FormValue("model"),
		Language:     r.FormValue("language"),
		Prompt:       r.FormValue("prompt"),
		SystemPrompt: r.FormValue("system_prompt"),
		Instructions: r.FormValue("instructions"),
		Device:       r.FormValue("device"),
	}
	req.Options.SampleRate, _ = strconv.Atoi(r.FormValue("sample_rate"))
	req.Options.Channels, _ = strconv.Atoi(r.FormValue("channels"))

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return req, services.Wrap(services.ErrClientInput, s.name(), "decode upload", "read file part", err)
	}
	defer file.Close()
	if artifact.SanitizeID(req.TaskID) != req.TaskID {
		return req, services.Wrap(services.ErrClientInput, s.name(), "decode upload", fmt.Sprintf("invalid task_id %q", req.TaskID), nil)
	}
	ref, err := s.artifacts.Put(req.TaskID, stage.Source, stage.FormatOf(header.Filename), file)
	if err != nil {
		if errors.Is(err, artifact.ErrExists) || errors.Is(err, artifact.ErrInvalidName) {
			return req, services.Wrap(services.ErrClientInput, s.name(), "decode upload", "store upload", err)
		}
		return req, services.Wrap(services.ErrTransient, s.name(), "decode upload", "store upload", err)
	}
	req.InputRef = ref.Name
	return req, nil
}

// resolve checks the request against the artifact store and the capability
// descriptor.
func (s *Server) resolve(ctx context.Context, req stage.Request) (Job, error) {
	job := Job{TaskID: req.TaskID, Text: req.Text, Options: req.Options}
	if artifact.SanitizeID(req.TaskID) != req.TaskID {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input", fmt.Sprintf("invalid task_id %q", req.TaskID), nil)
	}
	capability := s.backend.Capability(ctx)
	if !capability.SupportsModel(req.Options.Model) {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input",
			fmt.Sprintf("model %q is not offered (available: %s)", req.Options.Model, strings.Join(capability.Models, ", ")), nil)
	}

	if strings.TrimSpace(req.InputRef) == "" {
		if strings.TrimSpace(req.Text) == "" {
			return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input", "input_ref or text is required", nil)
		}
		if !capability.Accepts("txt") {
			return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input", "inline text is not accepted by this stage", nil)
		}
		return job, nil
	}

	parsed, err := artifact.Parse(req.InputRef)
	if err != nil {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input", "invalid input_ref", err)
	}
	if parsed.TaskID != req.TaskID {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input",
			fmt.Sprintf("input %s belongs to task %s", req.InputRef, parsed.TaskID), nil)
	}
	if !capability.Accepts(parsed.Ext) {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input",
			fmt.Sprintf("unsupported input format %q (accepted: %s)", parsed.Ext, strings.Join(capability.InputFormats, ", ")), nil)
	}
	ref, err := s.artifacts.Stat(req.InputRef)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input", "input artifact not found", err)
		}
		return job, services.Wrap(services.ErrTransient, s.name(), "resolve input", "stat input artifact", err)
	}
	if capability.MaxInputBytes > 0 && ref.Size > capability.MaxInputBytes {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input",
			fmt.Sprintf("input is %d bytes, limit is %d", ref.Size, capability.MaxInputBytes), nil)
	}
	path, err := s.artifacts.Path(req.InputRef)
	if err != nil {
		return job, services.Wrap(services.ErrClientInput, s.name(), "resolve input", "invalid input_ref", err)
	}
	job.InputName = req.InputRef
	job.InputPath = path
	return job, nil
}

// committedResult reports an output the backend already committed for the
// task, together with the other artifacts the stage wrote.
func (s *Server) committedResult(req stage.Request) (stage.Result, bool) {
	if artifact.SanitizeID(req.TaskID) != req.TaskID {
		return stage.Result{}, false
	}
	name := s.backend.Name()
	primary, err := s.artifacts.Find(req.TaskID, name)
	if err != nil {
		return stage.Result{}, false
	}
	result := stage.Result{
		Status: stage.StatusSuccess,
		TaskID: req.TaskID,
		Stage:  name,
		Output: toOutput(primary),
		Model:  req.Options.Model,
	}
	refs, err := s.artifacts.List(req.TaskID)
	if err == nil {
		for _, ref := range refs {
			parsed, err := artifact.Parse(ref.Name)
			if err != nil || ref.Name == primary.Name || parsed.Suffix != name.Suffix() {
				continue
			}
			result.Extra = append(result.Extra, toOutput(ref))
		}
	}
	return result, true
}

func (s *Server) handlePullModel(w http.ResponseWriter, r *http.Request) {
	manager := s.backend.(ModelManager)
	var body struct {
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&body); err != nil {
		s.writeError(w, services.Wrap(services.ErrClientInput, s.name(), "pull model", "invalid JSON body", err))
		return
	}
	model := strings.TrimSpace(body.Model)
	if model == "" {
		model = strings.TrimSpace(body.Name)
	}
	if model == "" {
		s.writeError(w, services.Wrap(services.ErrClientInput, s.name(), "pull model", "model is required", nil))
		return
	}
	ctx := s.requestContext(r)
	if err := manager.PullModel(ctx, model); err != nil {
		s.writeError(w, err)
		return
	}
	logging.WithContext(ctx, s.logger).Info("model pulled",
		logging.String(logging.FieldEventType, "model_pulled"),
		logging.String(logging.FieldModel, model),
	)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": stage.StatusSuccess, "model": model})
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	manager := s.backend.(ModelManager)
	model := strings.TrimSpace(chi.URLParam(r, "name"))
	ctx := s.requestContext(r)
	if err := manager.DeleteModel(ctx, model); err != nil {
		s.writeError(w, err)
		return
	}
	logging.WithContext(ctx, s.logger).Info("model deleted",
		logging.String(logging.FieldEventType, "model_deleted"),
		logging.String(logging.FieldModel, model),
	)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": stage.StatusSuccess, "model": model})
}

func toOutput(ref artifact.Ref) stage.Output {
	return stage.Output{Name: ref.Name, Size: ref.Size, SHA256: ref.SHA256}
}
