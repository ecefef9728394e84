package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"mediaflow/internal/artifact"
	"mediaflow/internal/events"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

// Submit validates a new task, commits its input and queues it. A chain the
// stage services cannot run is rejected with a configuration error before
// anything is written.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	stages, options, err := m.resolveChain(req)
	if err != nil {
		return nil, err
	}
	id, err := resolveTaskID(req.ID)
	if err != nil {
		return nil, err
	}
	ctx = services.WithTaskID(ctx, id)
	logger := m.loggerFor(ctx)

	inputName, inputSize, err := describeInput(req)
	if err != nil {
		return nil, err
	}

	chain := stage.Chain{
		Stages:       stages,
		Capabilities: m.capabilities(ctx, stages),
		InputFormat:  stage.FormatOf(inputName),
		InputSize:    inputSize,
		Options:      options,
	}
	if err := stage.ValidateChain(chain); err != nil {
		logger.Warn("task rejected",
			logging.String(logging.FieldEventType, "task_rejected"),
			logging.String("input", inputName),
			logging.Any("stages", stageNames(stages)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the requested stages and stage service capabilities"),
		)
		return nil, err
	}

	if _, err := m.store.Get(ctx, id); err == nil {
		return nil, services.Wrap(services.ErrClientInput, "", "submit", fmt.Sprintf("task %s already exists", id), task.ErrExists)
	} else if !errors.Is(err, task.ErrNotFound) {
		return nil, fmt.Errorf("lookup task: %w", err)
	}

	ref, err := m.commitInput(id, req, inputName)
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		ID:        id,
		Stages:    stages,
		Options:   options,
		Pipeline:  strings.ToLower(strings.TrimSpace(req.Pipeline)),
		Input:     ref.Name,
		InputName: inputName,
	}
	if err := m.store.Create(ctx, t); err != nil {
		if rmErr := m.artifacts.Remove(ref.Name); rmErr != nil {
			logger.Warn("failed to remove input of unrecorded task",
				logging.String("input_ref", ref.Name),
				logging.Error(rmErr),
			)
		}
		if errors.Is(err, task.ErrExists) {
			return nil, services.Wrap(services.ErrClientInput, "", "submit", fmt.Sprintf("task %s already exists", id), err)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	logger.Info("task submitted",
		logging.String(logging.FieldEventType, "task_submitted"),
		logging.Any("stages", stageNames(stages)),
		logging.String("input_ref", ref.Name),
		logging.Int64("input_bytes", ref.Size),
		logging.String("pipeline", t.Pipeline),
	)
	m.publish(ctx, events.Event{Type: events.TaskSubmitted, TaskID: id, Status: string(t.Status), Artifact: ref.Name})
	m.enqueue(id)
	return t, nil
}

// resolveChain expands a pipeline preset and merges its options under the
// request's own options.
func (m *Manager) resolveChain(req SubmitRequest) ([]stage.Name, map[stage.Name]stage.Options, error) {
	pipeline := strings.TrimSpace(req.Pipeline)
	if pipeline == "" {
		if len(req.Stages) == 0 {
			return nil, nil, services.Wrap(services.ErrConfiguration, "", "submit", "no stages or pipeline given", nil)
		}
		return append([]stage.Name(nil), req.Stages...), cloneOptions(req.Options), nil
	}
	if len(req.Stages) > 0 {
		return nil, nil, services.Wrap(services.ErrConfiguration, "", "submit", "give either stages or a pipeline, not both", nil)
	}
	preset, ok := m.catalog.Get(pipeline)
	if !ok {
		return nil, nil, services.Wrap(services.ErrConfiguration, "", "submit",
			fmt.Sprintf("unknown pipeline %q (known: %s)", pipeline, strings.Join(m.catalog.Names(), ", ")), nil)
	}
	stages, err := preset.StageNames()
	if err != nil {
		return nil, nil, services.Wrap(services.ErrConfiguration, "", "submit", "pipeline "+preset.Name, err)
	}
	options := preset.StageOptions()
	if options == nil {
		options = map[stage.Name]stage.Options{}
	}
	for n, opts := range req.Options {
		options[n] = opts.Merge(options[n])
	}
	if len(options) == 0 {
		options = nil
	}
	return stages, options, nil
}

func cloneOptions(in map[stage.Name]stage.Options) map[stage.Name]stage.Options {
	if len(in) == 0 {
		return nil
	}
	out := make(map[stage.Name]stage.Options, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func resolveTaskID(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return uuid.NewString(), nil
	}
	id := artifact.SanitizeID(raw)
	if strings.Trim(id, "_.") == "" {
		return "", services.Wrap(services.ErrClientInput, "", "submit", fmt.Sprintf("task id %q has no usable characters", raw), nil)
	}
	return id, nil
}

func describeInput(req SubmitRequest) (string, int64, error) {
	switch {
	case req.InputPath != "" && req.Input != nil:
		return "", 0, services.Wrap(services.ErrClientInput, "", "submit", "give either an input path or an upload, not both", nil)
	case req.InputPath != "":
		info, err := os.Stat(req.InputPath)
		if err != nil {
			return "", 0, services.Wrap(services.ErrClientInput, "", "submit", "input file", err)
		}
		if !info.Mode().IsRegular() {
			return "", 0, services.Wrap(services.ErrClientInput, "", "submit", req.InputPath+" is not a regular file", nil)
		}
		return filepath.Base(req.InputPath), info.Size(), nil
	case req.Input != nil:
		name := filepath.Base(strings.TrimSpace(req.InputName))
		if name == "" || name == "." || name == string(filepath.Separator) {
			return "", 0, services.Wrap(services.ErrClientInput, "", "submit", "uploaded input needs a file name", nil)
		}
		return name, req.InputSize, nil
	default:
		return "", 0, services.Wrap(services.ErrClientInput, "", "submit", "no input given", nil)
	}
}

func (m *Manager) commitInput(id string, req SubmitRequest, inputName string) (artifact.Ref, error) {
	var (
		ref artifact.Ref
		err error
	)
	if req.InputPath != "" {
		ref, err = m.artifacts.PutFile(id, stage.Source, req.InputPath)
	} else {
		ref, err = m.artifacts.Put(id, stage.Source, stage.FormatOf(inputName), req.Input)
	}
	if err != nil {
		if errors.Is(err, artifact.ErrExists) {
			return artifact.Ref{}, services.Wrap(services.ErrClientInput, "", "submit", fmt.Sprintf("input for task %s already stored", id), err)
		}
		return artifact.Ref{}, fmt.Errorf("store input: %w", err)
	}
	return ref, nil
}

// capabilities resolves the descriptor of every requested stage. Stages
// without a client fall back to the built-in descriptor.
func (m *Manager) capabilities(ctx context.Context, stages []stage.Name) map[stage.Name]stage.Capability {
	caps := make(map[stage.Name]stage.Capability, len(stages))
	for _, n := range stages {
		client, ok := m.client(n)
		if !ok {
			continue
		}
		capability, source := m.resolver.Resolve(ctx, client)
		m.loggerFor(ctx).Debug("capability resolved",
			logging.String(logging.FieldStage, n.String()),
			logging.String("source", string(source)),
		)
		caps[n] = capability
	}
	return caps
}
