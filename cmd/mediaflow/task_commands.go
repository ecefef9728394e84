package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mediaflow/internal/api"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

const waitPollInterval = 500 * time.Millisecond

type submitFlags struct {
	id           string
	stages       string
	pipeline     string
	models       []string
	language     string
	prompt       string
	systemPrompt string
	instructions string
	upload       bool
	wait         bool
	timeout      time.Duration
	json         bool
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var flags submitFlags
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a media file for processing",
		Long: "Submit a media file and run it through a stage chain.\n\n" +
			"Give the chain with --stages (convert,transcribe,process) or a named --pipeline.\n" +
			"By default the daemon reads the file from the shared filesystem; --upload streams it instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			req, err := flags.request()
			if err != nil {
				return err
			}

			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve input: %w", err)
			}
			if info, err := os.Stat(path); err != nil {
				return fmt.Errorf("input file: %w", err)
			} else if !info.Mode().IsRegular() {
				return fmt.Errorf("input %s is not a regular file", path)
			}

			var created api.Task
			if flags.upload {
				created, err = client.Upload(cmd.Context(), path, req)
			} else {
				req.InputPath = path
				created, err = client.Submit(cmd.Context(), req)
			}
			if err != nil {
				return err
			}

			if flags.wait {
				created, err = waitForTask(cmd.Context(), client, created.ID, flags.timeout)
				if err != nil {
					return err
				}
			}
			if flags.json {
				return writeJSON(cmd, created)
			}
			out := cmd.OutOrStdout()
			if !flags.wait {
				fmt.Fprintf(out, "Submitted task %s (%s)\n", created.ID, strings.Join(created.Stages, " -> "))
				return nil
			}
			renderTaskDetail(out, created)
			if created.Status != string(task.StatusCompleted) {
				return fmt.Errorf("task %s finished %s", created.ID, created.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "Task ID (generated when empty)")
	cmd.Flags().StringVarP(&flags.stages, "stages", "s", "", "Comma separated stage chain")
	cmd.Flags().StringVarP(&flags.pipeline, "pipeline", "p", "", "Named pipeline preset")
	cmd.Flags().StringArrayVarP(&flags.models, "model", "m", nil, "Model for a stage as stage=model (repeatable)")
	cmd.Flags().StringVar(&flags.language, "language", "", "Transcription language code, or auto")
	cmd.Flags().StringVar(&flags.prompt, "prompt", "", "Task prompt for the process stage")
	cmd.Flags().StringVar(&flags.systemPrompt, "system-prompt", "", "System prompt override for the process stage")
	cmd.Flags().StringVar(&flags.instructions, "instructions", "", "Extra instructions appended to the process system prompt")
	cmd.Flags().BoolVar(&flags.upload, "upload", false, "Stream the file to the daemon instead of passing its path")
	cmd.Flags().BoolVarP(&flags.wait, "wait", "w", false, "Wait for the task to finish")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the task as JSON")
	return cmd
}

// request builds the API submit request from flags. Stage names are checked
// locally so typos fail before anything is sent.
func (f submitFlags) request() (api.SubmitRequest, error) {
	req := api.SubmitRequest{ID: strings.TrimSpace(f.id), Pipeline: strings.TrimSpace(f.pipeline)}
	if strings.TrimSpace(f.stages) != "" {
		names, err := stage.ParseList(f.stages)
		if err != nil {
			return api.SubmitRequest{}, err
		}
		for _, n := range names {
			req.Stages = append(req.Stages, n.String())
		}
	}
	if len(req.Stages) == 0 && req.Pipeline == "" {
		return api.SubmitRequest{}, errors.New("give --stages or --pipeline")
	}

	options := map[string]stage.Options{}
	set := func(n stage.Name, apply func(*stage.Options)) {
		opts := options[n.String()]
		apply(&opts)
		options[n.String()] = opts
	}
	for _, raw := range f.models {
		name, model, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(model) == "" {
			return api.SubmitRequest{}, fmt.Errorf("--model %q: want stage=model", raw)
		}
		n, err := stage.ParseName(name)
		if err != nil {
			return api.SubmitRequest{}, fmt.Errorf("--model %q: %w", raw, err)
		}
		set(n, func(o *stage.Options) { o.Model = strings.TrimSpace(model) })
	}
	if v := strings.TrimSpace(f.language); v != "" {
		set(stage.Transcribe, func(o *stage.Options) { o.Language = v })
	}
	if v := strings.TrimSpace(f.prompt); v != "" {
		set(stage.Process, func(o *stage.Options) { o.Prompt = v })
	}
	if v := strings.TrimSpace(f.systemPrompt); v != "" {
		set(stage.Process, func(o *stage.Options) { o.SystemPrompt = v })
	}
	if v := strings.TrimSpace(f.instructions); v != "" {
		set(stage.Process, func(o *stage.Options) { o.Instructions = v })
	}
	if len(options) > 0 {
		req.Options = options
	}
	return req, nil
}

func waitForTask(ctx context.Context, client *api.Client, id string, timeout time.Duration) (api.Task, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		current, err := client.Get(ctx, id)
		if err != nil {
			return api.Task{}, err
		}
		if status, ok := task.ParseStatus(current.Status); ok && status.IsTerminal() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newTasksCommand(ctx *commandContext) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Inspect and manage tasks",
	}
	tasksCmd.AddCommand(newTasksListCommand(ctx))
	tasksCmd.AddCommand(newTasksShowCommand(ctx))
	tasksCmd.AddCommand(newTasksCancelCommand(ctx))
	tasksCmd.AddCommand(newTasksFetchCommand(ctx))
	return tasksCmd
}

func newTasksListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			tasks, err := client.List(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, api.TaskListResponse{Tasks: tasks})
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks")
				return nil
			}
			fmt.Fprint(out, renderTable(
				[]string{"ID", "Status", "Stages", "Input", "Created"},
				buildTaskListRows(tasks),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by task status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tasks as JSON")
	return cmd
}

func newTasksShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			t, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return describeNotFound(err, args[0])
			}
			if asJSON {
				return writeJSON(cmd, t)
			}
			renderTaskDetail(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the task as JSON")
	return cmd
}

func newTasksCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			t, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return describeNotFound(err, args[0])
			}
			out := cmd.OutOrStdout()
			if t.Status == string(task.StatusCancelled) {
				fmt.Fprintf(out, "Task %s cancelled\n", t.ID)
				return nil
			}
			fmt.Fprintf(out, "Cancellation requested for task %s; it stops after the current stage call\n", t.ID)
			return nil
		},
	}
}

func newTasksFetchCommand(ctx *commandContext) *cobra.Command {
	var stageName string
	var output string
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Download a task artifact",
		Long:  "Download the output of a stage (default: the last stage) or, with --stage source, the task input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			id := args[0]
			name := strings.TrimSpace(stageName)
			if name == "" {
				t, err := client.Get(cmd.Context(), id)
				if err != nil {
					return describeNotFound(err, id)
				}
				if len(t.Stages) == 0 {
					return fmt.Errorf("task %s has no stages", id)
				}
				name = t.Stages[len(t.Stages)-1]
			}

			if output == "-" {
				_, err := client.Download(cmd.Context(), id, name, cmd.OutOrStdout())
				return describeNotFound(err, id)
			}
			return fetchToFile(cmd.Context(), client, id, name, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Stage whose output to fetch (or source)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file or directory (- for stdout)")
	return cmd
}

// fetchToFile downloads into a temporary file next to the destination and
// renames it once complete.
func fetchToFile(ctx context.Context, client *api.Client, id, stageName, output string, out io.Writer) error {
	dir := "."
	if output != "" {
		if info, err := os.Stat(output); err == nil && info.IsDir() {
			dir = output
			output = ""
		} else {
			dir = filepath.Dir(output)
		}
	}
	tmp, err := os.CreateTemp(dir, ".mediaflow-fetch-*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	name, err := client.Download(ctx, id, stageName, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return describeNotFound(err, id)
	}
	target := output
	if target == "" {
		if name == "" {
			name = id + "_" + stageName
		}
		target = filepath.Join(dir, filepath.Base(name))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	fmt.Fprintf(out, "Saved %s\n", target)
	return nil
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show aggregated stage service health from the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(cmd, health); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, s := range health.Stages {
					fmt.Fprintln(out, stageHealthLine(s, colorize))
				}
			}
			if health.Status != "healthy" {
				return fmt.Errorf("orchestrator is %s", health.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print health as JSON")
	return cmd
}

func describeNotFound(err error, id string) error {
	if api.IsNotFound(err) {
		return fmt.Errorf("task %s not found (or artifact not produced yet): %w", id, err)
	}
	return err
}
