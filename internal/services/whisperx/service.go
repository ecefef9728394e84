package whisperx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
)

// CommandRunner executes an external command. The error carries the
// command's combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Service provides WhisperX transcription capabilities.
type Service struct {
	cfg           Config
	commandRunner CommandRunner
}

// NewService creates a WhisperX service with the given configuration.
func NewService(cfg Config) *Service {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = DefaultLanguage
	}
	if strings.TrimSpace(cfg.Device) == "" {
		cfg.Device = CPUDevice
	}
	return &Service{cfg: cfg}
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner CommandRunner) {
	s.commandRunner = runner
}

// Model returns the configured model name for logging.
func (s *Service) Model() string {
	return s.cfg.Model
}

// Device returns the configured device.
func (s *Service) Device() string {
	return s.cfg.Device
}

// CUDAEnabled reports whether transcription runs on a CUDA device.
func (s *Service) CUDAEnabled() bool {
	ok, _ := cudaDevice(s.cfg.Device)
	return ok
}

// run executes a command, using the custom runner if set.
func (s *Service) run(ctx context.Context, name string, args ...string) error {
	if s.commandRunner != nil {
		return s.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec

	// Torch 2.6 changed torch.load default to weights_only=true, breaking WhisperX/pyannote.
	if os.Getenv("TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD") == "" {
		cmd.Env = append(os.Environ(), "TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD=1")
	}

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Options overrides the configured defaults for one transcription.
type Options struct {
	Model    string
	Language string
	Device   string
}

// TranscribeResult contains the result of a transcription.
type TranscribeResult struct {
	// Text is the plain text transcription.
	Text string
	// JSONPath is the path to the WhisperX JSON output.
	JSONPath string
	// Segments are the parsed WhisperX segments.
	Segments []Segment
	// Timeline interleaves words and pauses in start order.
	Timeline []TimelineEntry
	Model    string
	Language string
	Device   string
}

// TranscribeFile transcribes an audio file.
// The source should be a 16 kHz mono WAV file.
// outputDir is where WhisperX will write its output files.
func (s *Service) TranscribeFile(ctx context.Context, source, outputDir string, opts Options) (TranscribeResult, error) {
	var result TranscribeResult

	if source == "" {
		return result, errors.New("transcribe: source path required")
	}
	if outputDir == "" {
		outputDir = filepath.Dir(source)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, fmt.Errorf("transcribe: ensure output dir: %w", err)
	}

	result.Model = firstNonEmpty(opts.Model, s.cfg.Model)
	result.Device = firstNonEmpty(opts.Device, s.cfg.Device)
	lang, err := NormalizeLanguage(firstNonEmpty(opts.Language, s.cfg.Language))
	if err != nil {
		return result, err
	}
	result.Language = lang

	args := s.buildArgs(source, outputDir, result.Model, lang, result.Device)
	if err := s.run(ctx, UVXCommand, args...); err != nil {
		return result, fmt.Errorf("whisperx: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	result.JSONPath = filepath.Join(outputDir, baseName+".json")

	segments, err := LoadSegments(result.JSONPath)
	if err != nil {
		return result, fmt.Errorf("whisperx output: %w", err)
	}
	result.Segments = segments
	result.Text = JoinText(segments)
	result.Timeline = BuildTimeline(segments, MinPauseSeconds)
	return result, nil
}

// buildArgs constructs the uvx command arguments for WhisperX.
func (s *Service) buildArgs(source, outputDir, model, lang, device string) []string {
	args := make([]string, 0, 40)
	cuda, index := cudaDevice(device)

	if cuda {
		args = append(args,
			"--index-url", CUDAIndexURL,
			"--extra-index-url", PypiIndexURL,
		)
	} else {
		args = append(args, "--index-url", PypiIndexURL)
	}

	args = append(args,
		"whisperx",
		source,
		"--model", model,
		"--batch_size", BatchSize,
		"--output_dir", outputDir,
		"--output_format", OutputFormat,
		"--segment_resolution", SegmentResolution,
		"--chunk_size", ChunkSize,
		"--vad_onset", VADOnset,
		"--vad_offset", VADOffset,
		"--beam_size", BeamSize,
		"--temperature", Temperature,
	)

	vadMethod := s.cfg.VADMethod
	if vadMethod == "" {
		vadMethod = VADMethodSilero
	}
	args = append(args, "--vad_method", vadMethod)
	if vadMethod == VADMethodPyannote && s.cfg.HFToken != "" {
		args = append(args, "--hf_token", s.cfg.HFToken)
	}

	if lang != "" {
		args = append(args, "--language", lang)
	}

	if cuda {
		args = append(args, "--device", CUDADevice, "--compute_type", CUDAComputeType)
		if index != "" {
			args = append(args, "--device_index", index)
		}
	} else {
		args = append(args, "--device", CPUDevice, "--compute_type", CPUComputeType)
	}

	return args
}

// NormalizeLanguage reduces a language tag ("ru-RU", "rus") to the
// two-letter code WhisperX expects. "auto" and "" yield "" so WhisperX
// detects the language itself.
func NormalizeLanguage(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, AutoLanguage) {
		return "", nil
	}
	tag, err := language.Parse(value)
	if err != nil {
		return "", fmt.Errorf("unsupported language %q: %w", value, err)
	}
	base, _ := tag.Base()
	return base.String(), nil
}

// IsMemoryPressure recognises CUDA and allocator out-of-memory failures in
// WhisperX output.
func IsMemoryPressure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"cuda out of memory", "outofmemoryerror", "cublas_status_alloc_failed", "cannot allocate memory"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Word represents a single word with timing from WhisperX output. Start and
// End are nil when the aligner could not place the word (digits, symbols).
type Word struct {
	Word  string   `json:"word"`
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
	Score float64  `json:"score,omitempty"`
}

// Segment represents a transcribed segment from WhisperX JSON output.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Words []Word  `json:"words"`
}

// whisperXPayload is the JSON structure from WhisperX output.
type whisperXPayload struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// LoadSegments loads segments from a WhisperX JSON file.
func LoadSegments(jsonPath string) ([]Segment, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var payload whisperXPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse whisperx json: %w", err)
	}
	return payload.Segments, nil
}

// JoinText concatenates segment text separated by single spaces.
func JoinText(segments []Segment) string {
	var parts []string
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
