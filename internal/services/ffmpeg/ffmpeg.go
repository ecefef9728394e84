package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Defaults for speech-recognition ready audio.
const (
	DefaultBinary     = "ffmpeg"
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	AudioCodec        = "pcm_s16le"
)

// ErrNoAudio reports an input without a decodable audio stream.
var ErrNoAudio = errors.New("input has no audio stream")

// CommandRunner executes an external command. The error carries the
// command's combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Config captures the extraction settings.
type Config struct {
	Binary     string
	SampleRate int
	Channels   int
}

// Converter extracts audio with FFmpeg.
type Converter struct {
	cfg           Config
	commandRunner CommandRunner
}

// New returns a Converter with defaults applied to empty fields.
func New(cfg Config) *Converter {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	return &Converter{cfg: cfg}
}

// WithCommandRunner sets a custom command runner (for testing).
func (c *Converter) WithCommandRunner(runner CommandRunner) {
	c.commandRunner = runner
}

// Binary returns the FFmpeg command in use.
func (c *Converter) Binary() string {
	return c.cfg.Binary
}

// Settings describes the output format.
func (c *Converter) Settings() (sampleRate, channels int) {
	return c.cfg.SampleRate, c.cfg.Channels
}

// Extract decodes the first audio stream of source into a WAV file at dest.
// Overrides of zero fall back to the configured values.
func (c *Converter) Extract(ctx context.Context, source, dest string, sampleRate, channels int) error {
	if source == "" || dest == "" {
		return errors.New("ffmpeg extract: source and destination required")
	}
	if sampleRate <= 0 {
		sampleRate = c.cfg.SampleRate
	}
	if channels <= 0 {
		channels = c.cfg.Channels
	}
	args := BuildExtractArgs(source, dest, sampleRate, channels)
	if err := c.run(ctx, args...); err != nil {
		if noAudio(err) {
			return fmt.Errorf("ffmpeg extract: %w: %v", ErrNoAudio, err)
		}
		return fmt.Errorf("ffmpeg extract: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("ffmpeg extract: output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("ffmpeg extract: output is empty")
	}
	return nil
}

// BuildExtractArgs returns the FFmpeg arguments that drop video, subtitle
// and data streams and resample the audio to PCM.
func BuildExtractArgs(source, dest string, sampleRate, channels int) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-map", "0:a:0",
		"-vn",
		"-sn",
		"-dn",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", AudioCodec,
		"-f", "wav",
		dest,
	}
}

func (c *Converter) run(ctx context.Context, args ...string) error {
	if c.commandRunner != nil {
		return c.commandRunner(ctx, c.cfg.Binary, args...)
	}
	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.cfg.Binary, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func noAudio(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "matches no streams") ||
		strings.Contains(msg, "does not contain any stream") ||
		strings.Contains(msg, "invalid data found when processing input")
}
