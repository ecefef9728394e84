// Package whisperx wraps the WhisperX command line for the transcribe stage.
//
// This package handles:
//   - WhisperX invocation through uvx with model, language and device flags
//   - Parsing the WhisperX JSON output into segments and words
//   - Building a word and pause timeline from word timings
//
// Configuration options (model, device, VAD method, default language) are
// passed via Config. Tests swap the process runner with WithCommandRunner.
package whisperx
