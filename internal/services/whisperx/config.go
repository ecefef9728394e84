package whisperx

import "strings"

// Config captures runtime settings for WhisperX operations.
type Config struct {
	// Model is the default Whisper model size ("base", "large-v3", ...).
	Model string
	// Language is the default transcription language. "auto" lets WhisperX
	// detect it.
	Language string
	// Device is "cpu", "cuda" or an indexed CUDA device such as "cuda:1".
	Device string
	// VADMethod selects the voice activity detection method ("silero" or "pyannote").
	VADMethod string
	// HFToken is the Hugging Face token for pyannote VAD.
	HFToken string
}

// WhisperX configuration constants.
const (
	DefaultModel      = "base"
	DefaultLanguage   = "ru"
	AutoLanguage      = "auto"
	CUDAIndexURL      = "https://download.pytorch.org/whl/cu128"
	PypiIndexURL      = "https://pypi.org/simple"
	BatchSize         = "4"
	ChunkSize         = "15"
	VADOnset          = "0.08"
	VADOffset         = "0.07"
	BeamSize          = "5"
	Temperature       = "0.0"
	SegmentResolution = "sentence"
	OutputFormat      = "json"
	CPUDevice         = "cpu"
	CUDADevice        = "cuda"
	CPUComputeType    = "int8"
	CUDAComputeType   = "float16"
	VADMethodPyannote = "pyannote"
	VADMethodSilero   = "silero"

	// MinPauseSeconds is the shortest gap between words reported as a pause.
	MinPauseSeconds = 0.2
)

// UVXCommand launches WhisperX in an isolated environment.
const UVXCommand = "uvx"

// cudaDevice splits "cuda:1" into ("cuda", "1").
func cudaDevice(device string) (bool, string) {
	device = strings.ToLower(strings.TrimSpace(device))
	if device == CUDADevice {
		return true, ""
	}
	if idx, ok := strings.CutPrefix(device, CUDADevice+":"); ok {
		return true, idx
	}
	return false, ""
}
