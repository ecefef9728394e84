package config

const (
	defaultConfigPath          = "~/.config/mediaflow/config.toml"
	defaultStateDir            = "~/.local/share/mediaflow"
	defaultArtifactDir         = "~/.local/share/mediaflow/artifacts"
	defaultLogDir              = "~/.local/share/mediaflow/logs"
	defaultCacheDir            = "~/.cache/mediaflow"
	defaultAPIBind             = "127.0.0.1:8000"
	defaultStorageDriver       = "sqlite"
	defaultConvertURL          = "http://127.0.0.1:8002"
	defaultTranscribeURL       = "http://127.0.0.1:8001"
	defaultProcessURL          = "http://127.0.0.1:8004"
	defaultWorkerCount         = 2
	defaultQueueSize           = 64
	defaultMaxAttempts         = 3
	defaultRetryBaseDelayMS    = 1000
	defaultRetryMaxDelayMS     = 30000
	defaultStageTimeout        = 300
	defaultHealthTimeout       = 10
	defaultCapabilityTTL       = 300
	defaultStageFailurePolicy  = "fail_fast"
	defaultConverterBind       = "0.0.0.0:8002"
	defaultFFmpegBinary        = "ffmpeg"
	defaultSampleRate          = 16000
	defaultChannels            = 1
	defaultMaxInputMB          = 4096
	defaultTranscriberBind     = "0.0.0.0:8001"
	defaultTranscriberModel    = "base"
	defaultTranscriberLanguage = "ru"
	defaultDevice              = "auto"
	defaultVADMethod           = "silero"
	defaultGuardMode           = "block"
	defaultGuardTimeout        = 600
	defaultProcessorBind       = "0.0.0.0:8004"
	defaultProcessorBaseURL    = "http://127.0.0.1:11434"
	defaultProcessorModel      = "llama2"
	defaultProcessorTimeout    = 300
	defaultNotifyTimeout       = 10
	defaultSubjectPrefix       = "mediaflow"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

var defaultTranscriberModels = []string{"tiny", "base", "small", "medium", "large-v2", "large-v3"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
			CacheDir:    defaultCacheDir,
			APIBind:     defaultAPIBind,
		},
		Storage: Storage{
			Driver: defaultStorageDriver,
		},
		Stages: Stages{
			Convert:    StageEndpoint{URL: defaultConvertURL},
			Transcribe: StageEndpoint{URL: defaultTranscribeURL},
			Process:    StageEndpoint{URL: defaultProcessURL},
		},
		Workflow: Workflow{
			WorkerCount:        defaultWorkerCount,
			QueueSize:          defaultQueueSize,
			MaxAttempts:        defaultMaxAttempts,
			RetryBaseDelayMS:   defaultRetryBaseDelayMS,
			RetryMaxDelayMS:    defaultRetryMaxDelayMS,
			StageTimeout:       defaultStageTimeout,
			HealthTimeout:      defaultHealthTimeout,
			CapabilityTTL:      defaultCapabilityTTL,
			StageFailurePolicy: defaultStageFailurePolicy,
		},
		Converter: Converter{
			Bind:         defaultConverterBind,
			FFmpegBinary: defaultFFmpegBinary,
			SampleRate:   defaultSampleRate,
			Channels:     defaultChannels,
			MaxInputMB:   defaultMaxInputMB,
		},
		Transcriber: Transcriber{
			Bind:      defaultTranscriberBind,
			Model:     defaultTranscriberModel,
			Models:    append([]string(nil), defaultTranscriberModels...),
			Device:    defaultDevice,
			Language:  defaultTranscriberLanguage,
			VADMethod: defaultVADMethod,
			Guard:     Guard{Mode: defaultGuardMode, AcquireTimeout: defaultGuardTimeout},
		},
		Processor: Processor{
			Bind:           defaultProcessorBind,
			BaseURL:        defaultProcessorBaseURL,
			Model:          defaultProcessorModel,
			Device:         defaultDevice,
			TimeoutSeconds: defaultProcessorTimeout,
			AutoPull:       true,
			Guard:          Guard{Mode: defaultGuardMode, AcquireTimeout: defaultGuardTimeout},
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			TaskCompleted:  true,
			TaskFailed:     true,
		},
		Events: Events{
			SubjectPrefix: defaultSubjectPrefix,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
