package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceStdout writes spans to stderr when no OTLP endpoint is set.
	TraceStdout bool `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Worker      WorkerConfig     `yaml:"worker"`
	Presence    PresenceConfig   `yaml:"presence"`
	ModelCache  ModelCacheConfig `yaml:"model_cache"`
	Inference   InferenceConfig  `yaml:"inference"`
	Phonemizer  PhonemizerConfig `yaml:"phonemizer"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Models      ModelsConfig     `yaml:"models"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type WorkerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ID             string `yaml:"id"`
	PreloadModel   string `yaml:"preload_model"`
	UseGPU         bool   `yaml:"use_gpu"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type PresenceConfig struct {
	Enabled           bool `yaml:"enabled"`
	HeartbeatInterval int  `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int  `yaml:"heartbeat_timeout_ms"`
}

type ModelCacheConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	MaxAgeHours   int    `yaml:"max_age_hours"`
	MaxBytes      int64  `yaml:"max_bytes"`
	HTTPTimeout   int    `yaml:"http_timeout_ms"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type InferenceConfig struct {
	Mode           string `yaml:"mode"` // onnx, mock
	LibraryPath    string `yaml:"library_path"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	CUDADeviceID   int    `yaml:"cuda_device_id"`
}

type PhonemizerConfig struct {
	Mode       string `yaml:"mode"` // exec, wasm, passthrough
	Command    string `yaml:"command"`
	ModulePath string `yaml:"module_path"`
	DataDir    string `yaml:"data_dir"`
}

type SegmenterConfig struct {
	MaxChunkLength int `yaml:"max_chunk_length"`
}

type SynthesisConfig struct {
	Encoding          string  `yaml:"encoding"` // pcm16, float32
	DefaultSampleRate int     `yaml:"default_sample_rate"`
	PeakTarget        float64 `yaml:"peak_target"`
	TrimThreshold     float64 `yaml:"trim_threshold"`
	TrimPaddingMS     int     `yaml:"trim_padding_ms"`
	SilenceMS         int     `yaml:"silence_ms"`
}

type ModelsConfig struct {
	BaseURL string       `yaml:"base_url"`
	Kitten  KittenAssets `yaml:"kitten"`
	Piper   PiperAssets  `yaml:"piper"`
	Kokoro  KokoroAssets `yaml:"kokoro"`
}

type KittenAssets struct {
	Model     string `yaml:"model"`
	Voices    string `yaml:"voices"`
	Tokenizer string `yaml:"tokenizer"`
}

type PiperAssets struct {
	Model  string `yaml:"model"`
	Config string `yaml:"config"`
}

type KokoroAssets struct {
	Model     string   `yaml:"model"`
	Tokenizer string   `yaml:"tokenizer"`
	VoiceDir  string   `yaml:"voice_dir"`
	Voices    []string `yaml:"voices"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Worker: WorkerConfig{
			Enabled: true,
			ID:      "tts-1",
		},
		Presence: PresenceConfig{
			Enabled:           true,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		ModelCache: ModelCacheConfig{
			Path:          "./data/loqa-models.db",
			RetentionMode: "persistent",
			MaxAgeHours:   7 * 24,
			HTTPTimeout:   120000,
		},
		Inference: InferenceConfig{
			Mode: "onnx",
		},
		Phonemizer: PhonemizerConfig{
			Mode:    "exec",
			Command: "espeak-ng",
		},
		Segmenter: SegmenterConfig{
			MaxChunkLength: 500,
		},
		Synthesis: SynthesisConfig{
			Encoding:          "float32",
			DefaultSampleRate: 24000,
			PeakTarget:        0.9,
			TrimThreshold:     0.002,
			TrimPaddingMS:     20,
			SilenceMS:         1000,
		},
		Models: ModelsConfig{
			BaseURL: "./models",
			Kitten: KittenAssets{
				Model:     "kitten/model_quantized.onnx",
				Voices:    "kitten/voices.json",
				Tokenizer: "kitten/tokenizer.json",
			},
			Piper: PiperAssets{
				Model:  "piper/en_US-lessac-medium.onnx",
				Config: "piper/en_US-lessac-medium.onnx.json",
			},
			Kokoro: KokoroAssets{
				Model:     "kokoro/model_quantized.onnx",
				Tokenizer: "kokoro/tokenizer.json",
				VoiceDir:  "kokoro/voices",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TTS_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_TTS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Worker.Enabled, "LOQA_TTS_WORKER_ENABLED")
	overrideString(&cfg.Worker.ID, "LOQA_TTS_WORKER_ID")
	overrideString(&cfg.Worker.PreloadModel, "LOQA_TTS_WORKER_PRELOAD_MODEL")
	overrideBool(&cfg.Worker.UseGPU, "LOQA_TTS_WORKER_USE_GPU")
	overrideInt(&cfg.Worker.RequestTimeout, "LOQA_TTS_WORKER_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Presence.Enabled, "LOQA_TTS_PRESENCE_ENABLED")
	overrideInt(&cfg.Presence.HeartbeatInterval, "LOQA_TTS_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "LOQA_TTS_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.ModelCache.Path, "LOQA_TTS_MODEL_CACHE_PATH")
	overrideString(&cfg.ModelCache.RetentionMode, "LOQA_TTS_MODEL_CACHE_RETENTION_MODE")
	overrideInt(&cfg.ModelCache.MaxAgeHours, "LOQA_TTS_MODEL_CACHE_MAX_AGE_HOURS")
	overrideInt64(&cfg.ModelCache.MaxBytes, "LOQA_TTS_MODEL_CACHE_MAX_BYTES")
	overrideInt(&cfg.ModelCache.HTTPTimeout, "LOQA_TTS_MODEL_CACHE_HTTP_TIMEOUT_MS")
	overrideBool(&cfg.ModelCache.VacuumOnStart, "LOQA_TTS_MODEL_CACHE_VACUUM_ON_START")
	overrideString(&cfg.Inference.Mode, "LOQA_TTS_INFERENCE_MODE")
	overrideString(&cfg.Inference.LibraryPath, "LOQA_TTS_INFERENCE_LIBRARY_PATH")
	overrideInt(&cfg.Inference.IntraOpThreads, "LOQA_TTS_INFERENCE_INTRA_OP_THREADS")
	overrideInt(&cfg.Inference.CUDADeviceID, "LOQA_TTS_INFERENCE_CUDA_DEVICE_ID")
	overrideString(&cfg.Phonemizer.Mode, "LOQA_TTS_PHONEMIZER_MODE")
	overrideString(&cfg.Phonemizer.Command, "LOQA_TTS_PHONEMIZER_COMMAND")
	overrideString(&cfg.Phonemizer.ModulePath, "LOQA_TTS_PHONEMIZER_MODULE_PATH")
	overrideString(&cfg.Phonemizer.DataDir, "LOQA_TTS_PHONEMIZER_DATA_DIR")
	overrideInt(&cfg.Segmenter.MaxChunkLength, "LOQA_TTS_SEGMENTER_MAX_CHUNK_LENGTH")
	overrideString(&cfg.Synthesis.Encoding, "LOQA_TTS_SYNTHESIS_ENCODING")
	overrideInt(&cfg.Synthesis.DefaultSampleRate, "LOQA_TTS_SYNTHESIS_DEFAULT_SAMPLE_RATE")
	overrideFloat(&cfg.Synthesis.PeakTarget, "LOQA_TTS_SYNTHESIS_PEAK_TARGET")
	overrideFloat(&cfg.Synthesis.TrimThreshold, "LOQA_TTS_SYNTHESIS_TRIM_THRESHOLD")
	overrideInt(&cfg.Synthesis.TrimPaddingMS, "LOQA_TTS_SYNTHESIS_TRIM_PADDING_MS")
	overrideInt(&cfg.Synthesis.SilenceMS, "LOQA_TTS_SYNTHESIS_SILENCE_MS")
	overrideString(&cfg.Models.BaseURL, "LOQA_TTS_MODELS_BASE_URL")
	overrideStringSlice(&cfg.Models.Kokoro.Voices, "LOQA_TTS_MODELS_KOKORO_VOICES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Worker.Enabled {
		if cfg.Worker.ID == "" {
			return errors.New("worker.id must not be empty")
		}
		if strings.ContainsAny(cfg.Worker.ID, " .*>") {
			return errors.New("worker.id must be a single NATS subject token")
		}
		switch cfg.Worker.PreloadModel {
		case "", "kitten", "piper", "kokoro":
		default:
			return errors.New("worker.preload_model must be one of kitten|piper|kokoro")
		}
		if cfg.Worker.RequestTimeout < 0 {
			return errors.New("worker.request_timeout_ms must be >= 0")
		}
	}
	if cfg.Presence.Enabled {
		if cfg.Presence.HeartbeatInterval <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
			return errors.New("presence.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.ModelCache.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.ModelCache.Path == "" {
			return errors.New("model_cache.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("model_cache.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.ModelCache.MaxAgeHours < 0 {
		return errors.New("model_cache.max_age_hours must be >= 0")
	}
	if cfg.ModelCache.MaxBytes < 0 {
		return errors.New("model_cache.max_bytes must be >= 0")
	}
	switch cfg.Inference.Mode {
	case "onnx", "mock":
	default:
		return errors.New("inference.mode must be one of onnx|mock")
	}
	switch cfg.Phonemizer.Mode {
	case "exec":
		if cfg.Phonemizer.Command == "" {
			return errors.New("phonemizer.command must be set when mode=exec")
		}
	case "wasm":
		if cfg.Phonemizer.ModulePath == "" {
			return errors.New("phonemizer.module_path must be set when mode=wasm")
		}
	case "passthrough":
	default:
		return errors.New("phonemizer.mode must be one of exec|wasm|passthrough")
	}
	if cfg.Segmenter.MaxChunkLength < 2 {
		return errors.New("segmenter.max_chunk_length must be >= 2")
	}
	switch cfg.Synthesis.Encoding {
	case "pcm16", "float32":
	default:
		return errors.New("synthesis.encoding must be one of pcm16|float32")
	}
	if cfg.Synthesis.DefaultSampleRate <= 0 {
		return errors.New("synthesis.default_sample_rate must be positive")
	}
	if cfg.Synthesis.PeakTarget <= 0 || cfg.Synthesis.PeakTarget > 1 {
		return errors.New("synthesis.peak_target must be in (0, 1]")
	}
	if cfg.Synthesis.TrimThreshold < 0 {
		return errors.New("synthesis.trim_threshold must be >= 0")
	}
	if cfg.Synthesis.TrimPaddingMS < 0 {
		return errors.New("synthesis.trim_padding_ms must be >= 0")
	}
	if cfg.Synthesis.SilenceMS <= 0 {
		return errors.New("synthesis.silence_ms must be positive")
	}
	return nil
}

