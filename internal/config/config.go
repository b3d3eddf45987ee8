package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type TranscodeConfig struct {
	Command           string   `yaml:"command"`
	OutputDir         string   `yaml:"output_dir"`
	SampleRate        int      `yaml:"sample_rate"`
	Channels          int      `yaml:"channels"`
	BitDepth          int      `yaml:"bit_depth"`
	TimeoutMS         int      `yaml:"timeout_ms"`
	MaxUploadMB       int      `yaml:"max_upload_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type ASRConfig struct {
	DefaultService       string `yaml:"default_service"`
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	UseSSL               bool   `yaml:"use_ssl"`
	Mode                 string `yaml:"mode"`
	ChunkSize            string `yaml:"chunk_size"`
	ChunkIntervalMS      int    `yaml:"chunk_interval_ms"`
	ConnectTimeoutMS     int    `yaml:"connect_timeout_ms"`
	RecognitionTimeoutMS int    `yaml:"recognition_timeout_ms"`
	RetryCount           int    `yaml:"retry_count"`
	RetryBackoffMS       int    `yaml:"retry_backoff_ms"`
}

type SummaryConfig struct {
	DefaultService   string  `yaml:"default_service"`
	APIKey           string  `yaml:"api_key"`
	SecretKey        string  `yaml:"secret_key"`
	Endpoint         string  `yaml:"endpoint"`
	Model            string  `yaml:"model"`
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
	PenaltyScore     float64 `yaml:"penalty_score"`
	DefaultMaxLength int     `yaml:"default_max_length"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	RetryCount       int     `yaml:"retry_count"`
	RetryBackoffMS   int     `yaml:"retry_backoff_ms"`
	PromptFile       string  `yaml:"prompt_file"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JobStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Transcode   TranscodeConfig `yaml:"transcode"`
	ASR         ASRConfig       `yaml:"asr"`
	Summary     SummaryConfig   `yaml:"summary"`
	Bus         BusConfig       `yaml:"bus"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
}

func Default() Config {
	return Config{
		ServiceName: "linguabridge",
		Environment: "development",
		Server: ServerConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Transcode: TranscodeConfig{
			Command:     "ffmpeg",
			OutputDir:   "./output",
			SampleRate:  16000,
			Channels:    1,
			BitDepth:    16,
			TimeoutMS:   300000,
			MaxUploadMB: 500,
			AllowedExtensions: []string{
				"wav", "mp3", "m4a", "aac", "flac", "ogg",
				"wma", "amr", "3gp", "opus", "webm", "mp4",
			},
		},
		ASR: ASRConfig{
			DefaultService:       "funasr",
			Host:                 "127.0.0.1",
			Port:                 10095,
			UseSSL:               true,
			Mode:                 "offline",
			ChunkSize:            "5,10,5",
			ChunkIntervalMS:      10,
			ConnectTimeoutMS:     10000,
			RecognitionTimeoutMS: 300000,
			RetryCount:           3,
			RetryBackoffMS:       500,
		},
		Summary: SummaryConfig{
			DefaultService:   "baidu_wenxin",
			Endpoint:         "https://aip.baidubce.com",
			Model:            "ERNIE-Bot-turbo",
			Temperature:      0.3,
			TopP:             0.8,
			PenaltyScore:     1.0,
			DefaultMaxLength: 0,
			RequestTimeoutMS: 30000,
			RetryCount:       3,
			RetryBackoffMS:   1000,
			PromptFile:       "./config/prompts.yaml",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		JobStore: JobStoreConfig{
			Enabled:       false,
			Path:          "./data/linguabridge-jobs.db",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// run on defaults and env overrides
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "LINGUA_SERVICE_NAME")
	overrideString(&cfg.Environment, "LINGUA_ENVIRONMENT")
	overrideString(&cfg.Server.Bind, "LINGUA_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "LINGUA_SERVER_PORT")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "LINGUA_SERVER_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LINGUA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LINGUA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LINGUA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LINGUA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Transcode.Command, "LINGUA_TRANSCODE_COMMAND")
	overrideString(&cfg.Transcode.OutputDir, "LINGUA_TRANSCODE_OUTPUT_DIR")
	overrideInt(&cfg.Transcode.SampleRate, "LINGUA_TRANSCODE_SAMPLE_RATE")
	overrideInt(&cfg.Transcode.Channels, "LINGUA_TRANSCODE_CHANNELS")
	overrideInt(&cfg.Transcode.BitDepth, "LINGUA_TRANSCODE_BIT_DEPTH")
	overrideInt(&cfg.Transcode.TimeoutMS, "LINGUA_TRANSCODE_TIMEOUT_MS")
	overrideInt(&cfg.Transcode.MaxUploadMB, "LINGUA_TRANSCODE_MAX_UPLOAD_MB")
	overrideStringSlice(&cfg.Transcode.AllowedExtensions, "LINGUA_TRANSCODE_ALLOWED_EXTENSIONS")
	overrideString(&cfg.ASR.DefaultService, "LINGUA_ASR_DEFAULT_SERVICE")
	overrideString(&cfg.ASR.Host, "FUNASR_HOST")
	overrideInt(&cfg.ASR.Port, "FUNASR_PORT")
	overrideBool(&cfg.ASR.UseSSL, "FUNASR_USE_SSL")
	overrideString(&cfg.ASR.Mode, "FUNASR_MODE")
	overrideString(&cfg.ASR.ChunkSize, "FUNASR_CHUNK_SIZE")
	overrideInt(&cfg.ASR.ChunkIntervalMS, "LINGUA_ASR_CHUNK_INTERVAL_MS")
	overrideInt(&cfg.ASR.ConnectTimeoutMS, "LINGUA_ASR_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.ASR.RecognitionTimeoutMS, "LINGUA_ASR_RECOGNITION_TIMEOUT_MS")
	overrideInt(&cfg.ASR.RetryCount, "LINGUA_ASR_RETRY_COUNT")
	overrideInt(&cfg.ASR.RetryBackoffMS, "LINGUA_ASR_RETRY_BACKOFF_MS")
	overrideString(&cfg.Summary.DefaultService, "LINGUA_SUMMARY_DEFAULT_SERVICE")
	overrideString(&cfg.Summary.APIKey, "BAIDU_API_KEY")
	overrideString(&cfg.Summary.SecretKey, "BAIDU_SECRET_KEY")
	overrideString(&cfg.Summary.Endpoint, "LINGUA_SUMMARY_ENDPOINT")
	overrideString(&cfg.Summary.Model, "LINGUA_SUMMARY_MODEL")
	overrideFloat(&cfg.Summary.Temperature, "LINGUA_SUMMARY_TEMPERATURE")
	overrideFloat(&cfg.Summary.TopP, "LINGUA_SUMMARY_TOP_P")
	overrideFloat(&cfg.Summary.PenaltyScore, "LINGUA_SUMMARY_PENALTY_SCORE")
	overrideInt(&cfg.Summary.DefaultMaxLength, "LINGUA_SUMMARY_DEFAULT_MAX_LENGTH")
	overrideInt(&cfg.Summary.RequestTimeoutMS, "LINGUA_SUMMARY_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Summary.RetryCount, "LINGUA_SUMMARY_RETRY_COUNT")
	overrideInt(&cfg.Summary.RetryBackoffMS, "LINGUA_SUMMARY_RETRY_BACKOFF_MS")
	overrideString(&cfg.Summary.PromptFile, "LINGUA_SUMMARY_PROMPT_FILE")
	overrideBool(&cfg.Bus.Enabled, "LINGUA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LINGUA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LINGUA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LINGUA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LINGUA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LINGUA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LINGUA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LINGUA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LINGUA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.JobStore.Enabled, "LINGUA_JOB_STORE_ENABLED")
	overrideString(&cfg.JobStore.Path, "LINGUA_JOB_STORE_PATH")
	overrideInt(&cfg.JobStore.RetentionDays, "LINGUA_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "LINGUA_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "LINGUA_JOB_STORE_VACUUM_ON_START")
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

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Transcode.Command == "" {
		return errors.New("transcode.command must not be empty")
	}
	if cfg.Transcode.SampleRate <= 0 {
		return errors.New("transcode.sample_rate must be positive")
	}
	if cfg.Transcode.Channels <= 0 {
		return errors.New("transcode.channels must be positive")
	}
	switch cfg.Transcode.BitDepth {
	case 16, 24, 32:
	default:
		return errors.New("transcode.bit_depth must be one of 16|24|32")
	}
	if cfg.Transcode.TimeoutMS <= 0 {
		return errors.New("transcode.timeout_ms must be positive")
	}
	if cfg.Transcode.MaxUploadMB <= 0 {
		return errors.New("transcode.max_upload_mb must be positive")
	}
	if len(cfg.Transcode.AllowedExtensions) == 0 {
		return errors.New("transcode.allowed_extensions must not be empty")
	}
	if cfg.ASR.Host == "" {
		return errors.New("asr.host must not be empty")
	}
	if cfg.ASR.Port <= 0 || cfg.ASR.Port > 65535 {
		return errors.New("asr.port must be between 1 and 65535")
	}
	switch cfg.ASR.Mode {
	case "offline", "online", "2pass":
	default:
		return errors.New("asr.mode must be one of offline|online|2pass")
	}
	if cfg.ASR.ChunkIntervalMS <= 0 {
		return errors.New("asr.chunk_interval_ms must be positive")
	}
	if cfg.ASR.RetryCount < 0 {
		return errors.New("asr.retry_count must be >= 0")
	}
	if cfg.Summary.Endpoint == "" {
		return errors.New("summary.endpoint must not be empty")
	}
	if cfg.Summary.Model == "" {
		return errors.New("summary.model must not be empty")
	}
	if cfg.Summary.RetryCount < 0 {
		return errors.New("summary.retry_count must be >= 0")
	}
	if cfg.Summary.PromptFile == "" {
		return errors.New("summary.prompt_file must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.JobStore.Enabled {
		if cfg.JobStore.Path == "" {
			return errors.New("job_store.path must not be empty when enabled")
		}
		if cfg.JobStore.RetentionDays < 0 {
			return errors.New("job_store.retention_days must be >= 0")
		}
	}
	return nil
}
