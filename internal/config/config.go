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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
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

type ModelsConfig struct {
	Directory string `yaml:"directory"`
	// IdleUnloadMS is how long a loaded model may sit unused before eviction.
	IdleUnloadMS int `yaml:"idle_unload_ms"`
	// DownloadTimeoutMS caps one model transfer end to end.
	DownloadTimeoutMS int `yaml:"download_timeout_ms"`
}

type TranscriptionConfig struct {
	Method         string `yaml:"method"` // local, remote
	LocalVariant   string `yaml:"local_variant"`
	EnableFallback bool   `yaml:"enable_fallback"`
	Language       string `yaml:"language"`
	Threads        int    `yaml:"threads"`
	SampleRate     int    `yaml:"sample_rate"`
}

type EngineConfig struct {
	Mode    string `yaml:"mode"` // mock, exec, native
	Command string `yaml:"command"`
}

type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Models        ModelsConfig        `yaml:"models"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Engine        EngineConfig        `yaml:"engine"`
	Remote        RemoteConfig        `yaml:"remote"`
	History       HistoryConfig       `yaml:"history"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Models: ModelsConfig{
			Directory:         "./data/models",
			IdleUnloadMS:      5 * 60 * 1000,
			DownloadTimeoutMS: 5 * 60 * 1000,
		},
		Transcription: TranscriptionConfig{
			Method:         "local",
			LocalVariant:   "base",
			EnableFallback: true,
			Language:       "en",
			Threads:        0, // 0 means use all CPUs
			SampleRate:     16000,
		},
		Engine: EngineConfig{
			Mode: "native",
		},
		Remote: RemoteConfig{
			Endpoint:  "",
			Model:     "whisper-1",
			TimeoutMS: 60000,
		},
		History: HistoryConfig{
			Path:          "./data/murmur-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecords:    10000,
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
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "MURMUR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Models.Directory, "MURMUR_MODELS_DIRECTORY")
	overrideInt(&cfg.Models.IdleUnloadMS, "MURMUR_MODELS_IDLE_UNLOAD_MS")
	overrideInt(&cfg.Models.DownloadTimeoutMS, "MURMUR_MODELS_DOWNLOAD_TIMEOUT_MS")
	overrideString(&cfg.Transcription.Method, "MURMUR_TRANSCRIPTION_METHOD")
	overrideString(&cfg.Transcription.LocalVariant, "MURMUR_TRANSCRIPTION_LOCAL_VARIANT")
	overrideBool(&cfg.Transcription.EnableFallback, "MURMUR_TRANSCRIPTION_ENABLE_FALLBACK")
	overrideString(&cfg.Transcription.Language, "MURMUR_TRANSCRIPTION_LANGUAGE")
	overrideInt(&cfg.Transcription.Threads, "MURMUR_TRANSCRIPTION_THREADS")
	overrideInt(&cfg.Transcription.SampleRate, "MURMUR_TRANSCRIPTION_SAMPLE_RATE")
	overrideString(&cfg.Engine.Mode, "MURMUR_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "MURMUR_ENGINE_COMMAND")
	overrideString(&cfg.Remote.Endpoint, "MURMUR_REMOTE_ENDPOINT")
	overrideString(&cfg.Remote.APIKey, "MURMUR_REMOTE_API_KEY")
	overrideString(&cfg.Remote.Model, "MURMUR_REMOTE_MODEL")
	overrideInt(&cfg.Remote.TimeoutMS, "MURMUR_REMOTE_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "MURMUR_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "MURMUR_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "MURMUR_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "MURMUR_HISTORY_MAX_RECORDS")
	overrideBool(&cfg.History.VacuumOnStart, "MURMUR_HISTORY_VACUUM_ON_START")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.Models.Directory == "" {
		return errors.New("models.directory must not be empty")
	}
	if cfg.Models.IdleUnloadMS <= 0 {
		return errors.New("models.idle_unload_ms must be positive")
	}
	if cfg.Models.DownloadTimeoutMS <= 0 {
		return errors.New("models.download_timeout_ms must be positive")
	}
	switch cfg.Transcription.Method {
	case "local", "remote":
	default:
		return errors.New("transcription.method must be one of local|remote")
	}
	if cfg.Transcription.LocalVariant == "" {
		return errors.New("transcription.local_variant must not be empty")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.Threads < 0 {
		return errors.New("transcription.threads must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "native":
	default:
		return errors.New("engine.mode must be one of mock|exec|native")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Transcription.Method == "remote" && cfg.Remote.Endpoint == "" {
		return errors.New("remote.endpoint must be set when transcription.method=remote")
	}
	if cfg.Remote.TimeoutMS < 0 {
		return errors.New("remote.timeout_ms must be >= 0")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
