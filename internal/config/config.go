package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the diagnosis engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Remote   RemoteConfig   `yaml:"remote"`
	Arbiter  ArbiterConfig  `yaml:"arbiter"`
	Sink     SinkConfig     `yaml:"sink"`
	Telegram TelegramConfig `yaml:"telegram"`
	Advice   AdviceConfig   `yaml:"advice"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
}

// ModelConfig points at the local classifier assets.
type ModelConfig struct {
	Path         string `yaml:"path"`
	TaxonomyPath string `yaml:"taxonomyPath"`
	Version      string `yaml:"version"`
	InputSize    int    `yaml:"inputSize"`
	Workers      int    `yaml:"workers"`
}

// RemoteConfig configures access to the external multimodal classifier.
type RemoteConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ArbiterConfig is the decision-policy surface recognised by the arbiter.
type ArbiterConfig struct {
	Mode             string        `yaml:"mode"`
	HealthyThreshold float64       `yaml:"healthyThreshold"`
	AgreementMargin  float64       `yaml:"agreementMargin"`
	RemoteTimeout    time.Duration `yaml:"remoteTimeout"`
}

// SinkConfig configures the diagnosis record store.
type SinkConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	RecordsPath string        `yaml:"recordsPath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TelegramConfig controls diagnosis alerts to a Telegram chat.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chatId"`
}

// AdviceConfig controls care-advice pack loading.
type AdviceConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed caching of repeat diagnoses.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
	ResultTTL    time.Duration `yaml:"resultTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment
// overrides. A local .env file is honoured before the environment is read.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("VERDANT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Model: ModelConfig{
			Path:         "models/leaf_round3.onnx",
			TaxonomyPath: "configs/taxonomy.yaml",
			Version:      "round3",
			InputSize:    160,
			Workers:      4,
		},
		Remote: RemoteConfig{
			BaseURL: "https://api.moonshot.cn/v1",
			Model:   "kimi-latest",
			Timeout: 30 * time.Second,
		},
		Arbiter: ArbiterConfig{
			Mode:             "ensemble",
			HealthyThreshold: 0.5,
			AgreementMargin:  0.0,
			RemoteTimeout:    30 * time.Second,
		},
		Sink: SinkConfig{
			RecordsPath: "/api/v1/diagnosis-records",
			Timeout:     5 * time.Second,
		},
		Advice: AdviceConfig{Path: "configs/advice/default.yaml"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			ResultTTL:    10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func validate(cfg *Config) error {
	switch cfg.Arbiter.Mode {
	case "local_only", "remote_only", "ensemble":
	default:
		return fmt.Errorf("arbiter mode %q not recognised", cfg.Arbiter.Mode)
	}
	if cfg.Arbiter.HealthyThreshold < 0 || cfg.Arbiter.HealthyThreshold > 1 {
		return fmt.Errorf("healthy threshold %f outside [0,1]", cfg.Arbiter.HealthyThreshold)
	}
	if cfg.Arbiter.AgreementMargin < 0 {
		return fmt.Errorf("agreement margin must not be negative")
	}
	if cfg.Model.InputSize <= 0 {
		return fmt.Errorf("model input size must be positive")
	}
	if cfg.Model.Workers <= 0 {
		return fmt.Errorf("model workers must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VERDANT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("VERDANT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("VERDANT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("VERDANT_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("VERDANT_TAXONOMY_PATH"); v != "" {
		cfg.Model.TaxonomyPath = v
	}
	if v := os.Getenv("VERDANT_MODEL_VERSION"); v != "" {
		cfg.Model.Version = v
	}
	if v := os.Getenv("VERDANT_MODEL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.Workers = n
		}
	}
	if v := os.Getenv("KIMI_API_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("KIMI_API_KEY"); v != "" {
		cfg.Remote.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIMI_VISION_MODEL"); v != "" {
		cfg.Remote.Model = v
	}
	if v := os.Getenv("VERDANT_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = d
			cfg.Arbiter.RemoteTimeout = d
		}
	}
	if v := os.Getenv("VERDANT_ARBITER_MODE"); v != "" {
		cfg.Arbiter.Mode = v
	}
	if v := os.Getenv("VERDANT_HEALTHY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Arbiter.HealthyThreshold = f
		}
	}
	if v := os.Getenv("VERDANT_AGREEMENT_MARGIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Arbiter.AgreementMargin = f
		}
	}
	if v := os.Getenv("VERDANT_SINK_BASE_URL"); v != "" {
		cfg.Sink.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("VERDANT_TELEGRAM_ENABLED"); v != "" {
		cfg.Telegram.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("VERDANT_ADVICE_PATH"); v != "" {
		cfg.Advice.Path = v
	}
	if v := os.Getenv("VERDANT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("VERDANT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("VERDANT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("VERDANT_CACHE_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ResultTTL = d
		}
	}
	if v := os.Getenv("VERDANT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VERDANT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
