package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the incident engine. All
// values are static at startup; nothing here is mutated at runtime.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Severity SeverityConfig `yaml:"severity"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Store    StoreConfig    `yaml:"store"`
}

// ServerConfig controls the HTTP admin and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PipelineConfig tunes suppression, correlation and lifecycle timing.
type PipelineConfig struct {
	Workers               int           `yaml:"workers"`
	LaneQueueSize         int           `yaml:"laneQueueSize"`
	SuppressionWindow     time.Duration `yaml:"suppressionWindow"`
	CorrelationHorizon    time.Duration `yaml:"correlationHorizon"`
	ResolveGrace          time.Duration `yaml:"resolveGrace"`
	CloseQuiescence       time.Duration `yaml:"closeQuiescence"`
	SweepInterval         time.Duration `yaml:"sweepInterval"`
	CorrelationDimensions []string      `yaml:"correlationDimensions"`
}

// SeverityCutoff maps a score/threshold ratio floor to a severity name.
type SeverityCutoff struct {
	Ratio    float64 `yaml:"ratio"`
	Severity string  `yaml:"severity"`
}

// SeverityConfig is the injected severity mapping table, highest ratio first.
type SeverityConfig struct {
	Cutoffs []SeverityCutoff `yaml:"cutoffs"`
}

// IngestConfig configures the inbound AMQP feed. An empty URL disables the
// consumer; events can still be submitted through the embedded API.
type IngestConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	BindingKey string `yaml:"bindingKey"`
	Prefetch   int    `yaml:"prefetch"`
}

// DispatchConfig configures the outbound notification publisher.
type DispatchConfig struct {
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	QueueSize      int           `yaml:"queueSize"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	MaxElapsed     time.Duration `yaml:"maxElapsed"`
}

// StoreConfig configures the Valkey/Redis incident row store.
type StoreConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("INCIDENT_ENGINE_CONFIG")
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
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Pipeline: PipelineConfig{
			Workers:            8,
			LaneQueueSize:      256,
			SuppressionWindow:  5 * time.Minute,
			CorrelationHorizon: 30 * time.Minute,
			ResolveGrace:       10 * time.Minute,
			CloseQuiescence:    15 * time.Minute,
			SweepInterval:      30 * time.Second,
		},
		Severity: SeverityConfig{
			Cutoffs: []SeverityCutoff{
				{Ratio: 3.0, Severity: "critical"},
				{Ratio: 2.0, Severity: "high"},
				{Ratio: 1.5, Severity: "medium"},
				{Ratio: 1.0, Severity: "low"},
			},
		},
		Ingest: IngestConfig{
			Exchange:   "anomalies",
			Queue:      "incident-engine",
			BindingKey: "anomaly.#",
			Prefetch:   64,
		},
		Dispatch: DispatchConfig{
			Exchange:       "incidents",
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
			MaxElapsed:     2 * time.Minute,
		},
		Store: StoreConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INCIDENT_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("INCIDENT_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_SUPPRESSION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.SuppressionWindow = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_CORRELATION_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CorrelationHorizon = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_RESOLVE_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.ResolveGrace = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_CLOSE_QUIESCENCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CloseQuiescence = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.SweepInterval = d
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_CORRELATION_DIMENSIONS"); v != "" {
		cfg.Pipeline.CorrelationDimensions = splitList(v)
	}
	if v := os.Getenv("INCIDENT_ENGINE_INGEST_URL"); v != "" {
		cfg.Ingest.URL = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_INGEST_EXCHANGE"); v != "" {
		cfg.Ingest.Exchange = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_INGEST_QUEUE"); v != "" {
		cfg.Ingest.Queue = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_DISPATCH_URL"); v != "" {
		cfg.Dispatch.URL = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_DISPATCH_EXCHANGE"); v != "" {
		cfg.Dispatch.Exchange = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_ENABLED"); v != "" {
		cfg.Store.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_USERNAME"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = db
		}
	}
	if v := os.Getenv("INCIDENT_ENGINE_STORE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Store.TLS = true
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
