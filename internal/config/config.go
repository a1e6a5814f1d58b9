package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/listeners"
	"github.com/oriys/jobhost/internal/observability"
	"gopkg.in/yaml.v3"
)

// ConnectionsConfig holds the default connections and the named ones that
// binding attributes refer to.
type ConnectionsConfig struct {
	// Storage is the default storage account connection string.
	Storage string `json:"storage" yaml:"storage"`
	// ServiceBus is the default Service Bus connection string.
	ServiceBus string `json:"service_bus" yaml:"service_bus"`
	// Named maps a connection name to its connection string.
	Named map[string]string `json:"named,omitempty" yaml:"named,omitempty"`
}

// ListenerConfig mirrors listeners.Options.
type ListenerConfig struct {
	BatchSize           int           `json:"batch_size" yaml:"batch_size"`
	MaxDequeueCount     int           `json:"max_dequeue_count" yaml:"max_dequeue_count"`
	MinPollingInterval  time.Duration `json:"min_polling_interval" yaml:"min_polling_interval"`
	MaxPollingInterval  time.Duration `json:"max_polling_interval" yaml:"max_polling_interval"`
	VisibilityTimeout   time.Duration `json:"visibility_timeout" yaml:"visibility_timeout"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxDeliveryCount    int           `json:"max_delivery_count" yaml:"max_delivery_count"`
	PrefetchCount       int           `json:"prefetch_count" yaml:"prefetch_count"`
	BlobPollingInterval time.Duration `json:"blob_polling_interval" yaml:"blob_polling_interval"`
}

// Options converts the config to listener options.
func (c ListenerConfig) Options() listeners.Options {
	return listeners.Options{
		BatchSize:           c.BatchSize,
		MaxDequeueCount:     c.MaxDequeueCount,
		MinPollingInterval:  c.MinPollingInterval,
		MaxPollingInterval:  c.MaxPollingInterval,
		VisibilityTimeout:   c.VisibilityTimeout,
		RetryDelay:          c.RetryDelay,
		MaxDeliveryCount:    c.MaxDeliveryCount,
		PrefetchCount:       c.PrefetchCount,
		BlobPollingInterval: c.BlobPollingInterval,
	}
}

// LoggingConfig holds operational and instance log settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text, json
	// InstanceLogFile receives one JSON line per function instance.
	InstanceLogFile     string        `json:"instance_log_file,omitempty" yaml:"instance_log_file,omitempty"`
	InstanceLogCapacity int           `json:"instance_log_capacity" yaml:"instance_log_capacity"`
	OutputDir           string        `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	OutputMaxSize       int           `json:"output_max_size" yaml:"output_max_size"`
	OutputRetention     time.Duration `json:"output_retention" yaml:"output_retention"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Namespace string    `json:"namespace" yaml:"namespace"`
	Buckets   []float64 `json:"buckets,omitempty" yaml:"buckets,omitempty"`
}

// DaemonConfig holds settings of the jobhost run command
type DaemonConfig struct {
	HTTPAddr        string        `json:"http_addr" yaml:"http_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Connections   ConnectionsConfig    `json:"connections" yaml:"connections"`
	Listeners     ListenerConfig       `json:"listeners" yaml:"listeners"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig        `json:"metrics" yaml:"metrics"`
	Observability observability.Config `json:"observability" yaml:"observability"`
	Daemon        DaemonConfig         `json:"daemon" yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	opts := listeners.DefaultOptions()
	return &Config{
		Connections: ConnectionsConfig{
			Storage:    "UseDevelopmentStorage=true",
			ServiceBus: "memory://default",
		},
		Listeners: ListenerConfig{
			BatchSize:           opts.BatchSize,
			MaxDequeueCount:     opts.MaxDequeueCount,
			MinPollingInterval:  opts.MinPollingInterval,
			MaxPollingInterval:  opts.MaxPollingInterval,
			VisibilityTimeout:   opts.VisibilityTimeout,
			RetryDelay:          opts.RetryDelay,
			MaxDeliveryCount:    opts.MaxDeliveryCount,
			PrefetchCount:       opts.PrefetchCount,
			BlobPollingInterval: opts.BlobPollingInterval,
		},
		Logging: LoggingConfig{
			Level:               "info",
			Format:              "text",
			InstanceLogCapacity: 1000,
			OutputMaxSize:       64 * 1024,
			OutputRetention:     24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "jobhost",
		},
		Observability: observability.Config{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "jobhost",
			SampleRate:  1.0,
		},
		Daemon: DaemonConfig{
			HTTPAddr:        ":9090",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a JSON file, or a YAML file when
// the extension is .yaml or .yml. Unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// JOBHOST_CONNECTION_<NAME> sets the named connection <name>, lowercased.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("JOBHOST_STORAGE"); v != "" {
		cfg.Connections.Storage = v
	}
	if v := os.Getenv("JOBHOST_SERVICEBUS"); v != "" {
		cfg.Connections.ServiceBus = v
	}
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		name, ok := strings.CutPrefix(k, "JOBHOST_CONNECTION_")
		if !ok || name == "" || v == "" {
			continue
		}
		if cfg.Connections.Named == nil {
			cfg.Connections.Named = make(map[string]string)
		}
		cfg.Connections.Named[strings.ToLower(name)] = v
	}

	if v := os.Getenv("JOBHOST_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("JOBHOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JOBHOST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("JOBHOST_INSTANCE_LOG_FILE"); v != "" {
		cfg.Logging.InstanceLogFile = v
	}
	if v := os.Getenv("JOBHOST_OTEL_ENDPOINT"); v != "" {
		cfg.Observability.Enabled = true
		cfg.Observability.Endpoint = v
	}

	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = b
		}
	}

	setInt("JOBHOST_BATCH_SIZE", &cfg.Listeners.BatchSize)
	setInt("JOBHOST_MAX_DEQUEUE_COUNT", &cfg.Listeners.MaxDequeueCount)
	setInt("JOBHOST_MAX_DELIVERY_COUNT", &cfg.Listeners.MaxDeliveryCount)
	setInt("JOBHOST_PREFETCH_COUNT", &cfg.Listeners.PrefetchCount)
	setDuration("JOBHOST_MIN_POLLING_INTERVAL", &cfg.Listeners.MinPollingInterval)
	setDuration("JOBHOST_MAX_POLLING_INTERVAL", &cfg.Listeners.MaxPollingInterval)
	setDuration("JOBHOST_VISIBILITY_TIMEOUT", &cfg.Listeners.VisibilityTimeout)
	setDuration("JOBHOST_RETRY_DELAY", &cfg.Listeners.RetryDelay)
	setDuration("JOBHOST_BLOB_POLLING_INTERVAL", &cfg.Listeners.BlobPollingInterval)
	setDuration("JOBHOST_SHUTDOWN_TIMEOUT", &cfg.Daemon.ShutdownTimeout)
	setBool("JOBHOST_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setBool("JOBHOST_OTEL_ENABLED", &cfg.Observability.Enabled)

	return errors.Join(errs...)
}
