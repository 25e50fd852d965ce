package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Session    SessionConfig     `yaml:"session"`
	Channels   []ChannelConfig   `yaml:"channels"`
	Journal    *JournalConfig    `yaml:"journal,omitempty"`
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`
	Retry      *RetryConfig      `yaml:"retry,omitempty"`
	Forwarders *ForwardersConfig `yaml:"forwarders,omitempty"`
	Upload     *UploadConfig     `yaml:"upload,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
	Health     *HealthConfig     `yaml:"health,omitempty"`
	Tracing    *TracingConfig    `yaml:"tracing,omitempty"`
	Profiling  *ProfilingConfig  `yaml:"profiling,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// SessionConfig defines one collection session
type SessionConfig struct {
	Name             string        `yaml:"name"`
	OutputDir        string        `yaml:"output_dir"`
	Duration         time.Duration `yaml:"duration"`
	GracePeriod      time.Duration `yaml:"grace_period,omitempty"`
	ProgressInterval time.Duration `yaml:"progress_interval,omitempty"`
}

// ChannelConfig defines one monitored channel and its source binding
type ChannelConfig struct {
	Name        string              `yaml:"name"`
	Role        string              `yaml:"role,omitempty"`
	Profile     string              `yaml:"profile"`
	Source      SourceConfig        `yaml:"source"`
	ReadTimeout time.Duration       `yaml:"read_timeout,omitempty"`
	BufferSize  int                 `yaml:"buffer_size,omitempty"`
	Predicates  map[string][]string `yaml:"predicates,omitempty"`
}

// SourceConfig defines where a channel's lines come from
type SourceConfig struct {
	Type       string     `yaml:"type"` // device, tail, tcp, pod
	Path       string     `yaml:"path,omitempty"`
	Address    string     `yaml:"address,omitempty"`
	RateLimit  int        `yaml:"rate_limit,omitempty"`
	TLS        *TLSConfig `yaml:"tls,omitempty"`
	Kubeconfig string     `yaml:"kubeconfig,omitempty"`
	Namespace  string     `yaml:"namespace,omitempty"`
	Pod        string     `yaml:"pod,omitempty"`
	Container  string     `yaml:"container,omitempty"`
	Checkpoint bool       `yaml:"checkpoint,omitempty"`
}

// TLSConfig enables TLS on a tcp source listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// JournalConfig holds raw-line journal configuration
type JournalConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir,omitempty"`
	SegmentSize  int64         `yaml:"segment_size,omitempty"`
	MaxSegments  int           `yaml:"max_segments,omitempty"`
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`
}

// CheckpointConfig holds tail-source offset persistence configuration
type CheckpointConfig struct {
	Path     string        `yaml:"path,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// RetryConfig holds the source reopen retry policy
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// ForwardersConfig holds optional best-effort record forwarders
type ForwardersConfig struct {
	Kafka         *KafkaForwarderConfig   `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticForwarderConfig `yaml:"elasticsearch,omitempty"`
	DeadLetter    *DeadLetterConfig       `yaml:"dead_letter,omitempty"`
}

// KafkaForwarderConfig holds Kafka forwarder configuration
type KafkaForwarderConfig struct {
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	RequiredAcks     int16         `yaml:"required_acks,omitempty"`
	CompressionCodec string        `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int           `yaml:"max_message_bytes,omitempty"`
	BatchSize        int           `yaml:"batch_size,omitempty"`
	FlushInterval    time.Duration `yaml:"flush_interval,omitempty"`
	SASLEnabled      bool          `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string        `yaml:"sasl_username,omitempty"`
	SASLPassword     string        `yaml:"sasl_password,omitempty"`
	EnableTLS        bool          `yaml:"enable_tls,omitempty"`
}

// ElasticForwarderConfig holds Elasticsearch forwarder configuration
type ElasticForwarderConfig struct {
	Addresses     []string      `yaml:"addresses"`
	Index         string        `yaml:"index"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	CloudID       string        `yaml:"cloud_id,omitempty"`
	APIKey        string        `yaml:"api_key,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	MaxSize       int64         `yaml:"max_size,omitempty"` // entries
	MaxAge        time.Duration `yaml:"max_age,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// UploadConfig holds session artifact upload configuration
type UploadConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Bucket               string `yaml:"bucket"`
	Region               string `yaml:"region"`
	Prefix               string `yaml:"prefix,omitempty"`
	Compression          string `yaml:"compression,omitempty"` // none, gzip, snappy
	StorageClass         string `yaml:"storage_class,omitempty"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`
	ACL                  string `yaml:"acl,omitempty"`
	Endpoint             string `yaml:"endpoint,omitempty"`
	UsePathStyle         bool   `yaml:"use_path_style,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Address     string           `yaml:"address"`
	Path        string           `yaml:"path,omitempty"`
	FieldGauges []FieldGaugeRule `yaml:"field_gauges,omitempty"`
}

// FieldGaugeRule maps a closed-record field onto a live metric
type FieldGaugeRule struct {
	Name    string    `yaml:"name"`
	Type    string    `yaml:"type"` // counter, gauge, histogram
	Field   string    `yaml:"field"`
	Kinds   []string  `yaml:"kinds,omitempty"`
	Help    string    `yaml:"help"`
	Buckets []float64 `yaml:"buckets,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig holds pprof configuration
type ProfilingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address,omitempty"`
	CPUProfilePath string `yaml:"cpu_profile,omitempty"`
	MemProfilePath string `yaml:"mem_profile,omitempty"`
	BlockProfile   bool   `yaml:"block_profile,omitempty"`
	MutexProfile   bool   `yaml:"mutex_profile,omitempty"`
}

// Default values
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultSessionName        = "session"
	DefaultOutputDir          = "./data"
	DefaultDuration           = 30 * time.Minute
	DefaultGracePeriod        = 5 * time.Second
	DefaultProgressInterval   = time.Minute
	DefaultReadTimeout        = 200 * time.Millisecond
	DefaultBufferSize         = 1024
	DefaultProfile            = "multinode"
	DefaultCheckpointInterval = 5 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SessionDir returns the directory holding this session's CSVs, journals
// and summary.
func (c *Config) SessionDir() string {
	return filepath.Join(c.Session.OutputDir, c.Session.Name)
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Session.Name == "" {
		c.Session.Name = DefaultSessionName
	}
	if c.Session.OutputDir == "" {
		c.Session.OutputDir = DefaultOutputDir
	}
	if c.Session.Duration == 0 {
		c.Session.Duration = DefaultDuration
	}
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = DefaultGracePeriod
	}
	if c.Session.ProgressInterval == 0 {
		c.Session.ProgressInterval = DefaultProgressInterval
	}

	for i := range c.Channels {
		if c.Channels[i].Profile == "" {
			c.Channels[i].Profile = DefaultProfile
		}
		if c.Channels[i].ReadTimeout == 0 {
			c.Channels[i].ReadTimeout = DefaultReadTimeout
		}
		if c.Channels[i].BufferSize == 0 {
			c.Channels[i].BufferSize = DefaultBufferSize
		}
	}

	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{}
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(c.SessionDir(), "checkpoints")
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = DefaultCheckpointInterval
	}

	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 10 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}

	if c.Journal != nil && c.Journal.Enabled {
		if c.Journal.Dir == "" {
			c.Journal.Dir = filepath.Join(c.SessionDir(), "journal")
		}
		if c.Journal.SegmentSize == 0 {
			c.Journal.SegmentSize = 16 * 1024 * 1024
		}
		if c.Journal.MaxSegments == 0 {
			c.Journal.MaxSegments = 16
		}
		if c.Journal.SyncInterval == 0 {
			c.Journal.SyncInterval = time.Second
		}
	}

	if c.Forwarders != nil {
		if k := c.Forwarders.Kafka; k != nil {
			if k.BatchSize == 0 {
				k.BatchSize = 100
			}
			if k.FlushInterval == 0 {
				k.FlushInterval = time.Second
			}
		}
		if e := c.Forwarders.Elasticsearch; e != nil {
			if e.BatchSize == 0 {
				e.BatchSize = 100
			}
			if e.FlushInterval == 0 {
				e.FlushInterval = time.Second
			}
			if e.MaxRetries == 0 {
				e.MaxRetries = 3
			}
		}
		if d := c.Forwarders.DeadLetter; d != nil && d.Enabled {
			if d.Dir == "" {
				d.Dir = filepath.Join(c.SessionDir(), "dlq")
			}
			if d.MaxSize == 0 {
				d.MaxSize = 10000
			}
			if d.MaxAge == 0 {
				d.MaxAge = 24 * time.Hour
			}
			if d.FlushInterval == 0 {
				d.FlushInterval = 5 * time.Second
			}
		}
	}

	if c.Upload != nil && c.Upload.Enabled && c.Upload.Compression == "" {
		c.Upload.Compression = "none"
	}

	if c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health != nil && c.Health.Enabled {
		if c.Health.LivenessPath == "" {
			c.Health.LivenessPath = "/health/live"
		}
		if c.Health.ReadinessPath == "" {
			c.Health.ReadinessPath = "/health/ready"
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Session.Duration <= 0 {
		return fmt.Errorf("session duration must be positive")
	}
	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("session grace period must be positive")
	}

	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}

	validProfiles := map[string]bool{
		"multinode": true, "gateway": true, "singlenode": true,
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel %d has no name configured", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel name: %s", ch.Name)
		}
		seen[ch.Name] = true

		if !validProfiles[ch.Profile] {
			return fmt.Errorf("channel %s: unknown profile: %s", ch.Name, ch.Profile)
		}
		if ch.ReadTimeout <= 0 {
			return fmt.Errorf("channel %s: read timeout must be positive", ch.Name)
		}

		switch ch.Source.Type {
		case "device", "tail":
			if ch.Source.Path == "" {
				return fmt.Errorf("channel %s: %s source has no path configured", ch.Name, ch.Source.Type)
			}
		case "tcp":
			if ch.Source.Address == "" {
				return fmt.Errorf("channel %s: tcp source has no address configured", ch.Name)
			}
			if tls := ch.Source.TLS; tls != nil && tls.Enabled {
				if tls.CertFile == "" || tls.KeyFile == "" {
					return fmt.Errorf("channel %s: tls enabled but cert or key missing", ch.Name)
				}
			}
		case "pod":
			if ch.Source.Pod == "" {
				return fmt.Errorf("channel %s: pod source has no pod configured", ch.Name)
			}
		default:
			return fmt.Errorf("channel %s: unknown source type: %s", ch.Name, ch.Source.Type)
		}
	}

	if c.Forwarders != nil {
		if k := c.Forwarders.Kafka; k != nil {
			if len(k.Brokers) == 0 {
				return fmt.Errorf("kafka forwarder has no brokers configured")
			}
			if k.Topic == "" {
				return fmt.Errorf("kafka forwarder has no topic configured")
			}
		}
		if e := c.Forwarders.Elasticsearch; e != nil {
			if len(e.Addresses) == 0 && e.CloudID == "" {
				return fmt.Errorf("elasticsearch forwarder has no addresses configured")
			}
			if e.Index == "" {
				return fmt.Errorf("elasticsearch forwarder has no index configured")
			}
		}
	}

	if c.Upload != nil && c.Upload.Enabled {
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload enabled but no bucket configured")
		}
		if c.Upload.Region == "" {
			return fmt.Errorf("upload enabled but no region configured")
		}
		switch c.Upload.Compression {
		case "", "none", "gzip", "snappy":
		default:
			return fmt.Errorf("invalid upload compression: %s", c.Upload.Compression)
		}
	}

	if c.Metrics != nil {
		validRuleTypes := map[string]bool{
			"counter": true, "gauge": true, "histogram": true,
		}
		for i, rule := range c.Metrics.FieldGauges {
			if rule.Name == "" {
				return fmt.Errorf("field gauge rule %d has no name configured", i)
			}
			if rule.Field == "" {
				return fmt.Errorf("field gauge rule %s has no field configured", rule.Name)
			}
			if !validRuleTypes[rule.Type] {
				return fmt.Errorf("field gauge rule %s has invalid type: %s", rule.Name, rule.Type)
			}
		}
	}

	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Channels: []ChannelConfig{
			{
				Name:    "node0",
				Profile: DefaultProfile,
				Source:  SourceConfig{Type: "device", Path: "/dev/ttyUSB0"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
