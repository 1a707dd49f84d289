// =============================================================================
// Machine client configuration loader
// =============================================================================
// Unified configuration loading: YAML file plus environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MACHINE_CLIENT").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete machine client configuration. It is built once at
// startup and handed to each component constructor.
type Config struct {
	// Server holds process-level settings (metrics endpoint, shutdown).
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Transport selects and configures the message transport.
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Persona configures the persona consumer loops.
	Persona PersonaConfig `yaml:"persona" env:"PERSONA"`

	// Coordinator configures request/completion retries.
	Coordinator CoordinatorConfig `yaml:"coordinator" env:"COORDINATOR"`

	// Workflow configures workflow definition loading.
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Database backs the task store.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// LLM configures the model caller used by persona handlers.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Log configures zap.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// Metrics port; 0 disables the /metrics endpoint
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TransportConfig selects the transport backend.
type TransportConfig struct {
	// Type: memory, redis
	Type string `yaml:"type" env:"TYPE"`
	// PollInterval is the blocking-read emulation interval of the memory transport
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// MaxLen caps every stream's length; older entries are trimmed on append
	// (0 = unbounded). Redis trims approximately.
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
	// Redis connection settings (type=redis)
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// KeyPrefix is prepended to every stream key
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TLS enables a TLS connection; TLSServerName overrides the verified host
	TLS           bool   `yaml:"tls" env:"TLS"`
	TLSServerName string `yaml:"tls_server_name" env:"TLS_SERVER_NAME"`
}

// PersonaConfig configures the persona consumer.
type PersonaConfig struct {
	// RequestStream is the shared stream personas consume from
	RequestStream string `yaml:"request_stream" env:"REQUEST_STREAM"`
	// EventStream is the shared stream completions are published to
	EventStream string `yaml:"event_stream" env:"EVENT_STREAM"`
	// GroupPrefix forms consumer group names "{prefix}:{persona}"
	GroupPrefix string `yaml:"group_prefix" env:"GROUP_PREFIX"`
	// ConsumerName identifies this process inside each group; empty means generated
	ConsumerName string `yaml:"consumer_name" env:"CONSUMER_NAME"`
	// Names lists the personas this process serves
	Names []string `yaml:"names" env:"NAMES"`
	// Block is the blocking read timeout of each poll
	Block time.Duration `yaml:"block" env:"BLOCK"`
	// BatchSize is the maximum messages claimed per poll
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// RateLimit caps handler invocations per second per persona (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// DedupeSize bounds the processed corr_id memory
	DedupeSize int `yaml:"dedupe_size" env:"DEDUPE_SIZE"`
	// Prompts maps persona name to its model prompt settings
	Prompts map[string]PersonaPrompt `yaml:"prompts" env:"-"`
}

// PersonaPrompt describes how a model-backed persona talks to the model.
type PersonaPrompt struct {
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// CoordinatorConfig configures the retry coordinator defaults.
type CoordinatorConfig struct {
	// BaseTimeout is the first attempt timeout
	BaseTimeout time.Duration `yaml:"base_timeout" env:"BASE_TIMEOUT"`
	// MaxRetries is the attempt budget; 0 means unlimited (bounded by the hard cap)
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// BackoffIncrement is added to the timeout per extra attempt
	BackoffIncrement time.Duration `yaml:"backoff_increment" env:"BACKOFF_INCREMENT"`
	// GroupPrefix names the private event stream groups of waiters
	GroupPrefix string `yaml:"group_prefix" env:"GROUP_PREFIX"`
}

// WorkflowConfig configures workflow loading.
type WorkflowConfig struct {
	// DefinitionsDir holds *.yaml workflow definitions
	DefinitionsDir string `yaml:"definitions_dir" env:"DEFINITIONS_DIR"`
	// DefaultWorkflow runs when a coordination request names none and no trigger matches
	DefaultWorkflow string `yaml:"default_workflow" env:"DEFAULT_WORKFLOW"`
	// RepoBaseDir is where repositories named only by remote are cloned
	RepoBaseDir string `yaml:"repo_base_dir" env:"REPO_BASE_DIR"`
	// HistorySize bounds the finished runs kept in memory
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
}

// DatabaseConfig task store database settings.
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LLMConfig model caller settings.
type LLMConfig struct {
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	DefaultModel string        `yaml:"default_model" env:"DEFAULT_MODEL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths for zap
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller adds caller info
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace adds stack traces on error level
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MACHINE_CLIENT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
// Precedence: defaults -> YAML file -> environment variables
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile reads YAML over the defaults. A missing file keeps defaults.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively using their env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	switch c.Transport.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported transport type %q", c.Transport.Type))
	}
	if c.Transport.MaxLen < 0 {
		errs = append(errs, "transport max_len must not be negative")
	}

	if c.Persona.RequestStream == "" || c.Persona.EventStream == "" {
		errs = append(errs, "request_stream and event_stream are required")
	}
	if c.Persona.RequestStream == c.Persona.EventStream {
		errs = append(errs, "request_stream and event_stream must differ")
	}
	if c.Persona.GroupPrefix == "" {
		errs = append(errs, "group_prefix is required")
	}
	if c.Persona.BatchSize <= 0 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.Persona.Block <= 0 {
		errs = append(errs, "block must be positive")
	}

	if c.Coordinator.BaseTimeout <= 0 {
		errs = append(errs, "coordinator base_timeout must be positive")
	}
	if c.Coordinator.MaxRetries < 0 {
		errs = append(errs, "coordinator max_retries must not be negative")
	}
	if c.Coordinator.BackoffIncrement < 0 {
		errs = append(errs, "coordinator backoff_increment must not be negative")
	}

	if c.Workflow.HistorySize < 0 {
		errs = append(errs, "workflow history_size must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
