package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for convoflow.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Grouping  GroupingConfig  `json:"grouping"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Delivery  DeliveryConfig  `json:"delivery"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Responder EndpointConfig  `json:"responder"`
	Generator EndpointConfig  `json:"generator"`
	API       APIConfig       `json:"api"`
	Metrics   MetricsConfig   `json:"metrics"`
	Kafka     KafkaConfig     `json:"kafka"`
}

type GeneralConfig struct {
	LogLevel   string `json:"logLevel"`
	LogFile    string `json:"logFile,omitempty"` // optional log file path
	DBPath     string `json:"dbPath"`
	MaxHistory int    `json:"eventHistory"` // in-process events kept for replay
}

// GroupingConfig holds the fallback idle window for tenants that never set one.
type GroupingConfig struct {
	DefaultBufferSeconds int `json:"defaultBufferSeconds"`
}

type DispatchConfig struct {
	Enabled             bool `json:"enabled"`
	PollIntervalMs      int  `json:"pollIntervalMs"`
	LeaseTimeoutSeconds int  `json:"leaseTimeoutSeconds"`
	BatchSize           int  `json:"batchSize"`
	Workers             int  `json:"workers"`
	MaxAttempts         int  `json:"maxAttempts"`
}

func (d DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

func (d DispatchConfig) LeaseTimeout() time.Duration {
	return time.Duration(d.LeaseTimeoutSeconds) * time.Second
}

type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"intervalSeconds"`
	BatchSize       int    `json:"batchSize"`
	MaxPages        int    `json:"maxPages"`
	FlowsDir        string `json:"flowsDir,omitempty"` // loaded on serve start when set
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type ExecutorConfig struct {
	Enabled             bool `json:"enabled"`
	IntervalMs          int  `json:"intervalMs"`
	LeaseTimeoutSeconds int  `json:"leaseTimeoutSeconds"`
	MaxConcurrent       int  `json:"maxConcurrent"`
	MaxAttempts         int  `json:"maxAttempts"`
}

func (e ExecutorConfig) Interval() time.Duration {
	return time.Duration(e.IntervalMs) * time.Millisecond
}

func (e ExecutorConfig) LeaseTimeout() time.Duration {
	return time.Duration(e.LeaseTimeoutSeconds) * time.Second
}

// DeliveryConfig bounds every outbound call (responder turns and customer messages).
type DeliveryConfig struct {
	TimeoutSeconds      int `json:"timeoutSeconds"` // per attempt
	MaxRetries          int `json:"maxRetries"`
	InitialBackoffMs    int `json:"initialBackoffMs"`
	MaxBackoffMs        int `json:"maxBackoffMs"`
	LedgerRetentionDays int `json:"ledgerRetentionDays"`
}

func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// WorstCase is the longest a single delivery can take: every attempt times
// out and every backoff hits the cap.
func (d DeliveryConfig) WorstCase() time.Duration {
	attempts := time.Duration(d.MaxRetries + 1)
	return attempts*d.Timeout() + time.Duration(d.MaxRetries)*time.Duration(d.MaxBackoffMs)*time.Millisecond
}

type WhatsAppConfig struct {
	Enabled       bool           `json:"enabled"`
	TenantID      string         `json:"tenantId"` // tenant owning this phone number
	AppSecret     string         `json:"appSecret,omitempty"`
	AccessToken   string         `json:"accessToken,omitempty"`
	VerifyToken   string         `json:"verifyToken,omitempty"`
	PhoneNumberID string         `json:"phoneNumberId,omitempty"`
	APIBase       string         `json:"apiBase,omitempty"`
	WebhookPath   string         `json:"webhookPath,omitempty"`
	AllowFrom     FlexStringList `json:"allowFrom,omitempty"` // empty accepts every sender
	Breaker       BreakerConfig  `json:"breaker"`

	// MessagesPerSecond caps outbound sends; 0 disables the limit.
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	Burst             int     `json:"burst"`
}

// BreakerConfig configures the circuit breaker around the Cloud API.
type BreakerConfig struct {
	MaxFailures int `json:"maxFailures"` // consecutive failures before opening
	OpenSeconds int `json:"openSeconds"` // time in open state before a probe
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// EndpointConfig is an HTTP collaborator (responder or generator).
type EndpointConfig struct {
	URL            string `json:"url,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// APIConfig configures the HTTP server (webhook, admin API, metrics).
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	IngestSecret string `json:"ingestSecret,omitempty"` // HMAC secret for POST /api/ingest
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// KafkaConfig mirrors pipeline events to a Kafka topic.
type KafkaConfig struct {
	Enabled    bool     `json:"enabled"`
	Brokers    []string `json:"brokers,omitempty"`
	Topic      string   `json:"topic"`
	BatchSize  int      `json:"batchSize"`
	BufferSize int      `json:"bufferSize"`
}

// DefaultConfigDir returns the default config directory (~/.convoflow).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convoflow"
	}
	return filepath.Join(home, ".convoflow")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DBPath = expandPath(cfg.General.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Scheduler.FlowsDir = expandPath(cfg.Scheduler.FlowsDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DBPath == "" {
		errs = append(errs, "general.dbPath is required")
	}

	if cfg.Grouping.DefaultBufferSeconds < 0 || cfg.Grouping.DefaultBufferSeconds > 3600 {
		errs = append(errs, "grouping.defaultBufferSeconds must be between 0 and 3600")
	}

	if cfg.Dispatch.PollIntervalMs < 50 {
		errs = append(errs, "dispatch.pollIntervalMs must be >= 50")
	}
	if cfg.Dispatch.Workers < 1 || cfg.Dispatch.Workers > 256 {
		errs = append(errs, "dispatch.workers must be between 1 and 256")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		errs = append(errs, "dispatch.maxAttempts must be >= 1")
	}
	if cfg.Executor.MaxConcurrent < 1 || cfg.Executor.MaxConcurrent > 1024 {
		errs = append(errs, "executor.maxConcurrent must be between 1 and 1024")
	}
	if cfg.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor.maxAttempts must be >= 1")
	}

	// A lease must outlive the slowest possible delivery, or a second worker
	// could claim a group or execution that is still being delivered.
	if cfg.Delivery.TimeoutSeconds < 1 {
		errs = append(errs, "delivery.timeoutSeconds must be >= 1")
	}
	if cfg.Delivery.MaxRetries < 0 {
		errs = append(errs, "delivery.maxRetries must be >= 0")
	}
	worst := cfg.Delivery.WorstCase()
	if cfg.Dispatch.LeaseTimeout() <= worst {
		errs = append(errs, fmt.Sprintf("dispatch.leaseTimeoutSeconds must exceed the worst-case delivery time (%s)", worst))
	}
	if cfg.Executor.LeaseTimeout() <= worst {
		errs = append(errs, fmt.Sprintf("executor.leaseTimeoutSeconds must exceed the worst-case delivery time (%s)", worst))
	}

	if cfg.Scheduler.IntervalSeconds < 1 {
		errs = append(errs, "scheduler.intervalSeconds must be >= 1")
	}

	if cfg.WhatsApp.Enabled {
		if cfg.WhatsApp.TenantID == "" {
			errs = append(errs, "whatsapp.tenantId is required when whatsapp is enabled")
		}
		if cfg.WhatsApp.VerifyToken == "" {
			errs = append(errs, "whatsapp.verifyToken is required when whatsapp is enabled")
		}
		if cfg.WhatsApp.PhoneNumberID == "" || cfg.WhatsApp.AccessToken == "" {
			errs = append(errs, "whatsapp.phoneNumberId and whatsapp.accessToken are required when whatsapp is enabled")
		}
	}

	if cfg.WhatsApp.MessagesPerSecond < 0 {
		errs = append(errs, "whatsapp.messagesPerSecond must be >= 0")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		errs = append(errs, "kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
