package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type contextKey string

func (c contextKey) String() string {
	return "vqueue/config/" + string(c)
}

const (
	ctxKeyConfiguration = contextKey("configurationKey")

	DefaultTransportURL = "memory://"
)

// ToContext adds service configuration to the current supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts service configuration from the supplied context if any exist.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

// LoadFile reads environment defaults first and then overlays the yaml or toml
// file at path, selected by its extension.
func LoadFile[T any](path string) (T, error) {
	cfg, err := FromEnv[T]()
	if err != nil {
		return cfg, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	case ".toml":
		err = toml.Unmarshal(raw, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("could not decode config file %s: %w", path, err)
	}
	return cfg, nil
}

type ConfigurationDefault struct {
	LogLevel      string `envDefault:"info"                      env:"LOG_LEVEL"       yaml:"log_level"       toml:"log_level"`
	LogTimeFormat string `envDefault:"2006-01-02T15:04:05Z07:00" env:"LOG_TIME_FORMAT" yaml:"log_time_format" toml:"log_time_format"`
	LogColored    bool   `envDefault:"true"                      env:"LOG_COLORED"     yaml:"log_colored"     toml:"log_colored"`

	LogShowStackTrace bool `envDefault:"false" env:"LOG_SHOW_STACK_TRACE" yaml:"log_show_stack_trace" toml:"log_show_stack_trace"`

	OpenTelemetryDisable    bool    `envDefault:"false" env:"OPENTELEMETRY_DISABLE"        yaml:"opentelemetry_disable"        toml:"opentelemetry_disable"`
	OpenTelemetryTraceRatio float64 `envDefault:"1"     env:"OPENTELEMETRY_TRACE_ID_RATIO" yaml:"opentelemetry_trace_id_ratio" toml:"opentelemetry_trace_id_ratio"`

	ServiceName        string `envDefault:"" env:"SERVICE_NAME"        yaml:"service_name"        toml:"service_name"`
	ServiceEnvironment string `envDefault:"" env:"SERVICE_ENVIRONMENT" yaml:"service_environment" toml:"service_environment"`
	ServiceVersion     string `envDefault:"" env:"SERVICE_VERSION"     yaml:"service_version"     toml:"service_version"`

	TransportURL string `envDefault:"memory://" env:"TRANSPORT_URL" yaml:"transport_url" toml:"transport_url"`
	SQSRegion    string `envDefault:""          env:"SQS_REGION"    yaml:"sqs_region"    toml:"sqs_region"`
	SQSEndpoint  string `envDefault:""          env:"SQS_ENDPOINT"  yaml:"sqs_endpoint"  toml:"sqs_endpoint"`

	ConsumerMaxWait             string `envDefault:"2s"  env:"CONSUMER_MAX_WAIT"              yaml:"consumer_max_wait"              toml:"consumer_max_wait"`
	ConsumerTerminateTimeout    string `envDefault:"30s" env:"CONSUMER_TERMINATE_TIMEOUT"     yaml:"consumer_terminate_timeout"     toml:"consumer_terminate_timeout"`
	ConsumerMissingQueueBackoff string `envDefault:"1s"  env:"CONSUMER_MISSING_QUEUE_BACKOFF" yaml:"consumer_missing_queue_backoff" toml:"consumer_missing_queue_backoff"`
	ConsumerRateLimit           float64 `envDefault:"0"  env:"CONSUMER_RATE_LIMIT"            yaml:"consumer_rate_limit"            toml:"consumer_rate_limit"`
	ConsumerRateBurst           int     `envDefault:"1"  env:"CONSUMER_RATE_BURST"            yaml:"consumer_rate_burst"            toml:"consumer_rate_burst"`

	ProfilerEnable   bool   `envDefault:"false" env:"PROFILER_ENABLE" yaml:"profiler_enable" toml:"profiler_enable"`
	ProfilerPortAddr string `envDefault:":6060" env:"PROFILER_PORT"   yaml:"profiler_port"   toml:"profiler_port"`

	VirtualQueueMaxCount    int    `envDefault:"1000000" env:"VIRTUAL_QUEUE_MAX_COUNT"    yaml:"virtual_queue_max_count"    toml:"virtual_queue_max_count"`
	VirtualQueueReceiveWait string `envDefault:"10s"     env:"VIRTUAL_QUEUE_RECEIVE_WAIT" yaml:"virtual_queue_receive_wait" toml:"virtual_queue_receive_wait"`

	RequesterQueuePrefix     string `envDefault:"vq_response_" env:"REQUESTER_QUEUE_PREFIX"               yaml:"requester_queue_prefix"               toml:"requester_queue_prefix"`
	ResponseHostQueueURL     string `envDefault:""             env:"RESPONSE_HOST_QUEUE_URL"              yaml:"response_host_queue_url"              toml:"response_host_queue_url"`
	IdleQueueRetentionPeriod int    `envDefault:"0"            env:"IDLE_QUEUE_RETENTION_PERIOD_SECONDS" yaml:"idle_queue_retention_period_seconds" toml:"idle_queue_retention_period_seconds"`

	// Worker pool settings
	WorkerPoolCPUFactorForWorkerCount int    `envDefault:"10"  env:"WORKER_POOL_CPU_FACTOR_FOR_WORKER_COUNT" yaml:"worker_pool_cpu_factor_for_worker_count" toml:"worker_pool_cpu_factor_for_worker_count"`
	WorkerPoolCapacity                int    `envDefault:"100" env:"WORKER_POOL_CAPACITY"                    yaml:"worker_pool_capacity"                    toml:"worker_pool_capacity"`
	WorkerPoolCount                   int    `envDefault:"1"   env:"WORKER_POOL_COUNT"                       yaml:"worker_pool_count"                       toml:"worker_pool_count"`
	WorkerPoolExpiryDuration          string `envDefault:"1s"  env:"WORKER_POOL_EXPIRY_DURATION"             yaml:"worker_pool_expiry_duration"             toml:"worker_pool_expiry_duration"`
}

type ConfigurationService interface {
	Name() string
	Environment() string
	Version() string
}

var _ ConfigurationService = new(ConfigurationDefault)

func (c *ConfigurationDefault) Name() string {
	return c.ServiceName
}
func (c *ConfigurationDefault) Environment() string {
	return c.ServiceEnvironment
}
func (c *ConfigurationDefault) Version() string {
	return c.ServiceVersion
}

type ConfigurationLogLevel interface {
	LoggingLevel() string
	LoggingTimeFormat() string
	LoggingShowStackTrace() bool
	LoggingColored() bool
	LoggingLevelIsDebug() bool
}

var _ ConfigurationLogLevel = new(ConfigurationDefault)

func (c *ConfigurationDefault) LoggingLevel() string {
	return c.LogLevel
}

func (c *ConfigurationDefault) LoggingTimeFormat() string {
	return c.LogTimeFormat
}

func (c *ConfigurationDefault) LoggingColored() bool {
	return c.LogColored
}

func (c *ConfigurationDefault) LoggingShowStackTrace() bool {
	return c.LogShowStackTrace
}

func (c *ConfigurationDefault) LoggingLevelIsDebug() bool {
	return c.LoggingLevel() == "debug" || c.LoggingLevel() == "trace"
}

type ConfigurationTelemetry interface {
	DisableOpenTelemetry() bool
	SamplingRatio() float64
}

var _ ConfigurationTelemetry = new(ConfigurationDefault)

func (c *ConfigurationDefault) DisableOpenTelemetry() bool {
	return c.OpenTelemetryDisable
}

func (c *ConfigurationDefault) SamplingRatio() float64 {
	if c.OpenTelemetryTraceRatio < 0 || c.OpenTelemetryTraceRatio > 1 {
		return 1
	}
	return c.OpenTelemetryTraceRatio
}

type ConfigurationTransport interface {
	GetTransportURL() string
	GetSQSRegion() string
	GetSQSEndpoint() string
}

var _ ConfigurationTransport = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetTransportURL() string {
	if strings.TrimSpace(c.TransportURL) == "" {
		return DefaultTransportURL
	}
	return c.TransportURL
}

func (c *ConfigurationDefault) GetSQSRegion() string {
	return c.SQSRegion
}

func (c *ConfigurationDefault) GetSQSEndpoint() string {
	return c.SQSEndpoint
}

type ConfigurationConsumer interface {
	GetConsumerMaxWait() time.Duration
	GetConsumerTerminateTimeout() time.Duration
	GetConsumerMissingQueueBackoff() time.Duration
	GetConsumerRateLimit() float64
	GetConsumerRateBurst() int
}

var _ ConfigurationConsumer = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetConsumerMaxWait() time.Duration {
	return parseDuration(c.ConsumerMaxWait, 2*time.Second)
}

func (c *ConfigurationDefault) GetConsumerTerminateTimeout() time.Duration {
	return parseDuration(c.ConsumerTerminateTimeout, 30*time.Second)
}

func (c *ConfigurationDefault) GetConsumerMissingQueueBackoff() time.Duration {
	return parseDuration(c.ConsumerMissingQueueBackoff, time.Second)
}

// GetConsumerRateLimit is in messages per second, zero meaning unlimited.
func (c *ConfigurationDefault) GetConsumerRateLimit() float64 {
	return max(c.ConsumerRateLimit, 0)
}

func (c *ConfigurationDefault) GetConsumerRateBurst() int {
	return max(c.ConsumerRateBurst, 1)
}

type ConfigurationProfiler interface {
	ProfilerEnabled() bool
	ProfilerPort() string
}

var _ ConfigurationProfiler = new(ConfigurationDefault)

func (c *ConfigurationDefault) ProfilerEnabled() bool {
	return c.ProfilerEnable
}

func (c *ConfigurationDefault) ProfilerPort() string {
	if strings.TrimSpace(c.ProfilerPortAddr) == "" {
		return ":6060"
	}
	return c.ProfilerPortAddr
}

type ConfigurationVirtualQueues interface {
	GetVirtualQueueMaxCount() int
	GetVirtualQueueReceiveWait() time.Duration
}

var _ ConfigurationVirtualQueues = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetVirtualQueueMaxCount() int {
	if c.VirtualQueueMaxCount <= 0 {
		return 1_000_000
	}
	return c.VirtualQueueMaxCount
}

func (c *ConfigurationDefault) GetVirtualQueueReceiveWait() time.Duration {
	return parseDuration(c.VirtualQueueReceiveWait, 10*time.Second)
}

type ConfigurationRequester interface {
	GetRequesterQueuePrefix() string
	GetResponseHostQueueURL() string
	GetResponseQueueAttributes() map[string]string
}

var _ ConfigurationRequester = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetRequesterQueuePrefix() string {
	return c.RequesterQueuePrefix
}

func (c *ConfigurationDefault) GetResponseHostQueueURL() string {
	return c.ResponseHostQueueURL
}

// GetResponseQueueAttributes holds attributes applied to physical response queues.
// Virtual response queues inherit everything from their host and get none.
func (c *ConfigurationDefault) GetResponseQueueAttributes() map[string]string {
	if c.IdleQueueRetentionPeriod <= 0 || c.ResponseHostQueueURL != "" {
		return nil
	}
	return map[string]string{
		"IdleQueueRetentionPeriodSeconds": strconv.Itoa(c.IdleQueueRetentionPeriod),
	}
}

type ConfigurationWorkerPool interface {
	GetCPUFactor() int
	GetCapacity() int
	GetCount() int
	GetExpiryDuration() time.Duration
}

var _ ConfigurationWorkerPool = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetCPUFactor() int {
	return c.WorkerPoolCPUFactorForWorkerCount
}

func (c *ConfigurationDefault) GetCapacity() int {
	return c.WorkerPoolCapacity
}

func (c *ConfigurationDefault) GetCount() int {
	return c.WorkerPoolCount
}

func (c *ConfigurationDefault) GetExpiryDuration() time.Duration {
	return parseDuration(c.WorkerPoolExpiryDuration, time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil && duration >= 0 {
			return duration
		}
	}
	return fallback
}
