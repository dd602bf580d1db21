// Package config provides the protection core configuration. Settings
// are built once at startup from environment variables, optionally
// overridden by a YAML file, and never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the process-wide, immutable-after-load configuration for
// every protection component.
type Settings struct {
	Enabled       bool     `yaml:"enabled"`
	FailOpen      bool     `yaml:"fail_open"`
	BypassHeaders []string `yaml:"bypass_headers"`

	Redis       RedisSettings       `yaml:"redis"`
	RateLimits  RateLimitSettings   `yaml:"rate_limits"`
	Dedup       DedupSettings       `yaml:"dedup"`
	Timeouts    TimeoutSettings     `yaml:"timeouts"`
	Behavior    ToggleSettings      `yaml:"behavior"`
	Anomaly     AnomalySettings     `yaml:"anomaly"`
	Reputation  ToggleSettings      `yaml:"reputation"`
	Breakers    BreakerSettings     `yaml:"circuit_breakers"`
	Loops       LoopSettings        `yaml:"loops"`
	Logging     LoggingSettings     `yaml:"logging"`
	Tracing     TracingSettings     `yaml:"tracing"`
}

// RedisSettings contains Redis connection parameters.
type RedisSettings struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitBucket defines one named sliding-window limit.
type RateLimitBucket struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	Enabled     bool          `yaml:"enabled"`
}

// RateLimitSettings groups the named limit buckets.
type RateLimitSettings struct {
	Global           RateLimitBucket `yaml:"global"`
	PerSession       RateLimitBucket `yaml:"per_session"`
	PerSessionHourly RateLimitBucket `yaml:"per_session_hourly"`
	PerEndpoint      RateLimitBucket `yaml:"per_endpoint"`
	TitleGeneration  RateLimitBucket `yaml:"title_generation"`
}

// DedupSettings contains deduplication TTLs per endpoint class.
type DedupSettings struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	AgentQueryTTL   time.Duration `yaml:"agent_query_ttl"`
	TitleTTL        time.Duration `yaml:"title_ttl"`
	CacheResponses  []string      `yaml:"cache_responses"` // endpoints with response caching
}

// TimeoutSettings contains the hierarchical timeout budget.
// Validation enforces AgentTotal >= AgentPhase >= LLMCall.
type TimeoutSettings struct {
	AgentTotal        time.Duration `yaml:"agent_total"`
	AgentPhase        time.Duration `yaml:"agent_phase"`
	LLMCall           time.Duration `yaml:"llm_call"`
	EmergencyShutdown time.Duration `yaml:"emergency_shutdown"`
}

// ToggleSettings is a simple enabled flag for an intelligent layer.
type ToggleSettings struct {
	Enabled bool `yaml:"enabled"`
}

// AnomalySettings configures the anomaly detector.
type AnomalySettings struct {
	Enabled   bool   `yaml:"enabled"`
	ModelPath string `yaml:"model_path"`
}

// BreakerSettings configures the smart circuit breakers.
type BreakerSettings struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	MinTestRequests  int           `yaml:"min_test_requests"`
}

// LoopSettings configures the background maintenance loops.
type LoopSettings struct {
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// LoggingSettings contains logging settings.
type LoggingSettings struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingSettings contains OpenTelemetry tracing settings.
type TracingSettings struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Enabled:  true,
		FailOpen: true,
		Redis: RedisSettings{
			URL:       "redis://localhost:6379/0",
			KeyPrefix: "guardrail",
		},
		RateLimits: RateLimitSettings{
			Global:           RateLimitBucket{MaxRequests: 1000, Window: time.Minute, Enabled: true},
			PerSession:       RateLimitBucket{MaxRequests: 10, Window: time.Minute, Enabled: true},
			PerSessionHourly: RateLimitBucket{MaxRequests: 100, Window: time.Hour, Enabled: true},
			PerEndpoint:      RateLimitBucket{MaxRequests: 50, Window: time.Minute, Enabled: true},
			TitleGeneration:  RateLimitBucket{MaxRequests: 1, Window: 5 * time.Minute, Enabled: true},
		},
		Dedup: DedupSettings{
			Enabled:       true,
			DefaultTTL:    5 * time.Minute,
			AgentQueryTTL: time.Minute,
			TitleTTL:      5 * time.Minute,
		},
		Timeouts: TimeoutSettings{
			AgentTotal:        300 * time.Second,
			AgentPhase:        120 * time.Second,
			LLMCall:           30 * time.Second,
			EmergencyShutdown: 600 * time.Second,
		},
		Behavior:   ToggleSettings{Enabled: true},
		Anomaly:    AnomalySettings{Enabled: true, ModelPath: "data/models"},
		Reputation: ToggleSettings{Enabled: true},
		Breakers: BreakerSettings{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 3,
			OpenTimeout:      60 * time.Second,
			MinTestRequests:  3,
		},
		Loops: LoopSettings{
			MonitoringInterval: time.Minute,
			CleanupInterval:    time.Hour,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingSettings{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "guardrail",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// FromEnv builds Settings from environment variables, starting from
// defaults. Unset variables keep their defaults.
func FromEnv() (*Settings, error) {
	s := DefaultSettings()

	s.Enabled = envBool("PROTECTION_ENABLED", s.Enabled)
	s.FailOpen = envBool("PROTECTION_FAIL_OPEN", s.FailOpen)
	if v := strings.TrimSpace(os.Getenv("PROTECTION_BYPASS_HEADERS")); v != "" {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				s.BypassHeaders = append(s.BypassHeaders, h)
			}
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		s.Redis.URL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		s.Redis.KeyPrefix = v
	}

	var err error
	if s.RateLimits.Global, err = envBucket("RATE_LIMIT_GLOBAL", s.RateLimits.Global); err != nil {
		return nil, err
	}
	if s.RateLimits.PerSession, err = envBucket("RATE_LIMIT_PER_SESSION", s.RateLimits.PerSession); err != nil {
		return nil, err
	}
	if s.RateLimits.PerSessionHourly, err = envBucket("RATE_LIMIT_PER_SESSION_HOURLY", s.RateLimits.PerSessionHourly); err != nil {
		return nil, err
	}
	if s.RateLimits.PerEndpoint, err = envBucket("RATE_LIMIT_PER_ENDPOINT", s.RateLimits.PerEndpoint); err != nil {
		return nil, err
	}
	if s.RateLimits.TitleGeneration, err = envBucket("RATE_LIMIT_TITLE_GENERATION", s.RateLimits.TitleGeneration); err != nil {
		return nil, err
	}

	s.Dedup.DefaultTTL = envSeconds("DEDUP_DEFAULT_TTL", s.Dedup.DefaultTTL)
	s.Dedup.AgentQueryTTL = envSeconds("DEDUP_AGENT_QUERY_TTL", s.Dedup.AgentQueryTTL)

	s.Timeouts.AgentTotal = envSeconds("TIMEOUT_AGENT_TOTAL", s.Timeouts.AgentTotal)
	s.Timeouts.AgentPhase = envSeconds("TIMEOUT_AGENT_PHASE", s.Timeouts.AgentPhase)
	s.Timeouts.LLMCall = envSeconds("TIMEOUT_LLM_CALL", s.Timeouts.LLMCall)
	s.Timeouts.EmergencyShutdown = envSeconds("TIMEOUT_EMERGENCY_SHUTDOWN", s.Timeouts.EmergencyShutdown)

	s.Behavior.Enabled = envBool("BEHAVIORAL_ANALYSIS_ENABLED", s.Behavior.Enabled)
	s.Anomaly.Enabled = envBool("ML_ANOMALY_DETECTION_ENABLED", s.Anomaly.Enabled)
	s.Reputation.Enabled = envBool("REPUTATION_SYSTEM_ENABLED", s.Reputation.Enabled)
	s.Breakers.Enabled = envBool("SMART_CIRCUIT_BREAKERS_ENABLED", s.Breakers.Enabled)

	if v := os.Getenv("ML_MODEL_PATH"); v != "" {
		s.Anomaly.ModelPath = v
	}

	s.Loops.MonitoringInterval = envSeconds("PROTECTION_MONITORING_INTERVAL", s.Loops.MonitoringInterval)
	s.Loops.CleanupInterval = envSeconds("PROTECTION_CLEANUP_INTERVAL", s.Loops.CleanupInterval)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFromFile reads YAML overrides on top of the given base settings.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string, base *Settings) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := *base
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings for errors.
func (s *Settings) Validate() error {
	if s.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}

	for name, b := range map[string]RateLimitBucket{
		"global":             s.RateLimits.Global,
		"per_session":        s.RateLimits.PerSession,
		"per_session_hourly": s.RateLimits.PerSessionHourly,
		"per_endpoint":       s.RateLimits.PerEndpoint,
		"title_generation":   s.RateLimits.TitleGeneration,
	} {
		if b.MaxRequests <= 0 {
			return fmt.Errorf("rate_limits.%s: max_requests must be positive", name)
		}
		if b.Window <= 0 {
			return fmt.Errorf("rate_limits.%s: window must be positive", name)
		}
	}

	if s.Dedup.DefaultTTL <= 0 {
		return fmt.Errorf("dedup.default_ttl must be positive")
	}

	// Deadlines must nest: total >= phase >= llm call.
	if s.Timeouts.AgentTotal < s.Timeouts.AgentPhase {
		return fmt.Errorf("timeouts: agent_total (%s) < agent_phase (%s)", s.Timeouts.AgentTotal, s.Timeouts.AgentPhase)
	}
	if s.Timeouts.AgentPhase < s.Timeouts.LLMCall {
		return fmt.Errorf("timeouts: agent_phase (%s) < llm_call (%s)", s.Timeouts.AgentPhase, s.Timeouts.LLMCall)
	}
	if s.Timeouts.EmergencyShutdown < s.Timeouts.AgentTotal {
		return fmt.Errorf("timeouts: emergency_shutdown (%s) < agent_total (%s)", s.Timeouts.EmergencyShutdown, s.Timeouts.AgentTotal)
	}

	if s.Breakers.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breakers.failure_threshold must be positive")
	}
	if s.Breakers.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breakers.success_threshold must be positive")
	}
	if s.Breakers.OpenTimeout <= 0 {
		return fmt.Errorf("circuit_breakers.open_timeout must be positive")
	}

	if s.Loops.MonitoringInterval <= 0 || s.Loops.CleanupInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}

	return nil
}

func envBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if strings.EqualFold(value, "true") || value == "1" {
		return true
	}
	if strings.EqualFold(value, "false") || value == "0" {
		return false
	}
	return defaultValue
}

func envSeconds(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return defaultValue
	}
	return time.Duration(secs) * time.Second
}

// envBucket parses "requests:window_seconds" bucket definitions.
func envBucket(key string, defaultValue RateLimitBucket) (RateLimitBucket, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}

	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return defaultValue, fmt.Errorf("%s: expected requests:window_seconds, got %q", key, value)
	}

	requests, err := strconv.Atoi(parts[0])
	if err != nil || requests <= 0 {
		return defaultValue, fmt.Errorf("%s: invalid request count %q", key, parts[0])
	}
	windowSecs, err := strconv.Atoi(parts[1])
	if err != nil || windowSecs <= 0 {
		return defaultValue, fmt.Errorf("%s: invalid window %q", key, parts[1])
	}

	return RateLimitBucket{
		MaxRequests: requests,
		Window:      time.Duration(windowSecs) * time.Second,
		Enabled:     defaultValue.Enabled,
	}, nil
}
