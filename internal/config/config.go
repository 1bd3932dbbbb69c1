package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the AgentRelay routing core.
type Config struct {
	Port         int
	Version      string
	Capabilities CapabilitiesConfig
	Completion   CompletionConfig
	Intent       IntentConfig
	Audit        AuditConfig
	Telemetry    TelemetryConfig
	Orchestrator OrchestratorConfig
	Health       HealthConfig
}

type CapabilitiesConfig struct {
	// File is the path to the hot-reloadable capability YAML document.
	File           string
	ReloadDebounce time.Duration
	// FailOnMissing makes startup fail when the capability file is absent
	// instead of serving an empty (fail-closed) document.
	FailOnMissing bool
}

type CompletionConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type IntentConfig struct {
	ConfidenceThreshold float64
}

type AuditConfig struct {
	// RedisAddr empty means audit records go to the structured log only.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type OrchestratorConfig struct {
	ApprovalTTL                 time.Duration
	RequireApprovalForRealWorld bool
}

type HealthConfig struct {
	ProbeInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTRELAY_PORT", 8080),
		Version: envStr("AGENTRELAY_VERSION", "0.2.0"),
		Capabilities: CapabilitiesConfig{
			File:           envStr("AGENTRELAY_CAPABILITIES_FILE", "capabilities.yaml"),
			ReloadDebounce: envDuration("AGENTRELAY_CAPABILITIES_DEBOUNCE", 300*time.Millisecond),
			FailOnMissing:  envBool("AGENTRELAY_CAPABILITIES_FAIL_ON_MISSING", false),
		},
		Completion: CompletionConfig{
			Endpoint:    envStr("AGENTRELAY_COMPLETION_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:      envStr("AGENTRELAY_COMPLETION_API_KEY", ""),
			Model:       envStr("AGENTRELAY_COMPLETION_MODEL", "gpt-4o-mini"),
			MaxTokens:   envInt("AGENTRELAY_COMPLETION_MAX_TOKENS", 256),
			Temperature: envFloat("AGENTRELAY_COMPLETION_TEMPERATURE", 0.0),
			Timeout:     envDuration("AGENTRELAY_COMPLETION_TIMEOUT", 30*time.Second),
		},
		Intent: IntentConfig{
			ConfidenceThreshold: envFloat("AGENTRELAY_INTENT_CONFIDENCE_THRESHOLD", 0.7),
		},
		Audit: AuditConfig{
			RedisAddr:     envStr("AGENTRELAY_AUDIT_REDIS_ADDR", ""),
			RedisPassword: envStr("AGENTRELAY_AUDIT_REDIS_PASSWORD", ""),
			RedisDB:       envInt("AGENTRELAY_AUDIT_REDIS_DB", 0),
			BufferSize:    envInt("AGENTRELAY_AUDIT_BUFFER_SIZE", 1000),
			BatchSize:     envInt("AGENTRELAY_AUDIT_BATCH_SIZE", 100),
			FlushInterval: envDuration("AGENTRELAY_AUDIT_FLUSH_INTERVAL", time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentrelay-core"),
		},
		Orchestrator: OrchestratorConfig{
			ApprovalTTL:                 envDuration("AGENTRELAY_APPROVAL_TTL", 15*time.Minute),
			RequireApprovalForRealWorld: envBool("AGENTRELAY_REQUIRE_APPROVAL_REAL_WORLD", true),
		},
		Health: HealthConfig{
			ProbeInterval: envDuration("AGENTRELAY_HEALTH_PROBE_INTERVAL", 30*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
