// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port                 string
	FrontendURL          string
	DBPath               string
	MaxViolations        int
	TerminateOnThreshold bool
	PolicyPath           string
	AttemptDuration      time.Duration
	SweepInterval        time.Duration
	SignalRate           float64
	SignalBurst          int
	AuditLog             AuditLogConfig
	Policy               *Policy
}

// AuditLogConfig controls the NDJSON proctoring audit log.
type AuditLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables, then the optional
// policy file named by PROCTOR_POLICY_PATH.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		FrontendURL:          getEnv("FRONTEND_URL", ""),
		DBPath:               getEnv("DB_PATH", "./data/proctor.db"),
		MaxViolations:        getEnvInt("PROCTOR_MAX_VIOLATIONS", 0),
		TerminateOnThreshold: getEnvBool("PROCTOR_TERMINATE_ON_THRESHOLD", true),
		PolicyPath:           getEnv("PROCTOR_POLICY_PATH", ""),
		AttemptDuration:      getEnvDuration("ATTEMPT_DURATION", 60*time.Minute),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SignalRate:           getEnvFloat("SIGNAL_RATE", 50),
		SignalBurst:          getEnvInt("SIGNAL_BURST", 100),
		AuditLog: AuditLogConfig{
			Enabled:   getEnvBool("AUDIT_LOG_ENABLED", true),
			Dir:       getEnv("AUDIT_LOG_DIR", "./data/logs/proctor"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	policy := DefaultPolicy(cfg.MaxViolations)
	if cfg.PolicyPath != "" {
		loaded, err := LoadPolicy(cfg.PolicyPath, cfg.MaxViolations)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		policy = loaded
	}
	cfg.Policy = policy

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxViolations < 0 {
		return fmt.Errorf("PROCTOR_MAX_VIOLATIONS must be >= 0")
	}
	if c.AttemptDuration <= 0 {
		return fmt.Errorf("ATTEMPT_DURATION must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.SignalRate <= 0 || c.SignalBurst <= 0 {
		return fmt.Errorf("SIGNAL_RATE and SIGNAL_BURST must be > 0")
	}
	if c.AuditLog.Enabled && c.AuditLog.Dir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR cannot be empty")
	}
	if c.AuditLog.QueueSize <= 0 {
		return fmt.Errorf("AUDIT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// AllowedOrigins lists the origins the API answers cross-origin requests
// for. CORS_ALLOWED_ORIGINS is comma separated; without it the frontend URL
// is the only origin, and development accepts any origin.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) > 0 {
		return origins
	}
	if c.FrontendURL != "" && !c.IsDevelopment() {
		return []string{strings.TrimRight(c.FrontendURL, "/")}
	}
	return []string{"*"}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
