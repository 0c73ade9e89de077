// Package config loads the signaling server's environment-driven settings.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds every setting read from the environment at startup.
type EnvConfig struct {
	// Transport
	ListenAddr        string
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TrustProxyHeaders bool

	// Moderation
	ReportThreshold int
	BanDuration     time.Duration

	// Moderation feed (disabled when NATSURL is empty)
	NATSURL           string
	NATSSubjectPrefix string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// All invalid values are reported together in the returned error.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Transport ---
	cfg.ListenAddr = strings.TrimSpace(envStr("LISTEN_ADDR", ":3001"))
	cfg.WorkerPoolSize = envInt("WORKER_POOL_SIZE", 256, &errs)
	cfg.MaxConnections = envInt("MAX_CONNECTIONS", 100000, &errs)
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 10*time.Second, &errs)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second, &errs)
	cfg.SendQueueSize = envInt("SEND_QUEUE_SIZE", 64, &errs)
	cfg.MaxMessageSize = int64(envInt("MAX_MESSAGE_SIZE", 64<<10, &errs))
	cfg.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", 30*time.Second, &errs)
	cfg.HeartbeatTimeout = envDuration("HEARTBEAT_TIMEOUT", 10*time.Second, &errs)
	cfg.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS", false, &errs)

	// --- Moderation ---
	cfg.ReportThreshold = envInt("REPORT_THRESHOLD", 3, &errs)
	cfg.BanDuration = envDuration("BAN_DURATION", 15*time.Minute, &errs)

	// --- Feed ---
	cfg.NATSURL = strings.TrimSpace(envStr("NATS_URL", ""))
	cfg.NATSSubjectPrefix = strings.TrimSpace(envStr("NATS_SUBJECT_PREFIX", "signaling.moderation"))

	// --- Validation ---
	if cfg.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR must not be empty")
	} else if _, port, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		errs = append(errs, fmt.Sprintf("LISTEN_ADDR: invalid address %q: %v", cfg.ListenAddr, err))
	} else if n, err := strconv.Atoi(port); err != nil {
		errs = append(errs, fmt.Sprintf("LISTEN_ADDR: invalid port %q", port))
	} else {
		validatePort("LISTEN_ADDR", n, &errs)
	}

	validatePositive("WORKER_POOL_SIZE", cfg.WorkerPoolSize, &errs)
	validatePositive("MAX_CONNECTIONS", cfg.MaxConnections, &errs)
	validatePositive("SEND_QUEUE_SIZE", cfg.SendQueueSize, &errs)
	validatePositive("MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize), &errs)
	validatePositive("REPORT_THRESHOLD", cfg.ReportThreshold, &errs)
	validatePositiveDuration("READ_TIMEOUT", cfg.ReadTimeout, &errs)
	validatePositiveDuration("WRITE_TIMEOUT", cfg.WriteTimeout, &errs)
	validatePositiveDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, &errs)
	validatePositiveDuration("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout, &errs)
	validatePositiveDuration("BAN_DURATION", cfg.BanDuration, &errs)

	if cfg.NATSURL != "" && cfg.NATSSubjectPrefix == "" {
		errs = append(errs, "NATS_SUBJECT_PREFIX must not be empty when NATS_URL is set")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// FeedEnabled reports whether moderation events should be published.
func (c *EnvConfig) FeedEnabled() bool {
	return c.NATSURL != ""
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
