// Package config handles deployment-file and environment-based configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all settings for a relay node. Values come from the
// deployment YAML file (if any) with environment variables on top.
type EnvConfig struct {
	// Directories
	DataDir string

	// Backend
	BackendBaseURL string
	BackendTimeout time.Duration
	APICredential  string

	// SMS
	EmergencyNumber string

	// Connectivity
	ProbeURL      string
	ProbeTimeout  time.Duration
	CheckInterval time.Duration

	// Mesh
	GroupPassphrase string
	AckWait         time.Duration
	MulticastGroup  string
	IsResponder     bool

	// SessionSecret derives the local vault key for at-rest encryption.
	SessionSecret string

	// Retry and maintenance
	RetrySchedule     string
	ReceivedRetention time.Duration

	DeviceName string
}

// LoadEnvConfig reads the environment on top of an optional deployment file
// and returns a validated EnvConfig. Returns an error listing every invalid
// value rather than stopping at the first.
func LoadEnvConfig(file *FileConfig) (*EnvConfig, error) {
	if file == nil {
		file = &FileConfig{}
	}
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("BEACON_DATA_DIR", "/var/lib/beacon")

	// --- Backend ---
	cfg.BackendBaseURL = envStr("BEACON_BACKEND_BASE_URL", file.BackendBaseURL)
	cfg.BackendTimeout = envDuration("BEACON_BACKEND_TIMEOUT", 10*time.Second, &errs)
	cfg.APICredential = envStr("BEACON_API_CREDENTIAL", "")

	// --- SMS ---
	cfg.EmergencyNumber = strings.TrimSpace(envStr("BEACON_EMERGENCY_NUMBER", fallbackStr(file.EmergencyNumber, "112")))

	// --- Connectivity ---
	cfg.ProbeURL = envStr("BEACON_PROBE_URL", fallbackStr(file.ProbeURL, "https://www.gstatic.com/generate_204"))
	cfg.ProbeTimeout = envDuration("BEACON_PROBE_TIMEOUT", 5*time.Second, &errs)
	cfg.CheckInterval = envDuration("BEACON_CHECK_INTERVAL", 30*time.Second, &errs)

	// --- Mesh ---
	cfg.GroupPassphrase = envStr("BEACON_GROUP_PASSPHRASE", file.GroupPassphrase)
	cfg.AckWait = envDuration("BEACON_ACK_WAIT", fallbackDuration(file.AckWait, time.Minute), &errs)
	cfg.MulticastGroup = envStr("BEACON_MULTICAST_GROUP", "")
	cfg.IsResponder = envBool("BEACON_RESPONDER", false, &errs)
	cfg.SessionSecret = envStr("BEACON_SESSION_SECRET", "")

	// --- Retry and maintenance ---
	cfg.RetrySchedule = envStr("BEACON_RETRY_SCHEDULE", fallbackStr(file.RetrySchedule, "@every 5m"))
	cfg.ReceivedRetention = envDuration("BEACON_RECEIVED_RETENTION", fallbackDuration(file.ReceivedRetention, 72*time.Hour), &errs)

	cfg.DeviceName = envStr("BEACON_DEVICE_NAME", "")

	// --- Validation ---
	if cfg.BackendBaseURL == "" {
		errs = append(errs, "BEACON_BACKEND_BASE_URL must be set (env or deployment file)")
	} else if u, err := url.Parse(cfg.BackendBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("BEACON_BACKEND_BASE_URL: invalid URL %q (must be http or https)", cfg.BackendBaseURL))
	}
	if cfg.EmergencyNumber == "" {
		errs = append(errs, "BEACON_EMERGENCY_NUMBER must not be empty")
	}
	if _, err := url.Parse(cfg.ProbeURL); err != nil || cfg.ProbeURL == "" {
		errs = append(errs, fmt.Sprintf("BEACON_PROBE_URL: invalid URL %q", cfg.ProbeURL))
	}
	if _, err := cron.ParseStandard(cfg.RetrySchedule); err != nil {
		errs = append(errs, fmt.Sprintf("BEACON_RETRY_SCHEDULE: invalid cron expression %q: %v", cfg.RetrySchedule, err))
	}
	if cfg.BackendTimeout <= 0 {
		errs = append(errs, "BEACON_BACKEND_TIMEOUT must be positive")
	}
	if cfg.ProbeTimeout <= 0 {
		errs = append(errs, "BEACON_PROBE_TIMEOUT must be positive")
	}
	if cfg.CheckInterval <= 0 {
		errs = append(errs, "BEACON_CHECK_INTERVAL must be positive")
	}
	if cfg.AckWait <= 0 {
		errs = append(errs, "BEACON_ACK_WAIT must be positive")
	}
	if cfg.ReceivedRetention <= 0 {
		errs = append(errs, "BEACON_RECEIVED_RETENTION must be positive")
	}
	if cfg.SessionSecret == "" {
		errs = append(errs, "BEACON_SESSION_SECRET must be set (local vault key)")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
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

func fallbackStr(fromFile, defaultVal string) string {
	if fromFile != "" {
		return fromFile
	}
	return defaultVal
}

func fallbackDuration(fromFile Duration, defaultVal time.Duration) time.Duration {
	if fromFile > 0 {
		return fromFile.Std()
	}
	return defaultVal
}
