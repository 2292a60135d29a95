// Package config loads the proxy configuration: compiled defaults, then an
// optional config.json, then environment variables. Environment wins so a
// container deployment never needs the file.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Config is the full runtime configuration. JSON field names mirror the
// environment variable names in lower camel.
type Config struct {
	// Listener.
	WSPort         int      `json:"wsPort"`
	TLSDomain      string   `json:"tlsDomain"`
	AllowedOrigins []string `json:"allowedOrigins"`
	TrustProxy     bool     `json:"trustProxy"`

	// Default telnet target.
	TNHost                 string `json:"tnHost"`
	TNPort                 int    `json:"tnPort"`
	OnlyAllowDefaultServer bool   `json:"onlyAllowDefaultServer"`

	// Identity announced during telnet negotiation (TTYPE, MSDP).
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`

	// Session limits.
	SessionTimeoutHours int `json:"sessionTimeoutHours"`
	MaxPerDevice        int `json:"maxPerDevice"`
	MaxPerIP            int `json:"maxPerIP"`

	// Output buffer.
	BufferSizeKB int `json:"bufferSizeKB"`

	// Trigger rate limits and custom trigger file.
	PerTypePerMinute int    `json:"perTypePerMinute"`
	TotalPerHour     int    `json:"totalPerHour"`
	TriggersFile     string `json:"triggersFile"`

	// Push scheduling.
	SilentPushIntervalMs   int `json:"silentPushIntervalMs"`
	ActivityPushIntervalMs int `json:"activityPushIntervalMs"`
	ActivityAckTimeoutMs   int `json:"activityAckTimeoutMs"`
	FallbackCooldownMs     int `json:"fallbackCooldownMs"`
	MaxFallbacksPerHour    int `json:"maxFallbacksPerHour"`
	MaxSnippetLength       int `json:"maxSnippetLength"`

	// APNS credentials. All four must be set to enable real pushes;
	// otherwise the dry-run notifier is used.
	APNSKeyPath  string `json:"apnsKeyPath"`
	APNSKeyID    string `json:"apnsKeyId"`
	APNSTeamID   string `json:"apnsTeamId"`
	APNSBundleID string `json:"apnsBundleId"`
	APNSSandbox  bool   `json:"apnsSandbox"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		WSPort:                 6200,
		AllowedOrigins:         []string{"*"},
		TNHost:                 "localhost",
		TNPort:                 4000,
		ClientName:             "mudlink",
		ClientVersion:          "1.0",
		SessionTimeoutHours:    24,
		MaxPerDevice:           5,
		MaxPerIP:               10,
		BufferSizeKB:           50,
		PerTypePerMinute:       1,
		TotalPerHour:           10,
		TriggersFile:           "triggers.json",
		SilentPushIntervalMs:   1200000,
		ActivityPushIntervalMs: 120000,
		ActivityAckTimeoutMs:   15000,
		FallbackCooldownMs:     60000,
		MaxFallbacksPerHour:    6,
		MaxSnippetLength:       100,
	}
}

// Load merges defaults, the optional JSON file at path, and environment
// variables, in that order. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Printf("INFO: Config: %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		default:
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
			log.Printf("INFO: Config: loaded %s", path)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("WS_PORT", &c.WSPort)
	envString("TLS_DOMAIN", &c.TLSDomain)
	envBool("TRUST_PROXY", &c.TrustProxy)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		if len(origins) > 0 {
			c.AllowedOrigins = origins
		}
	}

	envString("TN_HOST", &c.TNHost)
	envInt("TN_PORT", &c.TNPort)
	envBool("ONLY_ALLOW_DEFAULT_SERVER", &c.OnlyAllowDefaultServer)

	envString("CLIENT_NAME", &c.ClientName)
	envString("CLIENT_VERSION", &c.ClientVersion)

	envInt("SESSION_TIMEOUT_HOURS", &c.SessionTimeoutHours)
	envInt("MAX_PER_DEVICE", &c.MaxPerDevice)
	envInt("MAX_PER_IP", &c.MaxPerIP)
	envInt("BUFFER_SIZE_KB", &c.BufferSizeKB)

	envInt("PER_TYPE_PER_MINUTE", &c.PerTypePerMinute)
	envInt("TOTAL_PER_HOUR", &c.TotalPerHour)
	envString("TRIGGERS_FILE", &c.TriggersFile)

	envInt("SILENT_PUSH_INTERVAL_MS", &c.SilentPushIntervalMs)
	envInt("ACTIVITY_PUSH_INTERVAL_MS", &c.ActivityPushIntervalMs)
	envInt("ACTIVITY_ACK_TIMEOUT_MS", &c.ActivityAckTimeoutMs)
	envInt("FALLBACK_COOLDOWN_MS", &c.FallbackCooldownMs)
	envInt("MAX_FALLBACKS_PER_HOUR", &c.MaxFallbacksPerHour)
	envInt("MAX_SNIPPET_LENGTH", &c.MaxSnippetLength)

	envString("APNS_KEY_PATH", &c.APNSKeyPath)
	envString("APNS_KEY_ID", &c.APNSKeyID)
	envString("APNS_TEAM_ID", &c.APNSTeamID)
	envString("APNS_BUNDLE_ID", &c.APNSBundleID)
	envBool("APNS_SANDBOX", &c.APNSSandbox)
}

// OriginAllowed checks an Origin header value against AllowedOrigins.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// APNSConfigured reports whether all APNS credentials are present.
func (c *Config) APNSConfigured() bool {
	return c.APNSKeyPath != "" && c.APNSKeyID != "" && c.APNSTeamID != "" && c.APNSBundleID != ""
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: Config: invalid %s=%q, keeping %d", name, v, *dst)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: Config: invalid %s=%q, keeping %t", name, v, *dst)
		return
	}
	*dst = b
}
