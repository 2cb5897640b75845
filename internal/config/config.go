// Package config provides application configuration management.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when the POOL_CONFIG environment variable is
// not set and no explicit path is given to Load.
const DefaultConfigPath = "config.yaml"

// Configuration upper bounds to prevent resource exhaustion or runaway
// background timers.
const (
	maxPoolSize         = 20
	maxQueueDepth        = 100
	minInactivityTimeout = 10 * time.Second
	maxInactivityTimeout = 2 * time.Hour
	minRateLimitRPM      = 1
	maxRateLimitRPM      = 10000
	minAPIKeyLength      = 16
)

// ServerConfig is the HTTP listener binding.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PoolConfig sizes the slot pool and its wait queue.
type PoolConfig struct {
	Size                int `yaml:"size"`
	InactivityTimeoutS  int `yaml:"inactivity_timeout_s"`
	MaxQueueDepth       int `yaml:"max_queue_depth"`
}

// BrowserConfig configures the persistent browser context shared by every slot.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	ChromeProfileDir    string `yaml:"chrome_profile_dir"`
	NavigationTimeoutMS int    `yaml:"navigation_timeout_ms"`
	NavigationRetries   int    `yaml:"navigation_retries"`
	ResponseTimeoutMS   int    `yaml:"response_timeout_ms"`
	BaseURL             string `yaml:"base_url"`
	GemURL              string `yaml:"gem_url"`
	PreferredModel      string `yaml:"preferred_model"`
	MaxFilesPerTurn     int    `yaml:"max_files_per_turn"`
}

// ResolvedProfileDir expands a leading ~ in ChromeProfileDir to the
// current user's home directory.
func (b BrowserConfig) ResolvedProfileDir() string {
	if !strings.HasPrefix(b.ChromeProfileDir, "~") {
		return b.ChromeProfileDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return b.ChromeProfileDir
	}
	return home + strings.TrimPrefix(b.ChromeProfileDir, "~")
}

// HealthConfig sets the background monitor intervals.
type HealthConfig struct {
	CheckIntervalS           int `yaml:"check_interval_s"`
	InactivityCheckIntervalS int `yaml:"inactivity_check_interval_s"`
}

// LoggingConfig controls the rotating file logger.
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	Level         string `yaml:"level"`
	ErrorLevel    string `yaml:"error_level"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb"`
	BackupCount   int    `yaml:"backup_count"`
}

// ResolvedDir expands a leading ~ in Dir to the current user's home
// directory, mirroring BrowserConfig.ResolvedProfileDir.
func (l LoggingConfig) ResolvedDir() string {
	if !strings.HasPrefix(l.Dir, "~") {
		return l.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return l.Dir
	}
	return home + strings.TrimPrefix(l.Dir, "~")
}

// SecurityConfig is ambient HTTP-surface hardening; it has no analogue in
// the original single-operator tool but is carried so the server isn't
// bare when exposed beyond localhost.
type SecurityConfig struct {
	APIKeyEnabled      bool     `yaml:"api_key_enabled"`
	APIKey             string   `yaml:"api_key"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimitEnabled   bool     `yaml:"rate_limit_enabled"`
	RateLimitRPM       int      `yaml:"rate_limit_rpm"`
	TrustProxy         bool     `yaml:"trust_proxy"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config aggregates every configuration section. Treat it as read-only
// after Load returns; nothing in the service mutates a live Config.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Browser  BrowserConfig  `yaml:"browser"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9200,
		},
		Pool: PoolConfig{
			Size:               4,
			InactivityTimeoutS: 300,
			MaxQueueDepth:      10,
		},
		Browser: BrowserConfig{
			Headless:            false,
			ChromeProfileDir:    "~/.gemini-session-pool/user_data",
			NavigationTimeoutMS: 30_000,
			NavigationRetries:   3,
			ResponseTimeoutMS:   2_400_000,
			BaseURL:             "https://gemini.google.com/app",
			GemURL:              "https://gemini.google.com/gem/27117b3dc0da",
			PreferredModel:      "Pro",
			MaxFilesPerTurn:     9,
		},
		Health: HealthConfig{
			CheckIntervalS:           60,
			InactivityCheckIntervalS: 30,
		},
		Logging: LoggingConfig{
			Dir:           "~/.gemini-session-pool/logs",
			Level:         "info",
			ErrorLevel:    "debug",
			MaxFileSizeMB: 50,
			BackupCount:   5,
		},
		Security: SecurityConfig{
			APIKeyEnabled:    false,
			RateLimitEnabled: true,
			RateLimitRPM:     60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the YAML configuration file at path, merging it over the
// defaults. A missing file is not an error: it is treated the same as an
// empty file, matching the original loader's behavior of falling back to
// defaults when no config.yaml exists yet. Unknown keys are ignored by
// yaml.v3's default unmarshal behavior; missing keys simply keep their
// default value since decoding targets an already-defaulted struct.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnvString("POOL_CONFIG", DefaultConfigPath)
	}

	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("config file not found, using defaults")
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks configuration values and corrects out-of-range ones in
// place, logging a warning for every correction rather than failing
// startup over a bad bound.
func (c *Config) Validate() {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		log.Warn().Int("port", c.Server.Port).Msg("invalid server port, using default 9200")
		c.Server.Port = 9200
	}

	if c.Pool.Size < 1 {
		log.Warn().Int("size", c.Pool.Size).Msg("invalid pool size, using default 4")
		c.Pool.Size = 4
	} else if c.Pool.Size > maxPoolSize {
		log.Warn().
			Int("size", c.Pool.Size).
			Int("max", maxPoolSize).
			Msg("pool size too large, capping to maximum")
		c.Pool.Size = maxPoolSize
	}

	if c.Pool.MaxQueueDepth < 0 {
		log.Warn().Int("depth", c.Pool.MaxQueueDepth).Msg("invalid max queue depth, using default 10")
		c.Pool.MaxQueueDepth = 10
	} else if c.Pool.MaxQueueDepth > maxQueueDepth {
		log.Warn().
			Int("depth", c.Pool.MaxQueueDepth).
			Int("max", maxQueueDepth).
			Msg("max queue depth too large, capping to maximum")
		c.Pool.MaxQueueDepth = maxQueueDepth
	}

	inactivity := time.Duration(c.Pool.InactivityTimeoutS) * time.Second
	if inactivity < minInactivityTimeout {
		log.Warn().
			Int("inactivity_timeout_s", c.Pool.InactivityTimeoutS).
			Msg("inactivity timeout too short, using default 300s")
		c.Pool.InactivityTimeoutS = 300
	} else if inactivity > maxInactivityTimeout {
		log.Warn().
			Int("inactivity_timeout_s", c.Pool.InactivityTimeoutS).
			Msg("inactivity timeout too long, capping to 2h")
		c.Pool.InactivityTimeoutS = int(maxInactivityTimeout.Seconds())
	}

	if c.Browser.NavigationTimeoutMS < 1000 {
		log.Warn().
			Int("navigation_timeout_ms", c.Browser.NavigationTimeoutMS).
			Msg("navigation timeout too short, using default 30000ms")
		c.Browser.NavigationTimeoutMS = 30_000
	}

	if c.Browser.NavigationRetries < 0 {
		log.Warn().Int("retries", c.Browser.NavigationRetries).Msg("invalid navigation retries, using default 3")
		c.Browser.NavigationRetries = 3
	} else if c.Browser.NavigationRetries > 10 {
		log.Warn().
			Int("retries", c.Browser.NavigationRetries).
			Msg("navigation retries too high, capping to 10")
		c.Browser.NavigationRetries = 10
	}

	if c.Browser.ResponseTimeoutMS < 1000 {
		log.Warn().
			Int("response_timeout_ms", c.Browser.ResponseTimeoutMS).
			Msg("response timeout too short, using default 2400000ms")
		c.Browser.ResponseTimeoutMS = 2_400_000
	}

	if c.Browser.GemURL == "" {
		log.Warn().Msg("browser.gem_url is empty, the driver will fail to navigate")
	} else if !strings.HasPrefix(c.Browser.GemURL, "https://") {
		log.Warn().Str("gem_url", c.Browser.GemURL).Msg("browser.gem_url should use https://")
	}

	if c.Browser.MaxFilesPerTurn < 0 {
		log.Warn().Int("max_files_per_turn", c.Browser.MaxFilesPerTurn).Msg("invalid max files per turn, using default 9")
		c.Browser.MaxFilesPerTurn = 9
	} else if c.Browser.MaxFilesPerTurn > 9 {
		log.Warn().
			Int("max_files_per_turn", c.Browser.MaxFilesPerTurn).
			Msg("max files per turn exceeds the protocol ceiling, capping to 9")
		c.Browser.MaxFilesPerTurn = 9
	}

	if c.Health.CheckIntervalS < 1 {
		log.Warn().Int("check_interval_s", c.Health.CheckIntervalS).Msg("invalid health check interval, using default 60s")
		c.Health.CheckIntervalS = 60
	}
	if c.Health.InactivityCheckIntervalS < 1 {
		log.Warn().
			Int("inactivity_check_interval_s", c.Health.InactivityCheckIntervalS).
			Msg("invalid inactivity check interval, using default 30s")
		c.Health.InactivityCheckIntervalS = 30
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		log.Warn().Str("level", c.Logging.Level).Msg("invalid logging level, using 'info'")
		c.Logging.Level = "info"
	}
	if !validLogLevels[strings.ToLower(c.Logging.ErrorLevel)] {
		log.Warn().Str("level", c.Logging.ErrorLevel).Msg("invalid logging error_level, using 'debug'")
		c.Logging.ErrorLevel = "debug"
	}
	if c.Logging.MaxFileSizeMB < 1 {
		log.Warn().Int("mb", c.Logging.MaxFileSizeMB).Msg("invalid max_file_size_mb, using default 50")
		c.Logging.MaxFileSizeMB = 50
	}
	if c.Logging.BackupCount < 0 {
		log.Warn().Int("count", c.Logging.BackupCount).Msg("invalid backup_count, using default 5")
		c.Logging.BackupCount = 5
	}

	if c.Security.RateLimitEnabled {
		if c.Security.RateLimitRPM < minRateLimitRPM {
			log.Warn().Int("rpm", c.Security.RateLimitRPM).Msg("invalid rate limit, using 60 RPM")
			c.Security.RateLimitRPM = 60
		} else if c.Security.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.Security.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("rate limit too high, capping to maximum")
			c.Security.RateLimitRPM = maxRateLimitRPM
		}
	}

	if len(c.Security.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("security.cors_allowed_origins not set - allowing all origins")
	}

	if c.Security.APIKeyEnabled {
		switch {
		case c.Security.APIKey == "":
			log.Error().Msg("security.api_key_enabled is true but api_key is empty - requests without an API key will be accepted")
		case len(c.Security.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.Security.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("security.api_key is too short for secure authentication")
		}
	}
}
