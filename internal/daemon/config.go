// Package daemon loads Covenant configuration and wires the custody engine,
// its journal, the verification services and the HTTP API into one process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/covenant-labs/covenant/internal/domain"
)

// Config is the full daemon configuration, read from config.toml.
type Config struct {
	API         APIConfig         `toml:"api"`
	Custody     CustodyConfig     `toml:"custody"`
	Storage     StorageConfig     `toml:"storage"`
	Verifier    VerifierConfig    `toml:"verifier"`
	Sweeper     SweeperConfig     `toml:"sweeper"`
	Auth        AuthConfig        `toml:"auth"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Log         LogConfig         `toml:"log"`
}

type APIConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"` // 0 disables
	RateLimitBurst int     `toml:"rate_limit_burst"`
	MaxUpload      string  `toml:"max_upload"` // e.g. "512MB"
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CustodyConfig seeds a fresh journal. Once a resolver is journaled, the
// journaled one wins.
type CustodyConfig struct {
	Resolver string        `toml:"resolver"`
	Assets   []AssetConfig `toml:"assets"`
}

// AssetConfig registers an asset at startup and names it for display.
type AssetConfig struct {
	Address  string `toml:"address"` // hex address or "native"
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres | pgx
	Path   string `toml:"path"`   // sqlite file, relative to home
	DSN    string `toml:"dsn"`
}

type VerifierConfig struct {
	Enabled               bool    `toml:"enabled"`
	BaseURL               string  `toml:"base_url"`
	APIKey                string  `toml:"api_key"`
	RPS                   float64 `toml:"rps"`
	Burst                 int     `toml:"burst"`
	MaxConcurrent         int     `toml:"max_concurrent"`
	Timeout               string  `toml:"timeout"`
	RequireSubjectPresent bool    `toml:"require_subject_present"`
}

type SweeperConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
}

type AuthConfig struct {
	Secret   string `toml:"secret"`
	TokenTTL string `toml:"token_ttl"`
}

type IdempotencyConfig struct {
	Backend       string `toml:"backend"` // memory | redis
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTL           string `toml:"ttl"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8742,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxUpload:      "512MB",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "covenant.db",
		},
		Verifier: VerifierConfig{
			Enabled:               true,
			BaseURL:               "https://vision-agent.api.reka.ai",
			RPS:                   2,
			Burst:                 4,
			MaxConcurrent:         4,
			Timeout:               "3m",
			RequireSubjectPresent: true,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: "1m",
		},
		Auth: AuthConfig{
			TokenTTL: "24h",
		},
		Idempotency: IdempotencyConfig{
			Backend:   "memory",
			RedisAddr: "127.0.0.1:6379",
			TTL:       "24h",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Home returns the Covenant home directory: $COVENANT_HOME or ~/.covenant.
func Home() string {
	if h := os.Getenv("COVENANT_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".covenant"
	}
	return filepath.Join(home, ".covenant")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COVENANT_JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("REKA_API_KEY"); v != "" {
		c.Verifier.APIKey = v
	}
	if v := os.Getenv("REKA_BASE_URL"); v != "" {
		c.Verifier.BaseURL = v
	}
	if v := os.Getenv("COVENANT_DATABASE_URL"); v != "" {
		c.Storage.DSN = v
		if c.Storage.Driver == "" || c.Storage.Driver == "sqlite" {
			c.Storage.Driver = "pgx"
		}
	}
	if v := os.Getenv("COVENANT_REDIS_ADDR"); v != "" {
		c.Idempotency.Backend = "redis"
		c.Idempotency.RedisAddr = v
	}
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	if c.Custody.Resolver != "" {
		if _, err := domain.ParsePrincipal(c.Custody.Resolver); err != nil {
			return fmt.Errorf("custody.resolver: %w", err)
		}
	}
	for i, a := range c.Custody.Assets {
		if _, err := domain.ParseAssetID(a.Address); err != nil {
			return fmt.Errorf("custody.assets[%d]: %w", i, err)
		}
		if a.Decimals < 0 || a.Decimals > 77 {
			return fmt.Errorf("custody.assets[%d]: decimals %d out of range", i, a.Decimals)
		}
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("idempotency.backend: unknown backend %q", c.Idempotency.Backend)
	}
	for name, v := range map[string]string{
		"verifier.timeout": c.Verifier.Timeout,
		"sweeper.interval": c.Sweeper.Interval,
		"auth.token_ttl":   c.Auth.TokenTTL,
		"idempotency.ttl":  c.Idempotency.TTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// StoragePath resolves the sqlite path against the home directory.
func (c Config) StoragePath() string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(Home(), c.Storage.Path)
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseByteSize parses sizes like "512MB" or "2GB". Empty or invalid input
// yields 512MB.
func parseByteSize(s string) int64 {
	const def = 512 << 20
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult, s = 1<<30, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult, s = 1<<20, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult, s = 1<<10, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n * mult
}
