package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port            int
	MasterSecret    string
	GinMode         string
	TLSCertFile     string
	TLSKeyFile      string
	TokenExpiry     time.Duration
	DatabaseURL     string
	PhonesStateFile string
	LogLevel        string
	LogPretty       bool
}

// fileConfig mirrors the optional TOML config file. Environment
// variables win over file values.
type fileConfig struct {
	Port            int    `toml:"port"`
	GinMode         string `toml:"gin_mode"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
	DatabaseURL     string `toml:"database_url"`
	PhonesStateFile string `toml:"phones_state_file"`
	LogLevel        string `toml:"log_level"`
	LogPretty       *bool  `toml:"log_pretty"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:        5000,
		GinMode:     "release",
		TokenExpiry: 7 * 24 * time.Hour,
		LogLevel:    "info",
	}

	if path := env.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}
	if raw := env.Getenv("DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := env.Getenv("PHONES_STATE_FILE"); raw != "" {
		cfg.PhonesStateFile = raw
	}
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_PRETTY"); raw != "" {
		pretty, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_PRETTY")
		}
		cfg.LogPretty = pretty
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var file fileConfig
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if file.Port != 0 {
		if file.Port < 0 || file.Port > 65535 {
			return fmt.Errorf("config file %s: invalid port", path)
		}
		cfg.Port = file.Port
	}
	if file.GinMode != "" {
		cfg.GinMode = file.GinMode
	}
	if file.TLSCertFile != "" {
		cfg.TLSCertFile = file.TLSCertFile
	}
	if file.TLSKeyFile != "" {
		cfg.TLSKeyFile = file.TLSKeyFile
	}
	if file.DatabaseURL != "" {
		cfg.DatabaseURL = file.DatabaseURL
	}
	if file.PhonesStateFile != "" {
		cfg.PhonesStateFile = file.PhonesStateFile
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.LogPretty != nil {
		cfg.LogPretty = *file.LogPretty
	}
	return nil
}
