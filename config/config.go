package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

type Config struct {
	Port          int           `toml:"port" env:"PORT"`
	DBPath        string        `toml:"db_path" env:"DB_PATH"`
	WriteTimeout  time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxLineBytes  int           `toml:"max_line_bytes" env:"MAX_LINE_BYTES"`
	ReplyUnknown  bool          `toml:"reply_unknown" env:"REPLY_UNKNOWN"`
	RequireAuth   bool          `toml:"require_auth" env:"REQUIRE_AUTH"`
	MetricsAddr   string        `toml:"metrics_addr" env:"METRICS_ADDR"`
	ControlSocket string        `toml:"control_socket" env:"CONTROL_SOCKET"`
	LogLevel      string        `toml:"log_level" env:"LOG_LEVEL"`
	LogFile       string        `toml:"log_file" env:"LOG_FILE"`
}

// EnvPrefix is prepended to every environment override, e.g. CHATRELAY_PORT.
const EnvPrefix = "CHATRELAY_"

func Default() *Config {
	return &Config{
		Port:          5222,
		DBPath:        "chatapp.db",
		WriteTimeout:  10 * time.Second,
		MaxLineBytes:  64 * 1024,
		ControlSocket: "/tmp/chatrelay.sock",
		LogLevel:      "info",
	}
}

// Load builds the configuration from defaults, the TOML file at path (skipped
// when path is empty) and CHATRELAY_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must be set"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_line_bytes must be positive, got %d", c.MaxLineBytes))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
