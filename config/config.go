// Package config loads the engine's configuration from file and
// environment. Languages are declared, not coded: a config entry names the
// backend kind and its command/toolchain templates, so adding a subprocess
// or container language is an edit to polyrun.yaml.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds a language entry may declare.
const (
	KindNative     = "native"
	KindEmbedded   = "embedded"
	KindSubprocess = "subprocess"
	KindContainer  = "container"
)

// Language declares one executable language. Which fields apply depends on
// Kind; Validate enforces the combinations.
type Language struct {
	Kind string `mapstructure:"kind"`

	// subprocess / container: command template with {file} and {args}
	// placeholders, plus the staged file's extension and the invocation
	// harness appended to block source.
	Command   []string `mapstructure:"command"`
	Extension string   `mapstructure:"extension"`
	Harness   string   `mapstructure:"harness"`

	// container only
	Image       string `mapstructure:"image"`
	Workdir     string `mapstructure:"workdir"`
	MemoryBytes int64  `mapstructure:"memory_bytes"`

	// native: toolchain command template with {src} and {out} placeholders.
	Toolchain []string `mapstructure:"toolchain"`

	// embedded: interpreter wasm on disk and its argv template with the
	// {boot} placeholder.
	Wasm string   `mapstructure:"wasm"`
	Argv []string `mapstructure:"argv"`
	Boot string   `mapstructure:"boot"`
}

// Config is the engine's full configuration.
type Config struct {
	CacheDir       string              `mapstructure:"cache_dir"`
	PoolSize       int                 `mapstructure:"pool_size"`
	DefaultTimeout time.Duration       `mapstructure:"default_timeout"`
	LogLevel       string              `mapstructure:"log_level"`
	Listen         string              `mapstructure:"listen"`
	RateLimit      float64             `mapstructure:"rate_limit"`
	Languages      map[string]Language `mapstructure:"languages"`
}

// Load reads configuration from the given file, or from polyrun.yaml in the
// working directory and ~/.config/polyrun when path is empty. POLYRUN_*
// environment variables override file values. A missing file is fine when no
// path was given; everything falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("pool_size", 8)
	v.SetDefault("default_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("listen", ":8080")
	v.SetDefault("rate_limit", 10)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("polyrun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/polyrun")
	}
	v.SetEnvPrefix("POLYRUN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that each language entry carries the fields its kind
// needs.
func (c *Config) Validate() error {
	for tag, lang := range c.Languages {
		switch lang.Kind {
		case KindNative:
			if len(lang.Toolchain) == 0 {
				return fmt.Errorf("language %s: native kind needs a toolchain", tag)
			}
		case KindEmbedded:
			if lang.Wasm == "" || len(lang.Argv) == 0 {
				return fmt.Errorf("language %s: embedded kind needs wasm and argv", tag)
			}
		case KindSubprocess:
			if len(lang.Command) == 0 {
				return fmt.Errorf("language %s: subprocess kind needs a command", tag)
			}
		case KindContainer:
			if len(lang.Command) == 0 || lang.Image == "" {
				return fmt.Errorf("language %s: container kind needs a command and an image", tag)
			}
		default:
			return fmt.Errorf("language %s: unknown kind %q", tag, lang.Kind)
		}
	}
	return nil
}
