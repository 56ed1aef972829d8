// Package config loads server settings from defaults, an optional YAML file
// and IDLECODE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"idlecode/internal/framer"
)

// Config holds server configuration.
type Config struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`

	Interpreter     string `yaml:"interpreter"`
	UnbufferedFlag  string `yaml:"unbuffered_flag"`
	InteractiveFlag string `yaml:"interactive_flag"`

	Quiescence     time.Duration `yaml:"quiescence"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	HistoryLimit   int           `yaml:"history_limit"`
	ObserverBuffer int           `yaml:"observer_buffer"`
	AutoRestart    bool          `yaml:"auto_restart"`
	RerunOnChange  bool          `yaml:"rerun_on_change"`
	WatchDebounce  time.Duration `yaml:"watch_debounce"`

	PromptRules []framer.RuleSpec `yaml:"prompt_rules"`
	LogLevel    string            `yaml:"log_level"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:            8420,
		Interpreter:     "python3",
		UnbufferedFlag:  "-u",
		InteractiveFlag: "-i",
		Quiescence:      50 * time.Millisecond,
		KillGrace:       5 * time.Second,
		HistoryLimit:    10000,
		ObserverBuffer:  256,
		AutoRestart:     true,
		WatchDebounce:   500 * time.Millisecond,
		PromptRules:     append([]framer.RuleSpec(nil), framer.DefaultRuleSpecs...),
		LogLevel:        "info",
	}
}

// DefaultPath returns ~/.config/idlecode/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "idlecode", "config.yaml"), nil
}

// Load builds the configuration. An explicit path must exist; when path is
// empty the default location is used if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := cfg.loadFromFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg.Path = path
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays IDLECODE_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("IDLECODE_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IDLECODE_PORT: %w", err)
		}
		c.Port = n
	}
	if v, ok := lookup("IDLECODE_STATIC_DIR"); ok {
		c.StaticDir = v
	}
	if v, ok := lookup("IDLECODE_INTERPRETER"); ok && v != "" {
		c.Interpreter = v
	}
	if v, ok := lookup("IDLECODE_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		return errors.New("interpreter must not be empty")
	}
	if c.Quiescence <= 0 {
		return fmt.Errorf("quiescence must be positive, got %s", c.Quiescence)
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("kill_grace must be positive, got %s", c.KillGrace)
	}
	if c.WatchDebounce <= 0 {
		return fmt.Errorf("watch_debounce must be positive, got %s", c.WatchDebounce)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be at least 1, got %d", c.HistoryLimit)
	}
	if c.ObserverBuffer < 1 {
		return fmt.Errorf("observer_buffer must be at least 1, got %d", c.ObserverBuffer)
	}
	if _, err := c.Matcher(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// InterpreterFlags returns the flags placed between the interpreter and the
// file to run. Empty flags are omitted.
func (c *Config) InterpreterFlags() []string {
	flags := []string{}
	for _, f := range []string{c.UnbufferedFlag, c.InteractiveFlag} {
		if f != "" {
			flags = append(flags, f)
		}
	}
	return flags
}

// Matcher compiles the prompt rules.
func (c *Config) Matcher() (*framer.Matcher, error) {
	m, err := framer.CompileRules(c.PromptRules)
	if err != nil {
		return nil, fmt.Errorf("prompt_rules: %w", err)
	}
	return m, nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
