package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort = 8766
	defaultRows = 24
	defaultCols = 80
)

type Config struct {
	Port         int    `yaml:"port"`
	Token        string `yaml:"token"`
	DataDir      string `yaml:"data_dir"`
	RecordingDir string `yaml:"recording_dir"`
	DBPath       string `yaml:"db_path"`
	Rows         int    `yaml:"rows"`
	Cols         int    `yaml:"cols"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg := &Config{
		Port:       defaultPort,
		DataDir:    filepath.Join(homeDir, ".local", "share", "ttycast"),
		Rows:       defaultRows,
		Cols:       defaultCols,
		ConfigPath: filepath.Join(homeDir, ".config", "ttycast", "config.yaml"),
	}

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for recordings and database")
	flag.IntVar(&cfg.Rows, "rows", cfg.Rows, "terminal rows for new sessions")
	flag.IntVar(&cfg.Cols, "cols", cfg.Cols, "terminal columns for new sessions")
	flag.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	flag.Parse()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills derived paths, validates values, and generates and
// persists a token when none is configured.
func (c *Config) applyDefaults() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.Rows < 1 || c.Cols < 1 {
		return fmt.Errorf("invalid terminal size %dx%d: rows and cols must be positive", c.Rows, c.Cols)
	}
	if c.RecordingDir == "" {
		c.RecordingDir = filepath.Join(c.DataDir, "recordings")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "ttycast.db")
	}

	if c.Token == "" {
		token, err := generateToken()
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		c.Token = token
		if err := c.saveToFile(); err != nil {
			return fmt.Errorf("failed to save config file: %w", err)
		}
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config %q: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
