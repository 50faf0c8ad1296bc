package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the read-only application settings struct. Values come from an
// optional config.toml in the data directory, overridden by environment
// variables, with the defaults below.
type Config struct {
	// Server binding
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// Data directory (root for sessions/ and logs/)
	DataDir string `toml:"data_dir"`

	// Default child executable
	CopilotPath string `toml:"copilot_path"`

	// Session limits
	MaxSessions int `toml:"max_sessions"`

	// Terminal dimensions
	InitialCols int `toml:"initial_cols"`
	InitialRows int `toml:"initial_rows"`
	MinCols     int `toml:"min_cols"`
	MaxCols     int `toml:"max_cols"`
	MinRows     int `toml:"min_rows"`
	MaxRows     int `toml:"max_rows"`

	// Input limits
	MaxInputCharsPerMessage int `toml:"max_input_chars_per_message"`

	// WebSocket limits
	WSMaxMessageBytes int64 `toml:"ws_max_message_bytes"`

	// Security
	AllowNonLocalhost bool `toml:"allow_non_localhost"`

	// Logging
	LogFile  string `toml:"log_file"`
	LogLevel string `toml:"log_level"`

	// Testability seam: substitute the mock PTY for the real one.
	MockPty bool `toml:"mock_pty"`
}

func defaults() *Config {
	return &Config{
		Host:                    "127.0.0.1",
		Port:                    5000,
		DataDir:                 "./data",
		CopilotPath:             "copilot.exe",
		MaxSessions:             10,
		InitialCols:             120,
		InitialRows:             30,
		MinCols:                 20,
		MaxCols:                 300,
		MinRows:                 5,
		MaxRows:                 120,
		MaxInputCharsPerMessage: 16384,
		WSMaxMessageBytes:       1048576,
		AllowNonLocalhost:       false,
		LogFile:                 "./data/logs/app.jsonl",
		LogLevel:                "INFO",
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first (missing is fine), then config.toml under DATA_DIR, then
// environment variables override everything.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	// DATA_DIR decides where config.toml lives, so resolve it first.
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	tomlPath := filepath.Join(cfg.DataDir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", tomlPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s: %q", key, v)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s: %q", key, v)
			return
		}
		*dst = b
	}

	setStr("HOST", &cfg.Host)
	setInt("PORT", &cfg.Port)
	setStr("DATA_DIR", &cfg.DataDir)
	setStr("COPILOT_PATH", &cfg.CopilotPath)
	setInt("MAX_SESSIONS", &cfg.MaxSessions)
	setInt("INITIAL_COLS", &cfg.InitialCols)
	setInt("INITIAL_ROWS", &cfg.InitialRows)
	setInt("MIN_COLS", &cfg.MinCols)
	setInt("MAX_COLS", &cfg.MaxCols)
	setInt("MIN_ROWS", &cfg.MinRows)
	setInt("MAX_ROWS", &cfg.MaxRows)
	setInt("MAX_INPUT_CHARS_PER_MESSAGE", &cfg.MaxInputCharsPerMessage)
	if v := os.Getenv("WS_MAX_MESSAGE_BYTES"); v != "" && err == nil {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			return fmt.Errorf("invalid WS_MAX_MESSAGE_BYTES: %q", v)
		}
		cfg.WSMaxMessageBytes = n
	}
	setBool("ALLOW_NON_LOCALHOST", &cfg.AllowNonLocalhost)
	setStr("LOG_FILE", &cfg.LogFile)
	setStr("LOG_LEVEL", &cfg.LogLevel)
	setBool("MOCK_PTY", &cfg.MockPty)
	return err
}

// SessionsDir returns DATA_DIR/sessions.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// LogsDir returns DATA_DIR/logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ValidateLocalhostBinding rejects binding to anything but 127.0.0.1
// unless ALLOW_NON_LOCALHOST is set.
func (c *Config) ValidateLocalhostBinding() error {
	if c.Host != "127.0.0.1" && !c.AllowNonLocalhost {
		return fmt.Errorf(
			"server must bind to 127.0.0.1 unless ALLOW_NON_LOCALHOST=true, got HOST=%s", c.Host)
	}
	return nil
}

// EnsureDirs creates DATA_DIR, sessions/, and logs/.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.SessionsDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
