package config

import (
	"os"
	"path/filepath"
	"testing"
)

// clearConfigEnv blanks every key Load consults so host environments do
// not leak into the tests.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"HOST", "PORT", "DATA_DIR", "COPILOT_PATH", "MAX_SESSIONS",
		"INITIAL_COLS", "INITIAL_ROWS", "MIN_COLS", "MAX_COLS",
		"MIN_ROWS", "MAX_ROWS", "MAX_INPUT_CHARS_PER_MESSAGE",
		"WS_MAX_MESSAGE_BYTES", "ALLOW_NON_LOCALHOST",
		"LOG_FILE", "LOG_LEVEL", "MOCK_PTY",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 5000 {
		t.Fatalf("unexpected bind defaults: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.MaxSessions != 10 {
		t.Fatalf("MaxSessions = %d, want 10", cfg.MaxSessions)
	}
	if cfg.InitialCols != 120 || cfg.InitialRows != 30 {
		t.Fatalf("initial dims = %dx%d, want 120x30", cfg.InitialCols, cfg.InitialRows)
	}
	if cfg.MinCols != 20 || cfg.MaxCols != 300 || cfg.MinRows != 5 || cfg.MaxRows != 120 {
		t.Fatalf("unexpected resize bounds: %+v", cfg)
	}
	if cfg.MaxInputCharsPerMessage != 16384 {
		t.Fatalf("MaxInputCharsPerMessage = %d", cfg.MaxInputCharsPerMessage)
	}
	if cfg.WSMaxMessageBytes != 1048576 {
		t.Fatalf("WSMaxMessageBytes = %d", cfg.WSMaxMessageBytes)
	}
	if cfg.AllowNonLocalhost || cfg.MockPty {
		t.Fatal("boolean flags should default to false")
	}
	if cfg.CopilotPath != "copilot.exe" {
		t.Fatalf("CopilotPath = %s", cfg.CopilotPath)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "6001")
	t.Setenv("MAX_SESSIONS", "3")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("MOCK_PTY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6001 || cfg.MaxSessions != 3 || !cfg.MockPty {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

func TestLoadTomlFile(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	toml := "port = 7100\nmax_sessions = 5\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7100 || cfg.MaxSessions != 5 {
		t.Fatalf("toml values not applied: port=%d maxSessions=%d", cfg.Port, cfg.MaxSessions)
	}
}

func TestEnvOverridesToml(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("port = 7100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATA_DIR", dir)
	t.Setenv("PORT", "7200")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7200 {
		t.Fatalf("env should win over toml, got port=%d", cfg.Port)
	}
}

func TestValidateLocalhostBinding(t *testing.T) {
	cfg := defaults()
	if err := cfg.ValidateLocalhostBinding(); err != nil {
		t.Fatalf("default binding should be valid: %v", err)
	}

	cfg.Host = "0.0.0.0"
	if err := cfg.ValidateLocalhostBinding(); err == nil {
		t.Fatal("non-localhost bind without override should fail")
	}

	cfg.AllowNonLocalhost = true
	if err := cfg.ValidateLocalhostBinding(); err != nil {
		t.Fatalf("override should permit non-localhost bind: %v", err)
	}
}

func TestEnsureDirs(t *testing.T) {
	cfg := defaults()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.SessionsDir(), cfg.LogsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("dir %s not created: %v", dir, err)
		}
	}
}
