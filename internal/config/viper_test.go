package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestInitViper_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowhook.yaml")
	content := "poll-timeout: 5s\nuser-data-encoding: base64\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	used, err := InitViper(v, path)
	if err != nil {
		t.Fatalf("InitViper: %v", err)
	}
	if used != path {
		t.Errorf("used = %q, want %q", used, path)
	}
	if got := v.GetDuration("poll-timeout"); got != 5*time.Second {
		t.Errorf("poll-timeout = %v", got)
	}
	if got := v.GetString("user-data-encoding"); got != "base64" {
		t.Errorf("user-data-encoding = %q", got)
	}
}

func TestInitViper_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowhook.yaml")
	if err := os.WriteFile(path, []byte("poll-interval: 3s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWHOOK_POLL_INTERVAL", "250ms")

	v := viper.New()
	if _, err := InitViper(v, path); err != nil {
		t.Fatalf("InitViper: %v", err)
	}
	if got := v.GetDuration("poll-interval"); got != 250*time.Millisecond {
		t.Errorf("poll-interval = %v, want env value", got)
	}
}

func TestInitViper_MissingFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	v := viper.New()
	used, err := InitViper(v, "")
	if err != nil {
		t.Errorf("missing default file should be ignored, got %v", err)
	}
	if used != "" {
		t.Errorf("used = %q, want empty", used)
	}

	v = viper.New()
	if _, err := InitViper(v, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicit missing file should be an error")
	}
}
