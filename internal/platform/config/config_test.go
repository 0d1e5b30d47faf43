package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name, value string
		want        time.Duration
	}{
		{"unset", "", 7 * time.Second},
		{"duration", "250ms", 250 * time.Millisecond},
		{"bare_seconds", "30", 30 * time.Second},
		{"garbage", "soon", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := GetEnvDuration("TEST_DURATION", 7*time.Second); got != tt.want {
				t.Errorf("GetEnvDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"false", false},
		{"0", false},
		{"off", false},
		{"YES", true},
		{"maybe", true},
	}
	for _, tt := range tests {
		t.Setenv("TEST_BOOL", tt.value)
		if got := GetEnvBool("TEST_BOOL", true); got != tt.want {
			t.Errorf("GetEnvBool(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := GetEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d, want 42", got)
	}
	t.Setenv("TEST_INT", "x")
	if got := GetEnvInt("TEST_INT", 1); got != 1 {
		t.Errorf("GetEnvInt fallback = %d, want 1", got)
	}
}

func TestLoadRelay_defaults(t *testing.T) {
	for _, k := range []string{"RELAY_PATH", "RELAY_PUBLIC_URL", "RELAY_USER_AGENT", "RELAY_HEADER_TIMEOUT",
		"RELAY_MANIFEST_MAX_BYTES", "RELAY_API_CACHE_TTL", "RELAY_RATE_LIMIT_PER_MINUTE", "REDIS_URL"} {
		t.Setenv(k, "")
	}
	r := LoadRelay()
	if r.Path != "/relay" || r.UserAgent != "IPTVPlayer/1.0" {
		t.Errorf("unexpected defaults: %+v", r)
	}
	if r.ManifestMaxBytes != DefaultManifestMaxBytes {
		t.Errorf("ManifestMaxBytes = %d", r.ManifestMaxBytes)
	}
	if r.APICacheTTL != 0 || r.RateLimitPerMinute != 0 {
		t.Errorf("cache and rate limit should be off by default: %+v", r)
	}
	if r.Endpoint() != "/relay" {
		t.Errorf("Endpoint = %q", r.Endpoint())
	}
}

func TestLoadRelay_public_url(t *testing.T) {
	t.Setenv("RELAY_PUBLIC_URL", "https://player.example/relay")
	t.Setenv("RELAY_API_CACHE_TTL", "1m")
	r := LoadRelay()
	if r.Endpoint() != "https://player.example/relay" {
		t.Errorf("Endpoint = %q", r.Endpoint())
	}
	if r.APICacheTTL != time.Minute {
		t.Errorf("APICacheTTL = %v", r.APICacheTTL)
	}
}

func TestLoad_dotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PLAYBACK_RETRY_BUDGET=5\nPLAYBACK_STARTUP_TIMEOUT=3s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLAYBACK_RETRY_BUDGET", "")
	t.Setenv("PLAYBACK_STARTUP_TIMEOUT", "")
	os.Unsetenv("PLAYBACK_RETRY_BUDGET")
	os.Unsetenv("PLAYBACK_STARTUP_TIMEOUT")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := LoadPlayback()
	if p.RetryBudget != 5 || p.StartupTimeout != 3*time.Second {
		t.Errorf("LoadPlayback = %+v", p)
	}
}
