package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN_SECRET", secret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.LogLevel != "info" || !cfg.SecureCookies {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	core, err := cfg.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	if core.Session.Duration != 24*time.Hour || core.Token.AccessDuration != time.Hour {
		t.Fatalf("unexpected durations %+v", core.Token)
	}
	if core.Token.RefreshDuration != 7*24*time.Hour || core.Token.RefreshThreshold != 15*time.Minute {
		t.Fatalf("unexpected refresh settings %+v", core.Token)
	}
	if core.Lockout.MaxAttempts != 5 || core.Lockout.Duration != 30*time.Minute {
		t.Fatalf("unexpected lockout %+v", core.Lockout)
	}
	if core.Store.OperationTimeout != 250*time.Millisecond || core.Store.MaxRetries != 5 {
		t.Fatalf("unexpected store %+v", core.Store)
	}
	want := []ratelimit.Rule{{Limit: 60, Window: time.Minute}, {Limit: 1000, Window: time.Hour}}
	got := core.RateLimit.Rules.For(ratelimit.ClassDefault)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("default rules = %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN_SECRET", secret+"-new, "+secret)
	t.Setenv("SESSION_DURATION", "2d")
	t.Setenv("SESSION_IDLE_TIMEOUT", "0")
	t.Setenv("MAX_LOGIN_ATTEMPTS", "3")
	t.Setenv("RATE_LIMIT_ADMIN", "5/1s")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("SECURE_COOKIES", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" || cfg.SecureCookies {
		t.Fatalf("env not applied: %+v", cfg)
	}

	secrets := cfg.Secrets()
	if len(secrets) != 2 || string(secrets[0]) != secret+"-new" {
		t.Fatalf("secrets not split newest first: %q", secrets)
	}

	core, err := cfg.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	if core.Session.Duration != 48*time.Hour || core.Session.IdleTimeout != 0 {
		t.Fatalf("unexpected session %+v", core.Session)
	}
	if core.Lockout.MaxAttempts != 3 {
		t.Fatalf("attempts = %d", core.Lockout.MaxAttempts)
	}
	if rules := core.RateLimit.Rules.For(ratelimit.ClassAdmin); len(rules) != 1 || rules[0].Limit != 5 || rules[0].Window != time.Second {
		t.Fatalf("admin rules = %v", rules)
	}
	if cfg.Middleware(cfg.Logger(&bytes.Buffer{})).SecureCookies != cfg.SecureCookies {
		t.Fatal("middleware options do not follow SECURE_COOKIES")
	}
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessiond.yaml")
	body := strings.Join([]string{
		"TOKEN_SECRET: " + secret,
		"ACCESS_TOKEN_DURATION: 10m",
		"REFRESH_THRESHOLD: 2m",
		"JANITOR_INTERVAL: 30s",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	core, err := cfg.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	if core.Token.AccessDuration != 10*time.Minute || core.Token.RefreshThreshold != 2*time.Minute {
		t.Fatalf("file values not applied: %+v", core.Token)
	}

	jc, err := cfg.Janitor(cfg.Logger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if jc.Interval != 30*time.Second || jc.Retention != time.Hour {
		t.Fatalf("unexpected janitor config %+v", jc)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestCoreRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no secret", func(c *Config) { c.TokenSecret = "" }},
		{"short secret", func(c *Config) { c.TokenSecret = "short" }},
		{"bad duration", func(c *Config) { c.SessionDuration = "forever" }},
		{"negative duration", func(c *Config) { c.LockoutDuration = "-1m" }},
		{"bad rule", func(c *Config) { c.RateLimitDefault = "ten/1m" }},
		{"threshold beyond access lifetime", func(c *Config) { c.RefreshThreshold = "2h" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("TOKEN_SECRET", secret)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			if _, err := cfg.Core(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"7d":    7 * 24 * time.Hour,
		"0d":    0,
		"90m":   90 * time.Minute,
		"250ms": 250 * time.Millisecond,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Fatalf("ParseDuration(%q) = %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"d", "xd", "-1d", "soon"} {
		if _, err := ParseDuration(in); err == nil {
			t.Fatalf("ParseDuration(%q) should fail", in)
		}
	}
}

func TestLoggerSerializesWrites(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "info"}
	logger := cfg.Logger(&buf)

	const (
		writers = 8
		perEach = 50
	)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perEach; j++ {
				logger.Info().Int("writer", n).Int("seq", j).Msg("concurrent")
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != writers*perEach {
		t.Fatalf("expected %d lines, got %d", writers*perEach, len(lines))
	}
	for _, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("interleaved log line %q: %v", line, err)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "WARN"}
	logger := cfg.Logger(&buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
