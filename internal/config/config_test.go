package config_test

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sage/internal/config"
)

func load(t *testing.T, path string) (*config.Config, error) {
	t.Helper()
	return config.Load(config.New(path))
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := load(t, "")
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Server.Network)
	assert.Equal(t, "127.0.0.1:3001", cfg.Server.Address)
	assert.Equal(t, config.BackendOpenAI, cfg.LLM.Backend)
	assert.Equal(t, "gpt-3.5-turbo", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, config.ModeStrategic, cfg.Facilitator.Mode)
	assert.Equal(t, 1500*time.Millisecond, cfg.Facilitator.ReadyDelay)
	assert.Equal(t, 5*time.Minute, cfg.Triggers.CheckinSilence)
	assert.Equal(t, 8, cfg.Triggers.CheckinMessages)
	assert.Equal(t, 5, cfg.Limits.RateCapacity)
	assert.Equal(t, 45*time.Minute, cfg.Limits.IdleTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeFile(t, "sage.toml", `
[server]
network = "unix"
address = "/tmp/sage.sock"

[llm]
backend = "claude"
model = "haiku"
timeout = "10s"

[facilitator]
mode = "always"
ready_delay = "250ms"

[triggers]
domination_streak = 4

[log]
level = "debug"
format = "json"
`)
	t.Setenv("SAGE_LIMITS_RATE_CAPACITY", "0")
	t.Setenv("SAGE_TRIGGERS_CHECKIN_MESSAGES", "12")

	cfg, err := load(t, path)
	require.NoError(t, err)

	assert.Equal(t, "unix", cfg.Server.Network)
	assert.Equal(t, "/tmp/sage.sock", cfg.Server.Address)
	assert.Equal(t, config.BackendClaude, cfg.LLM.Backend)
	assert.Equal(t, "haiku", cfg.LLM.Model)
	assert.Equal(t, 10*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, config.ModeAlways, cfg.Facilitator.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Facilitator.ReadyDelay)
	assert.Equal(t, 4, cfg.Triggers.DominationStreak)
	assert.Equal(t, 12, cfg.Triggers.CheckinMessages)
	assert.Equal(t, 0, cfg.Limits.RateCapacity)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	t.Run("explicit file missing", func(t *testing.T) {
		_, err := load(t, filepath.Join(t.TempDir(), "absent.toml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("malformed toml", func(t *testing.T) {
		_, err := load(t, writeFile(t, "bad.toml", "[server\naddress ="))
		require.Error(t, err)
	})

	t.Run("openai without key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("SAGE_LLM_API_KEY", "")
		_, err := load(t, writeFile(t, "sage.toml", "[llm]\nbackend = \"openai\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm.api_key is required")
	})
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := load(t, writeFile(t, "sage.toml", "[llm]\nbackend = \"claude\"\n"))
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		errContains string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"bad network", func(c *config.Config) { c.Server.Network = "udp" }, "server.network"},
		{"empty address", func(c *config.Config) { c.Server.Address = "" }, "server.address"},
		{"bad backend", func(c *config.Config) { c.LLM.Backend = "gemini" }, "llm.backend"},
		{"zero timeout", func(c *config.Config) { c.LLM.Timeout = 0 }, "llm.timeout"},
		{"bad mode", func(c *config.Config) { c.Facilitator.Mode = "chatty" }, "facilitator.mode"},
		{"negative delay", func(c *config.Config) { c.Facilitator.ReadyDelay = -time.Second }, "ready_delay"},
		{"inverted range", func(c *config.Config) { c.Facilitator.NormalDelayMax = time.Millisecond }, "normal_delay_max"},
		{"zero streak", func(c *config.Config) { c.Triggers.DominationStreak = 0 }, "thresholds"},
		{"zero silence", func(c *config.Config) { c.Triggers.CheckinSilence = 0 }, "checkin_silence"},
		{"zero ttl", func(c *config.Config) { c.Limits.IdleTTL = 0 }, "idle_ttl"},
		{"rate without refill", func(c *config.Config) { c.Limits.RateRefill = 0 }, "rate_refill"},
		{"rate disabled", func(c *config.Config) { c.Limits.RateCapacity = 0; c.Limits.RateRefill = 0 }, ""},
		{"bad level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := config.ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = config.ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = config.ParseLevel("verbose")
	assert.Error(t, err)
}

func TestTOMLRedactsKey(t *testing.T) {
	cfg := validConfig(t)
	cfg.LLM.APIKey = "sk-secret"

	out, err := cfg.TOML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-secret")

	var doc map[string]map[string]any
	require.NoError(t, toml.Unmarshal(out, &doc))
	assert.Equal(t, "<redacted>", doc["llm"]["api_key"])
	assert.Equal(t, "1.5s", doc["facilitator"]["ready_delay"])
	assert.Equal(t, "claude", doc["llm"]["backend"])
}
