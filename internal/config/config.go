// Package config loads the relay's settings from defaults, an optional
// TOML file and SAGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configName = "sage"
	configType = "toml"
	envPrefix  = "SAGE"
)

// Backends and modes.
const (
	BackendOpenAI = "openai"
	BackendClaude = "claude"

	ModeStrategic = "strategic"
	ModeAlways    = "always"
)

// Config is the complete relay configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Triggers    TriggerConfig     `mapstructure:"triggers"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	Network       string `mapstructure:"network"`
	Address       string `mapstructure:"address"`
	HealthAddress string `mapstructure:"health_address"`
}

// LLMConfig selects and configures the generation backend.
type LLMConfig struct {
	Backend       string        `mapstructure:"backend"`
	Model         string        `mapstructure:"model"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	ClaudeCommand string        `mapstructure:"claude_command"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// FacilitatorConfig shapes the facilitator's turns.
type FacilitatorConfig struct {
	Mode              string        `mapstructure:"mode"`
	SystemPromptFile  string        `mapstructure:"system_prompt_file"`
	LexiconFile       string        `mapstructure:"lexicon_file"`
	ReadyDelay        time.Duration `mapstructure:"ready_delay"`
	InterventionDelay time.Duration `mapstructure:"intervention_delay"`
	StrategicDelayMin time.Duration `mapstructure:"strategic_delay_min"`
	StrategicDelayMax time.Duration `mapstructure:"strategic_delay_max"`
	NormalDelayMin    time.Duration `mapstructure:"normal_delay_min"`
	NormalDelayMax    time.Duration `mapstructure:"normal_delay_max"`
}

// TriggerConfig overrides the rule thresholds.
type TriggerConfig struct {
	InterventionStreak int           `mapstructure:"intervention_streak"`
	DominationStreak   int           `mapstructure:"domination_streak"`
	CheckinMessages    int           `mapstructure:"checkin_messages"`
	CheckinSilence     time.Duration `mapstructure:"checkin_silence"`
	SupportMessages    int           `mapstructure:"support_messages"`
}

// LimitsConfig bounds resource use.
type LimitsConfig struct {
	RateCapacity    int           `mapstructure:"rate_capacity"`
	RateRefill      int           `mapstructure:"rate_refill"`
	RatePeriod      time.Duration `mapstructure:"rate_period"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults lists every key so that environment overrides resolve.
var defaults = map[string]any{
	"server.network":        "tcp",
	"server.address":        "127.0.0.1:3001",
	"server.health_address": "127.0.0.1:3002",

	"llm.backend":        BackendOpenAI,
	"llm.model":          "gpt-3.5-turbo",
	"llm.base_url":       "https://api.openai.com/v1",
	"llm.api_key":        "",
	"llm.claude_command": "claude",
	"llm.timeout":        "30s",

	"facilitator.mode":                ModeStrategic,
	"facilitator.system_prompt_file":  "",
	"facilitator.lexicon_file":        "",
	"facilitator.ready_delay":         "1.5s",
	"facilitator.intervention_delay":  "1s",
	"facilitator.strategic_delay_min": "2s",
	"facilitator.strategic_delay_max": "4s",
	"facilitator.normal_delay_min":    "2s",
	"facilitator.normal_delay_max":    "5s",

	"triggers.intervention_streak": 2,
	"triggers.domination_streak":   3,
	"triggers.checkin_messages":    8,
	"triggers.checkin_silence":     "5m",
	"triggers.support_messages":    3,

	"limits.rate_capacity":    5,
	"limits.rate_refill":      1,
	"limits.rate_period":      "1s",
	"limits.idle_ttl":         "45m",
	"limits.cleanup_interval": "1m",
	"limits.queue_size":       64,

	"log.level":  "info",
	"log.format": "text",
}

// New returns a viper instance with defaults, config search paths and
// environment binding applied. path, when set, names the config file.
func New(path string) *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "SAGE_LLM_API_KEY", "OPENAI_API_KEY")
	return v
}

// Load reads configuration through v. A missing file is only an error
// when one was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Server.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("server.network must be tcp or unix, got %q", c.Server.Network)
	}
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}

	switch c.LLM.Backend {
	case BackendOpenAI:
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for the openai backend (set SAGE_LLM_API_KEY or OPENAI_API_KEY)")
		}
	case BackendClaude:
		if c.LLM.ClaudeCommand == "" {
			return errors.New("llm.claude_command is required for the claude backend")
		}
	default:
		return fmt.Errorf("llm.backend must be %s or %s, got %q", BackendOpenAI, BackendClaude, c.LLM.Backend)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive, got %s", c.LLM.Timeout)
	}

	switch c.Facilitator.Mode {
	case ModeStrategic, ModeAlways:
	default:
		return fmt.Errorf("facilitator.mode must be %s or %s, got %q", ModeStrategic, ModeAlways, c.Facilitator.Mode)
	}
	f := c.Facilitator
	for name, d := range map[string]time.Duration{
		"ready_delay":         f.ReadyDelay,
		"intervention_delay":  f.InterventionDelay,
		"strategic_delay_min": f.StrategicDelayMin,
		"normal_delay_min":    f.NormalDelayMin,
	} {
		if d < 0 {
			return fmt.Errorf("facilitator.%s cannot be negative", name)
		}
	}
	if f.StrategicDelayMax < f.StrategicDelayMin {
		return errors.New("facilitator.strategic_delay_max is below strategic_delay_min")
	}
	if f.NormalDelayMax < f.NormalDelayMin {
		return errors.New("facilitator.normal_delay_max is below normal_delay_min")
	}

	t := c.Triggers
	if t.InterventionStreak < 1 || t.DominationStreak < 1 || t.CheckinMessages < 1 || t.SupportMessages < 0 {
		return errors.New("trigger thresholds must be positive")
	}
	if t.CheckinSilence <= 0 {
		return errors.New("triggers.checkin_silence must be positive")
	}

	if c.Limits.IdleTTL <= 0 || c.Limits.CleanupInterval <= 0 {
		return errors.New("limits.idle_ttl and limits.cleanup_interval must be positive")
	}
	if c.Limits.RateCapacity > 0 && (c.Limits.RateRefill <= 0 || c.Limits.RatePeriod <= 0) {
		return errors.New("limits.rate_refill and limits.rate_period must be positive when rate limiting is enabled")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// TOML renders the configuration as a TOML document. The API key is
// redacted.
func (c *Config) TOML() ([]byte, error) {
	apiKey := ""
	if c.LLM.APIKey != "" {
		apiKey = "<redacted>"
	}

	doc := map[string]any{
		"server": map[string]any{
			"network":        c.Server.Network,
			"address":        c.Server.Address,
			"health_address": c.Server.HealthAddress,
		},
		"llm": map[string]any{
			"backend":        c.LLM.Backend,
			"model":          c.LLM.Model,
			"base_url":       c.LLM.BaseURL,
			"api_key":        apiKey,
			"claude_command": c.LLM.ClaudeCommand,
			"timeout":        c.LLM.Timeout.String(),
		},
		"facilitator": map[string]any{
			"mode":                c.Facilitator.Mode,
			"system_prompt_file":  c.Facilitator.SystemPromptFile,
			"lexicon_file":        c.Facilitator.LexiconFile,
			"ready_delay":         c.Facilitator.ReadyDelay.String(),
			"intervention_delay":  c.Facilitator.InterventionDelay.String(),
			"strategic_delay_min": c.Facilitator.StrategicDelayMin.String(),
			"strategic_delay_max": c.Facilitator.StrategicDelayMax.String(),
			"normal_delay_min":    c.Facilitator.NormalDelayMin.String(),
			"normal_delay_max":    c.Facilitator.NormalDelayMax.String(),
		},
		"triggers": map[string]any{
			"intervention_streak": c.Triggers.InterventionStreak,
			"domination_streak":   c.Triggers.DominationStreak,
			"checkin_messages":    c.Triggers.CheckinMessages,
			"checkin_silence":     c.Triggers.CheckinSilence.String(),
			"support_messages":    c.Triggers.SupportMessages,
		},
		"limits": map[string]any{
			"rate_capacity":    c.Limits.RateCapacity,
			"rate_refill":      c.Limits.RateRefill,
			"rate_period":      c.Limits.RatePeriod.String(),
			"idle_ttl":         c.Limits.IdleTTL.String(),
			"cleanup_interval": c.Limits.CleanupInterval.String(),
			"queue_size":       c.Limits.QueueSize,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
