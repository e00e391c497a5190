// Package config loads the process-level settings of the chat client: where
// the backend lives, the credential, and the per-request options.
//
// Values are resolved by viper from (in increasing priority) defaults, an
// optional YAML file and CHATBRIDGE_* environment variables. Commands expose
// the result as the defaults of glazed sections, so flags override all of it.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatbridge/pkg/chat"
	"github.com/go-go-golems/chatbridge/pkg/reconnect"
)

const (
	EnvPrefix = "CHATBRIDGE"

	DefaultBaseURL     = "ws://localhost:8000"
	DefaultPath        = "/ws/chat"
	DefaultRedisAddr   = "localhost:6379"
	DefaultRedisStream = "chatbridge-frames"
)

type Settings struct {
	BaseURL string `mapstructure:"base-url"`
	Path    string `mapstructure:"path"`

	APIKey                string `mapstructure:"api-key"`
	Model                 string `mapstructure:"model"`
	Provider              string `mapstructure:"provider"`
	SystemPromptSuffix    string `mapstructure:"system-prompt-suffix"`
	OnlyNMostRecentImages int    `mapstructure:"only-n-most-recent-images"`
	MaxTokens             int    `mapstructure:"max-tokens"`

	ReconnectDelay       time.Duration `mapstructure:"reconnect-delay"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect-max-attempts"`

	Redis RedisSettings `mapstructure:",squash"`
}

// RedisSettings configures the optional frame mirror.
type RedisSettings struct {
	Enabled bool   `mapstructure:"redis-enabled"`
	Addr    string `mapstructure:"redis-addr"`
	Stream  string `mapstructure:"redis-stream"`
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// the backend's own examples use the provider's variable name
	_ = v.BindEnv("api-key", EnvPrefix+"_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("base-url", DefaultBaseURL)
	v.SetDefault("path", DefaultPath)
	v.SetDefault("api-key", "")
	v.SetDefault("model", "")
	v.SetDefault("provider", "")
	v.SetDefault("system-prompt-suffix", "")
	v.SetDefault("only-n-most-recent-images", 0)
	v.SetDefault("max-tokens", 0)
	v.SetDefault("reconnect-delay", reconnect.DefaultDelay)
	v.SetDefault("reconnect-max-attempts", 0)
	v.SetDefault("redis-enabled", false)
	v.SetDefault("redis-addr", DefaultRedisAddr)
	v.SetDefault("redis-stream", DefaultRedisStream)
}

func builtinDefaults() *Settings {
	s, err := Read(NewViper(), "")
	if err != nil {
		return &Settings{BaseURL: DefaultBaseURL, Path: DefaultPath, ReconnectDelay: reconnect.DefaultDelay}
	}
	return s
}

// Read reads the optional config file and decodes the settings without
// validating them.
func Read(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = NewViper()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	return &s, nil
}

// Load is Read followed by Validate.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	s, err := Read(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	u, err := url.Parse(strings.TrimSpace(s.BaseURL))
	if err != nil {
		return errors.Wrapf(err, "invalid base-url %q", s.BaseURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("base-url %q must use ws:// or wss://", s.BaseURL)
	}
	if u.Host == "" {
		return errors.Errorf("base-url %q has no host", s.BaseURL)
	}
	if s.OnlyNMostRecentImages < 0 {
		return errors.New("only-n-most-recent-images must not be negative")
	}
	if s.MaxTokens < 0 {
		return errors.New("max-tokens must not be negative")
	}
	if s.ReconnectDelay < 0 {
		return errors.New("reconnect-delay must not be negative")
	}
	if s.ReconnectMaxAttempts < 0 {
		return errors.New("reconnect-max-attempts must not be negative")
	}
	if s.Redis.Enabled && s.Redis.Addr == "" {
		return errors.New("redis-addr is required when redis-enabled is set")
	}
	return nil
}

// Endpoint joins the base address and the chat path.
func (s *Settings) Endpoint() string {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	path := strings.TrimSpace(s.Path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func (s *Settings) RequestConfig() chat.RequestConfig {
	return chat.RequestConfig{
		APIKey:                s.APIKey,
		Model:                 s.Model,
		Provider:              s.Provider,
		SystemPromptSuffix:    s.SystemPromptSuffix,
		OnlyNMostRecentImages: s.OnlyNMostRecentImages,
		MaxTokens:             s.MaxTokens,
	}
}

func (s *Settings) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{Delay: s.ReconnectDelay, MaxAttempts: s.ReconnectMaxAttempts}
}
