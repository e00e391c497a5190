package config

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatbridge/pkg/reconnect"
)

const (
	ConnectionSlug = "connection"
	RedisSlug      = "redis"
)

// connectionValues is the glazed view of the connection section. Durations
// travel as strings so they accept the same "250ms" syntax as the config file.
type connectionValues struct {
	BaseURL               string `glazed:"base-url"`
	Path                  string `glazed:"path"`
	APIKey                string `glazed:"api-key"`
	Model                 string `glazed:"model"`
	Provider              string `glazed:"provider"`
	SystemPromptSuffix    string `glazed:"system-prompt-suffix"`
	OnlyNMostRecentImages int    `glazed:"only-n-most-recent-images"`
	MaxTokens             int    `glazed:"max-tokens"`
	ReconnectDelay        string `glazed:"reconnect-delay"`
	ReconnectMaxAttempts  int    `glazed:"reconnect-max-attempts"`
}

type redisValues struct {
	Enabled bool   `glazed:"redis-enabled"`
	Addr    string `glazed:"redis-addr"`
	Stream  string `glazed:"redis-stream"`
}

// NewConnectionSection describes the backend connection flags. defaults
// usually comes from Read, so a config file and the environment show up as
// flag defaults.
func NewConnectionSection(defaults *Settings) (schema.Section, error) {
	if defaults == nil {
		defaults = builtinDefaults()
	}
	return schema.NewSection(
		ConnectionSlug,
		"Chat backend connection",
		schema.WithFields(
			fields.New("base-url", fields.TypeString,
				fields.WithHelp("Chat backend address (ws:// or wss://)"),
				fields.WithDefault(defaults.BaseURL)),
			fields.New("path", fields.TypeString,
				fields.WithHelp("Chat endpoint path"),
				fields.WithDefault(defaults.Path)),
			fields.New("api-key", fields.TypeString,
				fields.WithHelp("API key sent with every request (env CHATBRIDGE_API_KEY or ANTHROPIC_API_KEY)"),
				fields.WithDefault(defaults.APIKey)),
			fields.New("model", fields.TypeString,
				fields.WithHelp("Model requested from the backend"),
				fields.WithDefault(defaults.Model)),
			fields.New("provider", fields.TypeString,
				fields.WithHelp("Provider requested from the backend"),
				fields.WithDefault(defaults.Provider)),
			fields.New("system-prompt-suffix", fields.TypeString,
				fields.WithHelp("Text appended to the backend's system prompt"),
				fields.WithDefault(defaults.SystemPromptSuffix)),
			fields.New("only-n-most-recent-images", fields.TypeInteger,
				fields.WithHelp("Ask the backend to keep only the N most recent screenshots (0 = backend default)"),
				fields.WithDefault(defaults.OnlyNMostRecentImages)),
			fields.New("max-tokens", fields.TypeInteger,
				fields.WithHelp("Maximum tokens per response (0 = backend default)"),
				fields.WithDefault(defaults.MaxTokens)),
			fields.New("reconnect-delay", fields.TypeString,
				fields.WithHelp("Delay between connection attempts"),
				fields.WithDefault(defaults.ReconnectDelay.String())),
			fields.New("reconnect-max-attempts", fields.TypeInteger,
				fields.WithHelp("Give up after this many consecutive failed attempts (0 = never)"),
				fields.WithDefault(defaults.ReconnectMaxAttempts)),
		),
	)
}

// NewRedisSection describes the optional frame mirror.
func NewRedisSection(defaults *Settings) (schema.Section, error) {
	if defaults == nil {
		defaults = builtinDefaults()
	}
	return schema.NewSection(
		RedisSlug,
		"Redis Streams frame mirror",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithHelp("Mirror frames to a Redis stream"),
				fields.WithDefault(defaults.Redis.Enabled)),
			fields.New("redis-addr", fields.TypeString,
				fields.WithHelp("Redis address host:port"),
				fields.WithDefault(defaults.Redis.Addr)),
			fields.New("redis-stream", fields.TypeString,
				fields.WithHelp("Redis stream receiving mirrored frames"),
				fields.WithDefault(defaults.Redis.Stream)),
		),
	)
}

// NewSections returns every section a command talking to the backend needs.
func NewSections(defaults *Settings) ([]schema.Section, error) {
	conn, err := NewConnectionSection(defaults)
	if err != nil {
		return nil, errors.Wrap(err, "connection section")
	}
	redis, err := NewRedisSection(defaults)
	if err != nil {
		return nil, errors.Wrap(err, "redis section")
	}
	return []schema.Section{conn, redis}, nil
}

// FromValues decodes and validates the settings parsed by a glazed command.
func FromValues(parsed *values.Values) (*Settings, error) {
	cv := &connectionValues{}
	if err := parsed.DecodeSectionInto(ConnectionSlug, cv); err != nil {
		return nil, errors.Wrap(err, "decode connection settings")
	}
	rv := &redisValues{}
	if err := parsed.DecodeSectionInto(RedisSlug, rv); err != nil {
		return nil, errors.Wrap(err, "decode redis settings")
	}

	s := &Settings{
		BaseURL:               cv.BaseURL,
		Path:                  cv.Path,
		APIKey:                cv.APIKey,
		Model:                 cv.Model,
		Provider:              cv.Provider,
		SystemPromptSuffix:    cv.SystemPromptSuffix,
		OnlyNMostRecentImages: cv.OnlyNMostRecentImages,
		MaxTokens:             cv.MaxTokens,
		ReconnectMaxAttempts:  cv.ReconnectMaxAttempts,
		Redis: RedisSettings{
			Enabled: rv.Enabled,
			Addr:    rv.Addr,
			Stream:  rv.Stream,
		},
	}
	if cv.ReconnectDelay != "" {
		d, err := time.ParseDuration(cv.ReconnectDelay)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid reconnect-delay %q", cv.ReconnectDelay)
		}
		s.ReconnectDelay = d
	} else {
		s.ReconnectDelay = reconnect.DefaultDelay
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
