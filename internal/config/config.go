package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ROOMCHAT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "roomchat.db"
	defaultLogLevel          = "info"
	defaultSessionIssuer     = "tauth"
	defaultCookieName        = "app_session"
	defaultPresenceTimeout   = 2 * time.Minute
	defaultCapacity          = 30
	defaultMaxMessageLength  = 500
	defaultMaxNicknameLength = 40
	defaultPageSize          = 50
	defaultMaxPageSize       = 100
	defaultReaperInterval    = 5 * time.Minute
	defaultReaperRetention   = 24 * time.Hour
	// maxStoredNicknameLength is the width of chat_room_members.nickname.
	maxStoredNicknameLength = 190

	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverMySQL selects a MySQL server.
	DriverMySQL = "mysql"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabaseDSN          string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	Chat                 ChatConfig
}

// ChatConfig holds the room, presence and message limits.
type ChatConfig struct {
	PresenceTimeout   time.Duration
	DefaultCapacity   int
	MaxMessageLength  int
	MaxNicknameLength int
	DefaultPageSize   int
	MaxPageSize       int
	ReaperEnabled     bool
	ReaperInterval    time.Duration
	ReaperRetention   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("chat.presence_timeout", defaultPresenceTimeout)
	configViper.SetDefault("chat.default_capacity", defaultCapacity)
	configViper.SetDefault("chat.max_message_length", defaultMaxMessageLength)
	configViper.SetDefault("chat.max_nickname_length", defaultMaxNicknameLength)
	configViper.SetDefault("chat.default_page_size", defaultPageSize)
	configViper.SetDefault("chat.max_page_size", defaultMaxPageSize)
	configViper.SetDefault("chat.reaper.enabled", true)
	configViper.SetDefault("chat.reaper.interval", defaultReaperInterval)
	configViper.SetDefault("chat.reaper.retention", defaultReaperRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		Chat: ChatConfig{
			PresenceTimeout:   configViper.GetDuration("chat.presence_timeout"),
			DefaultCapacity:   configViper.GetInt("chat.default_capacity"),
			MaxMessageLength:  configViper.GetInt("chat.max_message_length"),
			MaxNicknameLength: configViper.GetInt("chat.max_nickname_length"),
			DefaultPageSize:   configViper.GetInt("chat.default_page_size"),
			MaxPageSize:       configViper.GetInt("chat.max_page_size"),
			ReaperEnabled:     configViper.GetBool("chat.reaper.enabled"),
			ReaperInterval:    configViper.GetDuration("chat.reaper.interval"),
			ReaperRetention:   configViper.GetDuration("chat.reaper.retention"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionEnabled reports whether session tokens should be validated to extract user ids.
func (c AppConfig) SessionEnabled() bool {
	return strings.TrimSpace(c.SessionSigningSecret) != ""
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMySQL, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.SessionEnabled() && strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required when session.signing_secret is set")
	}
	return c.Chat.validate()
}

func (c ChatConfig) validate() error {
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("chat.presence_timeout must be positive")
	}
	if c.DefaultCapacity < 1 {
		return fmt.Errorf("chat.default_capacity must be at least 1")
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("chat.max_message_length must be at least 1")
	}
	if c.MaxNicknameLength < 1 || c.MaxNicknameLength > maxStoredNicknameLength {
		return fmt.Errorf("chat.max_nickname_length must be between 1 and %d", maxStoredNicknameLength)
	}
	if c.DefaultPageSize < 1 || c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("chat.default_page_size must be between 1 and chat.max_page_size")
	}
	if c.ReaperEnabled {
		if c.ReaperInterval <= 0 {
			return fmt.Errorf("chat.reaper.interval must be positive")
		}
		if c.ReaperRetention < c.PresenceTimeout {
			return fmt.Errorf("chat.reaper.retention must not be shorter than chat.presence_timeout")
		}
	}
	return nil
}
