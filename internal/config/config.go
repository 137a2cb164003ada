package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TIDYNOTES"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "tidynotes.db"
	defaultLogLevel           = "info"
	defaultSessionTTL         = 3 * time.Hour
	defaultBaseURL            = "http://localhost:8080"
	defaultFrontendURL        = "http://localhost:5173"
	defaultResendWindow       = time.Hour
	defaultMaxResends         = 3
	defaultSweeperInterval    = 24 * time.Hour
	defaultMailDriver         = "log"
	defaultMailFrom           = "TidyNotes <no-reply@localhost>"
	defaultSMTPPort           = 587
	defaultGoogleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultGoogleRedirectPath = "/auth/google/callback"
	databaseDriverSQLite      = "sqlite"
	databaseDriverPostgres    = "postgres"
	mailDriverLog             = "log"
	mailDriverSMTP            = "smtp"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string

	SigningSecret string
	SessionTTL    time.Duration
	CookieSecure  bool

	BaseURL     string
	FrontendURL string

	ResendWindow time.Duration
	MaxResends   int

	SweeperInterval time.Duration

	MailDriver   string
	MailFrom     string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleJWKSURL      string
}

// GoogleEnabled reports whether the Google OAuth handshake is configured.
func (c AppConfig) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)
	configViper.SetDefault("auth.cookie_secure", false)
	configViper.SetDefault("app.base_url", defaultBaseURL)
	configViper.SetDefault("app.frontend_url", defaultFrontendURL)
	configViper.SetDefault("registration.resend_window", defaultResendWindow)
	configViper.SetDefault("registration.max_resends", defaultMaxResends)
	configViper.SetDefault("sweeper.interval", defaultSweeperInterval)
	configViper.SetDefault("mail.driver", defaultMailDriver)
	configViper.SetDefault("mail.from", defaultMailFrom)
	configViper.SetDefault("smtp.host", "")
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.username", "")
	configViper.SetDefault("smtp.password", "")
	configViper.SetDefault("google.client_id", "")
	configViper.SetDefault("google.client_secret", "")
	configViper.SetDefault("google.redirect_url", "")
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:        strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		SessionTTL:         configViper.GetDuration("auth.session_ttl"),
		CookieSecure:       configViper.GetBool("auth.cookie_secure"),
		BaseURL:            strings.TrimRight(strings.TrimSpace(configViper.GetString("app.base_url")), "/"),
		FrontendURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("app.frontend_url")), "/"),
		ResendWindow:       configViper.GetDuration("registration.resend_window"),
		MaxResends:         configViper.GetInt("registration.max_resends"),
		SweeperInterval:    configViper.GetDuration("sweeper.interval"),
		MailDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("mail.driver"))),
		MailFrom:           strings.TrimSpace(configViper.GetString("mail.from")),
		SMTPHost:           strings.TrimSpace(configViper.GetString("smtp.host")),
		SMTPPort:           configViper.GetInt("smtp.port"),
		SMTPUsername:       configViper.GetString("smtp.username"),
		SMTPPassword:       configViper.GetString("smtp.password"),
		GoogleClientID:     strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleClientSecret: strings.TrimSpace(configViper.GetString("google.client_secret")),
		GoogleRedirectURL:  strings.TrimSpace(configViper.GetString("google.redirect_url")),
		GoogleJWKSURL:      strings.TrimSpace(configViper.GetString("google.jwks_url")),
	}
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = cfg.BaseURL + defaultGoogleRedirectPath
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required")
		}
	case databaseDriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required when database.driver is postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	if c.ResendWindow <= 0 {
		return fmt.Errorf("registration.resend_window must be positive")
	}
	if c.MaxResends < 1 {
		return fmt.Errorf("registration.max_resends must be at least 1")
	}
	if c.SweeperInterval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("app.base_url is required")
	}
	if c.FrontendURL == "" {
		return fmt.Errorf("app.frontend_url is required")
	}
	switch c.MailDriver {
	case mailDriverLog:
	case mailDriverSMTP:
		if c.SMTPHost == "" {
			return fmt.Errorf("smtp.host is required when mail.driver is smtp")
		}
		if c.SMTPPort <= 0 {
			return fmt.Errorf("smtp.port must be positive")
		}
	default:
		return fmt.Errorf("mail.driver must be log or smtp, got %q", c.MailDriver)
	}
	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return fmt.Errorf("google.client_id and google.client_secret must be set together")
	}
	return nil
}
