package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/accounts"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/auth"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/config"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/database"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/folders"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/logging"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/mailer"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/server"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/sweeper"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidynotes-api",
		Short: "TidyNotes account and session service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "PostgreSQL DSN")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Duration("session-ttl", defaults.GetDuration("auth.session_ttl"), "Session cookie lifetime")
	flags.Bool("cookie-secure", defaults.GetBool("auth.cookie_secure"), "Mark session cookies Secure")
	flags.String("base-url", defaults.GetString("app.base_url"), "Public API base URL used in email links")
	flags.String("frontend-url", defaults.GetString("app.frontend_url"), "Frontend origin for CORS and OAuth redirects")
	flags.Duration("sweeper-interval", defaults.GetDuration("sweeper.interval"), "Expiry sweeper interval")
	flags.String("mail-driver", defaults.GetString("mail.driver"), "Mail driver (log, smtp)")
	flags.String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	flags.String("google-client-secret", "", "Google OAuth client secret")
	flags.String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.session_ttl", "session-ttl")
	bindFlag(cmd, "auth.cookie_secure", "cookie-secure")
	bindFlag(cmd, "app.base_url", "base-url")
	bindFlag(cmd, "app.frontend_url", "frontend-url")
	bindFlag(cmd, "sweeper.interval", "sweeper-interval")
	bindFlag(cmd, "mail.driver", "mail-driver")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.client_secret", "google-client-secret")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	folderService, err := folders.NewService(folders.ServiceConfig{
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ledger, err := users.NewLedger(users.LedgerConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Folders:    folderService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	notifier, err := mailer.New(mailer.Config{
		Driver:   appConfig.MailDriver,
		From:     appConfig.MailFrom,
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	accountService, err := accounts.New(accounts.Config{
		Ledger:       ledger,
		Hasher:       auth.NewPasswordHasher(0),
		Notifier:     notifier,
		Tokens:       auth.NewRandomToken,
		Clock:        time.Now,
		BaseURL:      appConfig.BaseURL,
		ResendWindow: appConfig.ResendWindow,
		MaxResends:   appConfig.MaxResends,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionManager(auth.SessionConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TTL:           appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Accounts:     accountService,
		Sessions:     sessions,
		FrontendURL:  appConfig.FrontendURL,
		CookieSecure: appConfig.CookieSecure,
		Logger:       logger,
	}
	if appConfig.GoogleEnabled() {
		googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.GoogleClientID,
			JWKSURL:        appConfig.GoogleJWKSURL,
			AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		googleOAuth, err := auth.NewGoogleOAuth(auth.GoogleOAuthConfig{
			ClientID:     appConfig.GoogleClientID,
			ClientSecret: appConfig.GoogleClientSecret,
			RedirectURL:  appConfig.GoogleRedirectURL,
			Verifier:     googleVerifier,
		})
		if err != nil {
			return err
		}
		dependencies.Google = googleOAuth
		dependencies.StateSource = auth.NewRandomToken
	} else {
		logger.Info("google sign-in disabled")
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	expirySweeper, err := sweeper.New(sweeper.Config{
		Store:    ledger,
		Interval: appConfig.SweeperInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	expirySweeper.Start(signalCtx)
	defer expirySweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		expirySweeper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
