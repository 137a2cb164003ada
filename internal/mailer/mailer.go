package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

const (
	// DriverLog writes outgoing mail to the structured log instead of delivering it.
	DriverLog = "log"
	// DriverSMTP delivers mail through an SMTP relay.
	DriverSMTP = "smtp"
)

var errMissingRecipient = errors.New("mailer: recipient required")

// Notifier delivers transactional email.
type Notifier interface {
	SendEmail(ctx context.Context, message Message) error
}

// Message is a single multipart/alternative email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errMissingRecipient
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("mailer: invalid recipient %q: %w", m.To, err)
	}
	return nil
}

// Config selects and configures the delivery driver.
type Config struct {
	Driver   string
	From     string
	Host     string
	Port     int
	Username string
	Password string
	Logger   *zap.Logger
}

// New constructs the notifier selected by cfg.Driver.
func New(cfg Config) (Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverLog, "":
		return NewLogNotifier(cfg.Logger), nil
	case DriverSMTP:
		return NewSMTPNotifier(SMTPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			Logger:   cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("mailer: unsupported driver %q", cfg.Driver)
	}
}

// LogNotifier logs each message. Used in development and tests.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// SendEmail logs the message and never fails for a well-formed recipient.
func (n *LogNotifier) SendEmail(_ context.Context, message Message) error {
	if err := message.validate(); err != nil {
		return err
	}
	n.logger.Info("email queued",
		zap.String("to", message.To),
		zap.String("subject", message.Subject),
		zap.String("body", message.Text),
	)
	return nil
}
