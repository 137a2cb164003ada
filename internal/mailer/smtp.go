package mailer

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultSMTPPort = 587

// SMTPConfig configures SMTP delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Logger   *zap.Logger
	Clock    func() time.Time
}

// SMTPNotifier delivers mail through an authenticated SMTP relay.
type SMTPNotifier struct {
	address  string
	host     string
	from     mail.Address
	auth     smtp.Auth
	logger   *zap.Logger
	clock    func() time.Time
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier validates configuration and constructs the notifier.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("mailer: smtp host required")
	}
	from, err := mail.ParseAddress(strings.TrimSpace(cfg.From))
	if err != nil {
		return nil, fmt.Errorf("mailer: invalid from address: %w", err)
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultSMTPPort
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SMTPNotifier{
		address:  net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     *from,
		auth:     auth,
		logger:   logger,
		clock:    clock,
		sendMail: smtp.SendMail,
	}, nil
}

// SendEmail renders a multipart/alternative message and hands it to the relay.
func (n *SMTPNotifier) SendEmail(ctx context.Context, message Message) error {
	if err := message.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := n.render(message)
	if err != nil {
		return err
	}
	if err := n.sendMail(n.address, n.auth, n.from.Address, []string{message.To}, payload); err != nil {
		n.logger.Warn("smtp delivery failed",
			zap.String("to", message.To),
			zap.String("subject", message.Subject),
			zap.Error(err),
		)
		return fmt.Errorf("mailer: send: %w", err)
	}
	n.logger.Info("email sent", zap.String("to", message.To), zap.String("subject", message.Subject))
	return nil
}

func (n *SMTPNotifier) render(message Message) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{contentType: "text/plain; charset=UTF-8", content: message.Text},
		{contentType: "text/html; charset=UTF-8", content: message.HTML},
	}
	for _, part := range parts {
		if part.content == "" {
			continue
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", part.contentType)
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		partWriter, err := writer.CreatePart(header)
		if err != nil {
			return nil, err
		}
		encoder := quotedprintable.NewWriter(partWriter)
		if _, err := encoder.Write([]byte(part.content)); err != nil {
			return nil, err
		}
		if err := encoder.Close(); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", n.from.String())
	fmt.Fprintf(&out, "To: %s\r\n", message.To)
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", message.Subject))
	fmt.Fprintf(&out, "Date: %s\r\n", n.clock().UTC().Format(time.RFC1123Z))
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", writer.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
