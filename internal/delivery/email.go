package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// EmailConfig holds the sender identity shared by both email providers.
type EmailConfig struct {
	From     string
	FromName string
}

func (c EmailConfig) validate() error {
	if c.From == "" {
		return errors.New("email sender address is required")
	}
	return nil
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   *mail.Email
	logger *zap.Logger
}

// NewSendGridSender creates a SendGrid sender. baseURL overrides the API
// endpoint and is empty in production.
func NewSendGridSender(apiKey string, cfg EmailConfig, baseURL string, logger *zap.Logger) (*SendGridSender, error) {
	if apiKey == "" {
		return nil, errors.New("sendgrid API key is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := sendgrid.NewSendClient(apiKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &SendGridSender{
		client: client,
		from:   mail.NewEmail(cfg.FromName, cfg.From),
		logger: logger,
	}, nil
}

// Send implements Sender.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.Email == "" {
		return ErrNoRecipient
	}
	to := mail.NewEmail(msg.Recipient.Name, msg.Recipient.Email)
	message := mail.NewSingleEmail(s.from, msg.Title, to, msg.Body, "")

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if response.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status",
			zap.Int("status", response.StatusCode),
			zap.String("body", response.Body))
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}
	return nil
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPSender sends email over SMTP with gomail.
type SMTPSender struct {
	cfg    SMTPConfig
	from   EmailConfig
	logger *zap.Logger
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(cfg SMTPConfig, from EmailConfig, logger *zap.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP host is required")
	}
	if err := from.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{cfg: cfg, from: from, logger: logger}, nil
}

// Send implements Sender. gomail does not take a context, so the dial runs
// in a goroutine and the wait honours ctx.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.Email == "" {
		return ErrNoRecipient
	}
	m := s.buildMessage(msg)
	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)

	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	wait := s.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < wait {
			wait = left
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return fmt.Errorf("smtp send: %w", context.DeadlineExceeded)
	}
}

func (s *SMTPSender) buildMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.from.From, s.from.FromName)
	if msg.Recipient.Name != "" {
		m.SetAddressHeader("To", msg.Recipient.Email, msg.Recipient.Name)
	} else {
		m.SetHeader("To", msg.Recipient.Email)
	}
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/plain", msg.Body)
	return m
}
