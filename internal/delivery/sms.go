package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arsmn/go-smsir/smsir"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"
)

// ErrInvalidPhone means the stored phone number cannot be dialled.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone parses raw in defaultRegion and returns it in E.164 form.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoRecipient
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(defaultRegion))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPhone, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// SMSConfig configures the sms.ir sender.
type SMSConfig struct {
	APIKey     string
	SecretKey  string
	TemplateID string
	// DefaultRegion is used for numbers stored without a country code.
	DefaultRegion string
}

type ultraFastFunc func(ctx context.Context, mobile string, params []smsir.UltraFastParameter) error

// SMSSender sends reminders as sms.ir template messages. The template takes
// two parameters: "name" and "message".
type SMSSender struct {
	templateID string
	region     string
	send       ultraFastFunc
	logger     *zap.Logger
}

// NewSMSSender creates an SMS sender.
func NewSMSSender(cfg SMSConfig, logger *zap.Logger) (*SMSSender, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sms.ir API key is required")
	}
	if cfg.TemplateID == "" {
		return nil, errors.New("sms.ir template ID is required")
	}
	client := smsir.NewClient().WithAuthentication(cfg.APIKey, cfg.SecretKey)
	send := func(ctx context.Context, mobile string, params []smsir.UltraFastParameter) error {
		_, err := client.Verification.UltraFastSend(ctx, &smsir.UltraFastSendRequest{
			Mobile:     mobile,
			TemplateID: cfg.TemplateID,
			Parameters: params,
		})
		return err
	}
	return newSMSSender(cfg, send, logger), nil
}

func newSMSSender(cfg SMSConfig, send ultraFastFunc, logger *zap.Logger) *SMSSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMSSender{
		templateID: cfg.TemplateID,
		region:     cfg.DefaultRegion,
		send:       send,
		logger:     logger,
	}
}

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	mobile, err := NormalizePhone(msg.Recipient.Phone, s.region)
	if err != nil {
		return err
	}
	params := []smsir.UltraFastParameter{
		{Key: "name", Value: msg.Recipient.Name},
		{Key: "message", Value: msg.Body},
	}
	if err := s.send(ctx, mobile, params); err != nil {
		return fmt.Errorf("sms.ir send failed: %w", err)
	}
	return nil
}
