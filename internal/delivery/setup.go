package delivery

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/pkg/circuitbreaker"
)

// NewBreakers returns the per-channel breaker manager. onChange may be nil.
func NewBreakers(onChange func(name string, from, to circuitbreaker.State), logger *zap.Logger) *circuitbreaker.Manager {
	cfg := BreakerConfig()
	cfg.OnStateChange = onChange
	return circuitbreaker.NewManager(cfg, logger)
}

// RouterFromConfig registers every channel the configuration has credentials
// for. Push is always available; email and SMS are skipped when unconfigured.
func RouterFromConfig(cfg *config.Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRouter(breakers, logger)

	r.Register(reminder.ChannelPush, NewExpoSender(ExpoConfig{
		URL:         cfg.ExpoPushURL,
		AccessToken: cfg.ExpoAccessToken,
	}, logger.Named("push")))

	from := EmailConfig{From: cfg.EmailFrom, FromName: cfg.EmailFromName}
	switch cfg.EmailProvider {
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			logger.Warn("SENDGRID_API_KEY not set, email channel disabled")
			break
		}
		s, err := NewSendGridSender(cfg.SendGridAPIKey, from, "", logger.Named("sendgrid"))
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		r.Register(reminder.ChannelEmail, s)
	case "smtp":
		s, err := NewSMTPSender(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		}, from, logger.Named("smtp"))
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		r.Register(reminder.ChannelEmail, s)
	}

	if cfg.SMSIRAPIKey != "" {
		s, err := NewSMSSender(SMSConfig{
			APIKey:        cfg.SMSIRAPIKey,
			SecretKey:     cfg.SMSIRSecretKey,
			TemplateID:    cfg.SMSIRTemplateID,
			DefaultRegion: cfg.SMSDefaultRegion,
		}, logger.Named("sms"))
		if err != nil {
			return nil, fmt.Errorf("sms channel: %w", err)
		}
		r.Register(reminder.ChannelSMS, s)
	}

	logger.Info("delivery channels configured", zap.Any("channels", r.Channels()))
	return r, nil
}
