package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultExpoURL is the Expo push endpoint.
const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoConfig configures the Expo push sender.
type ExpoConfig struct {
	URL         string
	AccessToken string
	Timeout     time.Duration
}

type expoMessage struct {
	To        string            `json:"to"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Sound     string            `json:"sound,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

type expoResponse struct {
	Data []struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Details struct {
			Error string `json:"error"`
		} `json:"details"`
	} `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ExpoSender sends push notifications through the Expo push API.
type ExpoSender struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

// NewExpoSender creates a push sender.
func NewExpoSender(cfg ExpoConfig, logger *zap.Logger) *ExpoSender {
	if cfg.URL == "" {
		cfg.URL = DefaultExpoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpoSender{
		url:    cfg.URL,
		token:  cfg.AccessToken,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Send posts one message. A ticket with status "error" is a failure.
func (s *ExpoSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.PushToken == "" {
		return ErrNoRecipient
	}

	payload, err := json.Marshal([]expoMessage{{
		To:        msg.Recipient.PushToken,
		Title:     msg.Title,
		Body:      msg.Body,
		Sound:     "default",
		Priority:  "high",
		ChannelID: "default",
		Data:      map[string]string{"type": "appointment_reminder"},
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read push response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expo push API returned status %d", resp.StatusCode)
	}

	var out expoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode push response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("expo push API error %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	for _, ticket := range out.Data {
		if ticket.Status == "error" {
			if ticket.Details.Error == "DeviceNotRegistered" {
				return fmt.Errorf("push token no longer registered: %w", ErrNoRecipient)
			}
			return fmt.Errorf("expo push ticket error: %s", ticket.Message)
		}
	}

	s.logger.Debug("push notification sent", zap.String("recipient", msg.Recipient.Name))
	return nil
}
