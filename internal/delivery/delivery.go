// Package delivery sends rendered reminders to patients over push, email and
// SMS. Each channel runs behind its own circuit breaker.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/pkg/circuitbreaker"
)

var (
	// ErrNoRecipient means the patient has no address for the channel.
	ErrNoRecipient = errors.New("no recipient address for channel")
	// ErrUnsupportedChannel means no sender is registered for the channel.
	ErrUnsupportedChannel = errors.New("channel not configured")
)

// Recipient holds every address a patient may be reached at.
type Recipient struct {
	Name      string
	Email     string
	Phone     string
	PushToken string
}

// Message is one notification for one recipient.
type Message struct {
	Recipient Recipient
	Title     string
	Body      string
}

// Sender delivers messages over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Router implements reminder.Deliverer by picking the sender registered for
// the reminder's channel.
type Router struct {
	senders  map[reminder.Channel]Sender
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

var _ reminder.Deliverer = (*Router)(nil)

// NewRouter creates a router. breakers may be nil to call senders directly.
func NewRouter(breakers *circuitbreaker.Manager, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		senders:  make(map[reminder.Channel]Sender),
		breakers: breakers,
		logger:   logger,
	}
}

// BreakerConfig returns the breaker template for delivery channels. Missing
// or unusable addresses do not count against the provider.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("delivery")
	cfg.Ignore = IsRecipientError
	return cfg
}

// IsRecipientError reports whether err is caused by the patient's contact
// details rather than by the provider.
func IsRecipientError(err error) bool {
	return errors.Is(err, ErrNoRecipient) || errors.Is(err, ErrInvalidPhone)
}

// Register binds a sender to a channel, replacing any previous one.
func (r *Router) Register(channel reminder.Channel, sender Sender) {
	r.senders[channel] = sender
}

// Channels returns the configured channels.
func (r *Router) Channels() []reminder.Channel {
	out := make([]reminder.Channel, 0, len(r.senders))
	for _, c := range []reminder.Channel{reminder.ChannelPush, reminder.ChannelEmail, reminder.ChannelSMS} {
		if _, ok := r.senders[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Deliver implements reminder.Deliverer.
func (r *Router) Deliver(ctx context.Context, channel reminder.Channel, patient reminder.Patient, msg reminder.Rendered) error {
	sender, ok := r.senders[channel]
	if !ok {
		return fmt.Errorf("%s: %w", channel, ErrUnsupportedChannel)
	}

	m := Message{
		Recipient: Recipient{
			Name:      patient.FullName(),
			Email:     patient.Email,
			Phone:     patient.Phone,
			PushToken: patient.PushToken,
		},
		Title: msg.Title,
		Body:  msg.Body,
	}

	send := func(ctx context.Context) error { return sender.Send(ctx, m) }
	if r.breakers == nil {
		return send(ctx)
	}
	cb, err := r.breakers.Get("delivery." + string(channel))
	if err != nil {
		return err
	}
	return cb.Do(ctx, send)
}
