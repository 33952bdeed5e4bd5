package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arsmn/go-smsir/smsir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/pkg/circuitbreaker"
)

type fakeSender struct {
	sent []Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

var amina = reminder.Patient{
	ID:        "pat-1",
	FirstName: "Amina",
	LastName:  "Bensaid",
	Email:     "amina@example.org",
	Phone:     "0555 12 34 56",
	PushToken: "ExponentPushToken[abc]",
}

func TestRouterDeliversByChannel(t *testing.T) {
	push, email := &fakeSender{}, &fakeSender{}
	r := NewRouter(nil, nil)
	r.Register(reminder.ChannelPush, push)
	r.Register(reminder.ChannelEmail, email)

	err := r.Deliver(context.Background(), reminder.ChannelEmail, amina, reminder.Rendered{Title: "Reminder", Body: "See you tomorrow"})
	require.NoError(t, err)

	assert.Empty(t, push.sent)
	require.Len(t, email.sent, 1)
	assert.Equal(t, "Amina Bensaid", email.sent[0].Recipient.Name)
	assert.Equal(t, "amina@example.org", email.sent[0].Recipient.Email)
	assert.Equal(t, "See you tomorrow", email.sent[0].Body)
	assert.Equal(t, []reminder.Channel{reminder.ChannelPush, reminder.ChannelEmail}, r.Channels())

	err = r.Deliver(context.Background(), reminder.ChannelSMS, amina, reminder.Rendered{})
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestRouterBreakerIgnoresRecipientErrors(t *testing.T) {
	cfg := BreakerConfig()
	cfg.FailureThreshold = 2
	breakers := circuitbreaker.NewManager(cfg, nil)

	sms := &fakeSender{err: ErrNoRecipient}
	r := NewRouter(breakers, nil)
	r.Register(reminder.ChannelSMS, sms)

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, r.Deliver(context.Background(), reminder.ChannelSMS, amina, reminder.Rendered{}), ErrNoRecipient)
	}
	cb, err := breakers.Get("delivery.sms")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	sms.err = errors.New("gateway timeout")
	_ = r.Deliver(context.Background(), reminder.ChannelSMS, amina, reminder.Rendered{})
	_ = r.Deliver(context.Background(), reminder.ChannelSMS, amina, reminder.Rendered{})
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	sms.err = nil
	err = r.Deliver(context.Background(), reminder.ChannelSMS, amina, reminder.Rendered{})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Empty(t, sms.sent)
}

func TestExpoSender(t *testing.T) {
	var got []expoMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"ticket-1"}]}`))
	}))
	defer srv.Close()

	s := NewExpoSender(ExpoConfig{URL: srv.URL, AccessToken: "secret"}, nil)
	err := s.Send(context.Background(), Message{
		Recipient: Recipient{PushToken: "ExponentPushToken[abc]"},
		Title:     "Appointment reminder",
		Body:      "Your appointment is tomorrow",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ExponentPushToken[abc]", got[0].To)
	assert.Equal(t, "Appointment reminder", got[0].Title)
}

func TestExpoSenderErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		recipient bool
	}{
		{name: "http status", status: http.StatusBadGateway, body: `{}`},
		{name: "request error", status: http.StatusOK, body: `{"errors":[{"code":"VALIDATION_ERROR","message":"bad"}]}`},
		{name: "ticket error", status: http.StatusOK, body: `{"data":[{"status":"error","message":"rate limited"}]}`},
		{name: "device gone", status: http.StatusOK, body: `{"data":[{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}}]}`, recipient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewExpoSender(ExpoConfig{URL: srv.URL}, nil).Send(context.Background(),
				Message{Recipient: Recipient{PushToken: "ExponentPushToken[abc]"}})
			require.Error(t, err)
			assert.Equal(t, tt.recipient, IsRecipientError(err))
		})
	}

	err := NewExpoSender(ExpoConfig{}, nil).Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestSendGridSender(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer SG.key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewSendGridSender("SG.key", EmailConfig{From: "no-reply@clinic.example", FromName: "Clinic"}, srv.URL, nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), Message{
		Recipient: Recipient{Name: "Amina Bensaid", Email: "amina@example.org"},
		Title:     "Appointment reminder",
		Body:      "Your appointment is in 2h",
	})
	require.NoError(t, err)
	assert.Equal(t, "Appointment reminder", payload["subject"])
	from := payload["from"].(map[string]any)
	assert.Equal(t, "no-reply@clinic.example", from["email"])

	err = s.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestSendGridSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := NewSendGridSender("SG.bad", EmailConfig{From: "no-reply@clinic.example"}, srv.URL, nil)
	require.NoError(t, err)
	err = s.Send(context.Background(), Message{Recipient: Recipient{Email: "amina@example.org"}})
	assert.ErrorContains(t, err, "status 401")
}

func TestSMTPSenderBuildsMessage(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{}, EmailConfig{From: "a@b.c"}, nil)
	assert.Error(t, err)
	_, err = NewSMTPSender(SMTPConfig{Host: "smtp.example"}, EmailConfig{}, nil)
	assert.Error(t, err)

	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example", Port: 587}, EmailConfig{From: "no-reply@clinic.example"}, nil)
	require.NoError(t, err)

	m := s.buildMessage(Message{Recipient: Recipient{Email: "amina@example.org"}, Title: "Reminder", Body: "Tomorrow"})
	assert.Equal(t, []string{"Reminder"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"amina@example.org"}, m.GetHeader("To"))

	assert.ErrorIs(t, s.Send(context.Background(), Message{}), ErrNoRecipient)
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("0555 12 34 56", "dz")
	require.NoError(t, err)
	assert.Equal(t, "+213555123456", got)

	got, err = NormalizePhone("+1 650-253-0000", "DZ")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", got)

	_, err = NormalizePhone("  ", "DZ")
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = NormalizePhone("12", "DZ")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestSMSSender(t *testing.T) {
	var (
		gotMobile string
		gotParams []smsir.UltraFastParameter
	)
	send := func(ctx context.Context, mobile string, params []smsir.UltraFastParameter) error {
		gotMobile, gotParams = mobile, params
		return nil
	}
	s := newSMSSender(SMSConfig{TemplateID: "100200", DefaultRegion: "DZ"}, send, nil)

	err := s.Send(context.Background(), Message{
		Recipient: Recipient{Name: "Amina Bensaid", Phone: "0555 12 34 56"},
		Body:      "Your appointment is in 15min",
	})
	require.NoError(t, err)
	assert.Equal(t, "+213555123456", gotMobile)
	assert.Equal(t, []smsir.UltraFastParameter{
		{Key: "name", Value: "Amina Bensaid"},
		{Key: "message", Value: "Your appointment is in 15min"},
	}, gotParams)

	s = newSMSSender(SMSConfig{DefaultRegion: "DZ"}, func(context.Context, string, []smsir.UltraFastParameter) error {
		return errors.New("quota exceeded")
	}, nil)
	err = s.Send(context.Background(), Message{Recipient: Recipient{Phone: "0555123456"}})
	assert.ErrorContains(t, err, "quota exceeded")
	assert.False(t, IsRecipientError(err))

	_, err = NewSMSSender(SMSConfig{}, nil)
	assert.Error(t, err)
}

func TestRouterFromConfig(t *testing.T) {
	cfg := &config.Config{
		EmailProvider:    "smtp",
		EmailFrom:        "no-reply@clinic.example",
		SMTPHost:         "smtp.example",
		SMTPPort:         587,
		SMSDefaultRegion: "DZ",
	}
	r, err := RouterFromConfig(cfg, NewBreakers(nil, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []reminder.Channel{reminder.ChannelPush, reminder.ChannelEmail}, r.Channels())

	cfg.EmailProvider = "sendgrid"
	r, err = RouterFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []reminder.Channel{reminder.ChannelPush}, r.Channels())

	cfg.SMSIRAPIKey = "key"
	_, err = RouterFromConfig(cfg, nil, nil)
	assert.ErrorContains(t, err, "template ID")
}
