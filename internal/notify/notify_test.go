package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type emitterFunc func(ctx context.Context, n Notification) error

func (f emitterFunc) Emit(ctx context.Context, n Notification) error { return f(ctx, n) }

type recordingPublisher struct {
	topic, key string
	value      []byte
	err        error
}

func (p *recordingPublisher) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

func TestBestEffortSwallowsErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	failing := emitterFunc(func(context.Context, Notification) error {
		return errors.New("broker down")
	})

	ok := BestEffort(context.Background(), failing, Notification{UserID: "doc-1", Type: TypeAppointmentReminder}, zap.New(core))

	assert.False(t, ok)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "notification not emitted", entry.Message)
	assert.Contains(t, entry.ContextMap()["error"], "broker down")
}

func TestBestEffortRecoversPanics(t *testing.T) {
	panicking := emitterFunc(func(context.Context, Notification) error {
		panic("nil map")
	})

	var ok bool
	require.NotPanics(t, func() {
		ok = BestEffort(context.Background(), panicking, Notification{UserID: "u"}, nil)
	})
	assert.False(t, ok)
}

func TestBestEffortNilEmitter(t *testing.T) {
	assert.False(t, BestEffort(context.Background(), nil, Notification{}, nil))
}

func TestBestEffortSetsCreatedAt(t *testing.T) {
	var got Notification
	capture := emitterFunc(func(_ context.Context, n Notification) error {
		got = n
		return nil
	})

	assert.True(t, BestEffort(context.Background(), capture, Notification{UserID: "u"}, nil))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestKafkaEmitterPublishesJSONKeyedByUser(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewKafkaEmitter(pub, "")

	err := e.Emit(context.Background(), Notification{
		UserID:  "patient-7",
		Type:    TypeMedicalRenewal,
		Title:   "Renewal planned",
		Message: "Next appointment on 2026-12-01",
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultTopic, pub.topic)
	assert.Equal(t, "patient-7", pub.key)

	var decoded Notification
	require.NoError(t, json.Unmarshal(pub.value, &decoded))
	assert.Equal(t, TypeMedicalRenewal, decoded.Type)
	assert.Equal(t, "Renewal planned", decoded.Title)
}

func TestKafkaEmitterWrapsFailures(t *testing.T) {
	cause := errors.New("timeout")
	e := NewKafkaEmitter(&recordingPublisher{err: cause}, "custom")

	err := e.Emit(context.Background(), Notification{UserID: "u", Type: TypeMedicalRenewal})

	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "u", emitErr.UserID)
}

func TestKafkaEmitterRequiresUser(t *testing.T) {
	pub := &recordingPublisher{}
	err := NewKafkaEmitter(pub, "").Emit(context.Background(), Notification{Type: TypeMedicalRenewal})

	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
	assert.Empty(t, pub.topic)
}
