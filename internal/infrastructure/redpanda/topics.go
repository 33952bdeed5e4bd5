package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/prescription"
	"github.com/drfirst/go-rxrenew/internal/notify"
)

// Topics used by the renewal services
const (
	TopicPrescriptionEvents = prescription.EventsTopic
	TopicAppointmentEvents  = "appointment.events"
	TopicNotifications      = notify.DefaultTopic
	TopicDeadLetter         = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout. Events are keyed by patient
// or appointment, so per-key ordering holds within a partition.
func DefaultTopicConfigs(replicationFactor int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	return []TopicConfig{
		{
			Name:              TopicPrescriptionEvents,
			Partitions:        6,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicAppointmentEvents,
			Partitions:        6,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicNotifications,
			Partitions:        3,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("259200000"), // 3 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":   ptr("1209600000"), // 14 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

// Admin provides administrative operations
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics. Existing topics are left untouched.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every topic of DefaultTopicConfigs
func (a *Admin) EnsureTopics(ctx context.Context, replicationFactor int16) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs(replicationFactor))
}

// ConsumerGroupLag returns the total lag of a consumer group per topic
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				result[topic] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
