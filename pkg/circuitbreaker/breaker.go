// Package circuitbreaker guards calls to delivery providers (push gateway,
// email and SMS APIs) with sony/gobreaker, OpenTelemetry counters and a
// state change hook.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio opens the circuit once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// Ignore reports errors that say nothing about the provider's health,
	// such as a patient without an address. They do not count as failures.
	Ignore func(error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults suitable for a notification provider
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         2 * time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      20,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	ignore func(error) bool
	logger *zap.Logger
	tracer trace.Tracer

	requestCounter  metric.Int64Counter
	failureCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	currentState State
	stateMu      sync.RWMutex
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}

	meter := otel.Meter("circuit-breaker")
	cb := &CircuitBreaker{
		name:         cfg.Name,
		ignore:       cfg.Ignore,
		logger:       logger,
		tracer:       otel.Tracer("circuit-breaker"),
		currentState: StateClosed,
	}

	var err error
	cb.requestCounter, err = meter.Int64Counter("delivery_breaker_requests_total",
		metric.WithDescription("Calls attempted through the breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	cb.failureCounter, err = meter.Int64Counter("delivery_breaker_failures_total",
		metric.WithDescription("Calls that failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	cb.rejectedCounter, err = meter.Int64Counter("delivery_breaker_rejected_total",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, mapState(from), mapState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (cb.ignore != nil && cb.ignore(err))
		},
	}
	cb.cb = gobreaker.NewCircuitBreaker(settings)

	return cb, nil
}

// Do runs fn through the breaker. A rejected call returns an error wrapping
// ErrOpen.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_do",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	span.RecordError(err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.rejectedCounter.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return fmt.Errorf("%s: %w", c.name, ErrOpen)
	}
	c.failureCounter.Add(ctx, 1, attrs)
	return err
}

// State returns the current circuit breaker state
func (c *CircuitBreaker) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

// Name returns the breaker's name.
func (c *CircuitBreaker) Name() string { return c.name }

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	c.stateMu.Lock()
	c.currentState = mapState(to)
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// Manager hands out one breaker per name, all built from the same template.
type Manager struct {
	template Config
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager creates a circuit breaker manager. template.Name is ignored.
func NewManager(template Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) (*CircuitBreaker, error) {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg := m.template
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus describes one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health returns the status of every breaker, sorted by name.
func (m *Manager) Health() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		state := cb.State()
		statuses = append(statuses, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state == StateClosed,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
