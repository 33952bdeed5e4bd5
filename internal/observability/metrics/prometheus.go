// Package metrics provides Prometheus metrics for renewal planning and
// reminder dispatch.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxrenew/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	DraftsCreated       *prometheus.CounterVec
	PlansTransitioned   *prometheus.CounterVec
	RemindersScheduled  prometheus.Counter
	RemindersDispatched *prometheus.CounterVec
	DispatchDuration    prometheus.Histogram
	EventsConsumed      *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg, or with the default
// registry when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DraftsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_drafts_created_total",
			Help: "Draft prescriptions created, by kind and decision outcome",
		}, []string{"kind", "clamped", "defaulted"}),
		PlansTransitioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renewal_plans_transitioned_total",
			Help: "Renewal plans moved out of active, by target status",
		}, []string{"status"}),
		RemindersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_scheduled_total",
			Help: "Appointment reminders created",
		}),
		RemindersDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_dispatched_total",
			Help: "Due reminders handled by the dispatch worker, by outcome",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_dispatch_duration_seconds",
			Help:    "Duration of one dispatch run",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_events_consumed_total",
			Help: "Appointment events consumed, by result",
		}, []string{"result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DraftsCreated,
		m.PlansTransitioned,
		m.RemindersScheduled,
		m.RemindersDispatched,
		m.DispatchDuration,
		m.EventsConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// DraftCreated implements prescription.Observer.
func (m *Metrics) DraftCreated(kind string, clamped, defaulted bool) {
	m.DraftsCreated.WithLabelValues(kind, strconv.FormatBool(clamped), strconv.FormatBool(defaulted)).Inc()
}

// PlanTransitioned implements prescription.Observer.
func (m *Metrics) PlanTransitioned(status string) {
	m.PlansTransitioned.WithLabelValues(status).Inc()
}

// ObserveDispatch implements reminder.Observer.
func (m *Metrics) ObserveDispatch(success, failed, skipped int, elapsed time.Duration) {
	m.RemindersDispatched.WithLabelValues("sent").Add(float64(success))
	m.RemindersDispatched.WithLabelValues("failed").Add(float64(failed))
	m.RemindersDispatched.WithLabelValues("skipped").Add(float64(skipped))
	m.DispatchDuration.Observe(elapsed.Seconds())
}

// ObserveScheduled counts reminders created for an appointment.
func (m *Metrics) ObserveScheduled(n int) {
	m.RemindersScheduled.Add(float64(n))
}

// EventConsumed implements intake.Observer.
func (m *Metrics) EventConsumed(result string) {
	m.EventsConsumed.WithLabelValues(result).Inc()
}

// SetOutboxPending records the number of unpublished outbox rows.
func (m *Metrics) SetOutboxPending(n int64) {
	m.OutboxPending.Set(float64(n))
}

// BreakerStateChanged is a circuitbreaker.Config.OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
