/*
metrics.go - Prometheus collectors for the ledger

PURPOSE:
  Implements ledger.Observer and the outbox relay's hooks on top of
  client_golang collectors. Collectors register on the registry passed to
  New, so tests can use a private registry.

SEE ALSO:
  - ledger/service.go: Observer
  - notify/relay.go: outbox delivery counters
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lcfs/compliance-ledger/ledger"
)

const namespace = "lcfs"

type Metrics struct {
	TransactionsAppended *prometheus.CounterVec
	UnitsOfWork          *prometheus.CounterVec
	UnitOfWorkDuration   *prometheus.HistogramVec
	Transitions          *prometheus.CounterVec
	GuardFailures        *prometheus.CounterVec
	DriftDetected        prometheus.Counter
	EventsPublished      prometheus.Counter
	EventsFailed         prometheus.Counter
	OutboxLag            prometheus.Gauge
}

// New registers every collector on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TransactionsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_appended_total",
			Help:      "Transaction rows appended to the log, by action",
		}, []string{"action"}),
		UnitsOfWork: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_of_work_total",
			Help:      "Completed units of work, by operation and result code",
		}, []string{"op", "code"}),
		UnitOfWorkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_of_work_duration_seconds",
			Help:      "Duration of units of work, including commit",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Committed workflow transitions, by workflow and target state",
		}, []string{"workflow", "to"}),
		GuardFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transition_failures_total",
			Help:      "Refused workflow transitions, by workflow and error code",
		}, []string{"workflow", "code"}),
		DriftDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_drift_total",
			Help:      "Organizations whose stored balance disagreed with the log",
		}),
		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_published_total",
			Help:      "Notification events delivered to the sink",
		}),
		EventsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_failed_total",
			Help:      "Notification delivery attempts that failed",
		}),
		OutboxLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_events",
			Help:      "Events pending delivery at the last relay run",
		}),
	}
}

// =============================================================================
// ledger.Observer
// =============================================================================

func (m *Metrics) TransactionAppended(action ledger.Action) {
	m.TransactionsAppended.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) UnitOfWorkCompleted(op string, d time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = ledger.Code(err)
	}
	m.UnitsOfWork.WithLabelValues(op, code).Inc()
	m.UnitOfWorkDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) BalanceDrift(ledger.OrganizationID) {
	m.DriftDetected.Inc()
}

func (m *Metrics) WorkflowTransitioned(kind ledger.WorkflowKind, to string, err error) {
	if err != nil {
		m.GuardFailures.WithLabelValues(string(kind), ledger.Code(err)).Inc()
		return
	}
	m.Transitions.WithLabelValues(string(kind), to).Inc()
}

// =============================================================================
// OUTBOX
// =============================================================================

func (m *Metrics) EventsDelivered(n int) { m.EventsPublished.Add(float64(n)) }

func (m *Metrics) DeliveryFailed(n int) { m.EventsFailed.Add(float64(n)) }

func (m *Metrics) Pending(n int) { m.OutboxLag.Set(float64(n)) }

var _ ledger.Observer = (*Metrics)(nil)
