package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutor_wallet"

// Metrics holds every collector of the wallet service. All methods are safe on
// a nil receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	payoutsRequested   *prometheus.CounterVec
	payoutsRejected    *prometheus.CounterVec
	payoutsSettled     *prometheus.CounterVec
	payoutsCancelled   prometheus.Counter
	refundsIssued      prometheus.Counter
	gatewayCalls       *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	fxLookups          *prometheus.CounterVec
	tasksProcessed     *prometheus.CounterVec
	deadLetteredTasks  prometheus.Gauge
	leasesReleased     prometheus.Counter
	reconciliationRuns *prometheus.CounterVec
	ledgerEntries      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newWithRegisterer(reg, reg)
}

func newWithRegisterer(reg prometheus.Registerer, registry *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: registry,
		payoutsRequested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "requested_total",
			Help:      "Payout requests accepted, by payout currency.",
		}, []string{"currency"}),
		payoutsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "rejected_total",
			Help:      "Payout requests refused before reservation, by reason.",
		}, []string{"reason"}),
		payoutsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "settled_total",
			Help:      "Payouts that reached a final state, by outcome.",
		}, []string{"outcome"}),
		payoutsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "cancelled_total",
			Help:      "Pending payouts cancelled by their owner.",
		}),
		refundsIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "refunds_total",
			Help:      "Compensating refund credits written for failed payouts.",
		}),
		gatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Transfer gateway calls by operation and result.",
		}, []string{"operation", "result"}),
		gatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Transfer gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		fxLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fx",
			Name:      "lookups_total",
			Help:      "Exchange rate lookups by source (redis, provider, fallback, error).",
		}, []string{"source"}),
		tasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "tasks_total",
			Help:      "Settlement task attempts by result.",
		}, []string{"result"}),
		deadLetteredTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "dead_letter_tasks",
			Help:      "Dead-lettered settlement tasks seen by the last report.",
		}),
		leasesReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "leases_released_total",
			Help:      "Expired task leases returned to the queue.",
		}),
		reconciliationRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "runs_total",
			Help:      "Wallet audits by result (clean, discrepancy, corrected, mismatch, error).",
		}, []string{"result"}),
		ledgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries written by direction and kind.",
		}, []string{"direction", "kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PayoutRequested(currency string) {
	if m == nil {
		return
	}
	m.payoutsRequested.WithLabelValues(currency).Inc()
}

func (m *Metrics) PayoutRejected(reason string) {
	if m == nil {
		return
	}
	m.payoutsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PayoutSettled(outcome string) {
	if m == nil {
		return
	}
	m.payoutsSettled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PayoutCancelled() {
	if m == nil {
		return
	}
	m.payoutsCancelled.Inc()
}

func (m *Metrics) RefundIssued() {
	if m == nil {
		return
	}
	m.refundsIssued.Inc()
}

func (m *Metrics) ObserveGatewayCall(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(operation, result).Inc()
	m.gatewayLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) FXLookup(source string) {
	if m == nil {
		return
	}
	m.fxLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) TaskProcessed(result string) {
	if m == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) SetDeadLetters(n int) {
	if m == nil {
		return
	}
	m.deadLetteredTasks.Set(float64(n))
}

func (m *Metrics) LeasesReleased(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesReleased.Add(float64(n))
}

func (m *Metrics) Reconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliationRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerEntry(direction, kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(direction, kind).Inc()
}
