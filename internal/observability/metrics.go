package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	httpDurationHistogram  *prometheus.HistogramVec
	ledgerPostCounter      *prometheus.CounterVec
	ledgerImbalanceCounter prometheus.Counter
	runCounter             *prometheus.CounterVec
	runMemberCounter       *prometheus.CounterVec
	approvalCounter        *prometheus.CounterVec
	idempotencyCounter     *prometheus.CounterVec
	workerRunCounter       *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		ledgerPostCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_posts_total",
			Help: "Ledger posting outcomes by entry kind",
		}, []string{"kind", "outcome"})

		ledgerImbalanceCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_imbalance_total",
			Help: "Times a cached balance diverged from its entry fold",
		})

		runCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_runs_total",
			Help: "Commission run outcomes by type",
		}, []string{"type", "status"})

		runMemberCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_run_members_total",
			Help: "Per-member distribution outcomes within runs",
		}, []string{"type", "result"})

		approvalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Deposit/withdrawal approval outcomes",
		}, []string{"direction", "decision"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			ledgerPostCounter,
			ledgerImbalanceCounter,
			runCounter,
			runMemberCounter,
			approvalCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementLedgerPost(kind, outcome string) {
	if ledgerPostCounter == nil {
		return
	}
	ledgerPostCounter.WithLabelValues(kind, outcome).Inc()
}

func IncrementLedgerImbalance() {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.Inc()
}

func IncrementRun(runType, status string) {
	if runCounter == nil {
		return
	}
	runCounter.WithLabelValues(runType, status).Inc()
}

func IncrementRunMember(runType, result string) {
	if runMemberCounter == nil {
		return
	}
	runMemberCounter.WithLabelValues(runType, result).Inc()
}

func IncrementApproval(direction, decision string) {
	if approvalCounter == nil {
		return
	}
	approvalCounter.WithLabelValues(direction, decision).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
