// Package metrics exports reconciliation outcomes to Prometheus.
package metrics

import (
	"context"
	"time"

	"chama/internal/domain"
	"chama/internal/queue"
	"chama/internal/reconciliation"
	"chama/internal/settlement"

	"github.com/prometheus/client_golang/prometheus"
)

// statusValue maps a run status to the reconciliation_status gauge.
var statusValue = map[domain.RunStatus]float64{
	domain.RunStatusCompleted: 0,
	domain.RunStatusWarning:   1,
	domain.RunStatusFailed:    2,
}

// Observer implements reconciliation.Observer and settlement.Observer.
type Observer struct {
	runsTotal          *prometheus.CounterVec
	status             *prometheus.GaugeVec
	unbalanced         prometheus.Gauge
	ledgerDifference   prometheus.Gauge
	runDuration        *prometheus.HistogramVec
	stuckRuns          prometheus.Gauge
	mismatchesTotal    *prometheus.CounterVec
	settlementRuns     *prometheus.CounterVec
	lastSettlementTime prometheus.Gauge
}

var (
	_ reconciliation.Observer = (*Observer)(nil)
	_ settlement.Observer     = (*Observer)(nil)
)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Reconciliation runs by type and final status.",
		}, []string{"type", "status"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconciliation_status",
			Help: "Status of the last run per type: 0 completed, 1 warning, 2 failed.",
		}, []string{"type"}),
		unbalanced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliation_unbalanced_transactions",
			Help: "Unbalanced transactions found by the last run.",
		}),
		ledgerDifference: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliation_ledger_difference",
			Help: "Absolute debit/credit difference measured by the last run.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconciliation_run_duration_seconds",
			Help:    "Duration of reconciliation runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"type"}),
		stuckRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliation_stuck_runs",
			Help: "Runs left in running state past the stuck threshold.",
		}),
		mismatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_mismatches_total",
			Help: "Settlement mismatches detected, by type.",
		}, []string{"type"}),
		settlementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_reconciliation_runs_total",
			Help: "Settlement passes by outcome.",
		}, []string{"status"}),
		lastSettlementTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_last_run_timestamp_seconds",
			Help: "Unix time of the last settlement pass.",
		}),
	}

	reg.MustRegister(
		o.runsTotal,
		o.status,
		o.unbalanced,
		o.ledgerDifference,
		o.runDuration,
		o.stuckRuns,
		o.mismatchesTotal,
		o.settlementRuns,
		o.lastSettlementTime,
	)
	return o
}

func (o *Observer) RunStarted(*domain.ReconciliationRun) {}

func (o *Observer) RunFinished(report *reconciliation.Report, duration time.Duration) {
	if report == nil || report.Run == nil {
		return
	}
	run := report.Run
	runType := string(run.RunType)

	o.runsTotal.WithLabelValues(runType, string(run.Status)).Inc()
	o.status.WithLabelValues(runType).Set(statusValue[run.Status])
	o.runDuration.WithLabelValues(runType).Observe(duration.Seconds())

	// Failed runs without results leave the ledger gauges at their last value.
	if report.Balance != nil {
		diff, _ := report.Balance.Difference.Abs().Float64()
		o.ledgerDifference.Set(diff)
	}
	if report.Integrity != nil {
		o.unbalanced.Set(float64(len(report.Integrity.UnbalancedTransactions)))
	}
}

func (o *Observer) StuckRuns(count int) {
	o.stuckRuns.Set(float64(count))
}

func (o *Observer) SettlementFinished(summary *settlement.Summary, err error) {
	o.lastSettlementTime.SetToCurrentTime()

	status := "completed"
	switch {
	case err != nil:
		status = "failed"
	case summary != nil && summary.MismatchCount > 0:
		status = "mismatches"
	}
	o.settlementRuns.WithLabelValues(status).Inc()

	if summary == nil {
		return
	}
	for t, n := range summary.ByType {
		o.mismatchesTotal.WithLabelValues(string(t)).Add(float64(n))
	}
}

// QueueCollector reports queue sizes at scrape time.
type QueueCollector struct {
	queue   *queue.Queue
	depth   *prometheus.Desc
	timeout time.Duration
}

func NewQueueCollector(q *queue.Queue) *QueueCollector {
	return &QueueCollector{
		queue: q,
		depth: prometheus.NewDesc(
			"reconciliation_queue_jobs",
			"Jobs in the reconciliation queue by state.",
			[]string{"queue", "state"}, nil,
		),
		timeout: 2 * time.Second,
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.queue.Counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.depth, err)
		return
	}
	name := c.queue.Name()
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(counts.Waiting), name, "waiting")
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(counts.Active), name, "active")
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(counts.Delayed), name, "delayed")
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(counts.Completed), name, "completed")
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(counts.Failed), name, "failed")
}
