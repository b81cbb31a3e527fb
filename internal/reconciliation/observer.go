package reconciliation

import (
	"context"
	"time"

	"chama/internal/domain"
)

// Observer receives run lifecycle events. Implementations decide the sinks.
type Observer interface {
	RunStarted(run *domain.ReconciliationRun)
	// RunFinished is called once per run. For failed runs only report.Run is set.
	RunFinished(report *Report, duration time.Duration)
	StuckRuns(count int)
}

// Alerter delivers alerts for runs that are not clean.
type Alerter interface {
	SendAlert(ctx context.Context, alert *domain.Alert) error
}

type NopObserver struct{}

func (NopObserver) RunStarted(*domain.ReconciliationRun) {}
func (NopObserver) RunFinished(*Report, time.Duration) {}
func (NopObserver) StuckRuns(int) {}

type NopAlerter struct{}

func (NopAlerter) SendAlert(context.Context, *domain.Alert) error { return nil }
