package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastSweepAt   *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`

	TotalScanned      int64 `json:"totalScanned"`
	TotalAdvanced     int64 `json:"totalAdvanced"`
	TotalCalls        int64 `json:"totalCalls"`
	TotalCallFailures int64 `json:"totalCallFailures"`
	TotalSwept        int64 `json:"totalSwept"`
	TotalErrors       int64 `json:"totalErrors"`
	InFlight          int64 `json:"inFlight"`

	LastError string `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, d.startedAtUnixNano).UTC(),
		TotalScanned:      d.totalScanned.Load(),
		TotalAdvanced:     d.totalAdvanced.Load(),
		TotalCalls:        d.totalCalls.Load(),
		TotalCallFailures: d.totalCallFailures.Load(),
		TotalSwept:        d.totalSwept.Load(),
		TotalErrors:       d.totalErrors.Load(),
		InFlight:          d.inFlight.Load(),
	}
	if n := d.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := d.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := d.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

// Run крутит оба расписания: batch-цикл и cleanup-свип. Циклы внутри одной
// итерации выполняются последовательно; занятый цикл просто пропускает тик.
func (d *Dispatcher) Run(ctx context.Context) error {
	batchT := time.NewTicker(d.batchInterval)
	defer batchT.Stop()
	cleanupT := time.NewTicker(d.cleanupInterval)
	defer cleanupT.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-batchT.C:
			d.runCycleOnce(ctx)
		case <-d.triggerCh:
			d.runCycleOnce(ctx)
		case <-cleanupT.C:
			d.runSweepOnce(ctx)
		}
	}
}

func (d *Dispatcher) runCycleOnce(ctx context.Context) {
	res, err := d.RunBatchCycle(ctx)
	switch {
	case err == ErrCycleInProgress:
		slog.Warn("batch cycle still running, tick skipped")
	case err != nil:
		slog.Error("batch cycle", "error", err.Error())
	default:
		slog.Info("batch cycle done",
			"scanned", res.Scanned, "advanced", res.Advanced,
			"finished", res.Finished, "errors", len(res.Errors), "took", res.Took.String())
	}
}

func (d *Dispatcher) runSweepOnce(ctx context.Context) {
	res, err := d.SweepExpired(ctx)
	if err != nil {
		slog.Error("cleanup sweep", "error", err.Error())
		return
	}
	if res.Found > 0 {
		slog.Info("cleanup sweep done", "found", res.Found, "cleaned", res.Cleaned)
	}
}
