package zubot

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatResult reports one scheduler tick.
type HeartbeatResult struct {
	OK       bool   `json:"ok"`
	Enqueued int    `json:"enqueued"`
	Runs     []Run  `json:"runs,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Beat performs one scheduler tick: it persists the heartbeat start,
// enqueues every due run, then persists the finished state. Store
// failures are recorded in heartbeat_state and returned in the result;
// the tick never panics the plane.
func Beat(ctx context.Context, store SchedulerStore, now time.Time, logger *slog.Logger) HeartbeatResult {
	if logger == nil {
		logger = nopLogger
	}
	hb := Heartbeat{StartedAt: now, Status: "running"}
	if err := store.RecordHeartbeat(ctx, hb); err != nil {
		logger.Warn("heartbeat: start record failed", "error", err)
	}

	runs, err := store.EnqueueDueRuns(ctx, now)
	hb.FinishedAt = time.Now()
	hb.Enqueued = len(runs)
	if err != nil {
		hb.Status = "error"
		hb.Error = err.Error()
	} else {
		hb.Status = "ok"
	}
	if recErr := store.RecordHeartbeat(ctx, hb); recErr != nil {
		logger.Warn("heartbeat: finish record failed", "error", recErr)
	}

	if err != nil {
		logger.Error("heartbeat: enqueue failed", "error", err)
		return HeartbeatResult{Error: err.Error()}
	}
	if len(runs) > 0 {
		logger.Info("heartbeat: runs enqueued", "count", len(runs))
	}
	return HeartbeatResult{OK: true, Enqueued: len(runs), Runs: runs}
}
