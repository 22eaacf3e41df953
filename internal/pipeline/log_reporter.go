package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
)

const (
	defaultProgressInterval    = 5 * time.Second
	defaultProgressPercentStep = int64(5)
)

type logReporterKey struct {
	runID     string
	milestone poam.MilestoneID
}

type logReporterState struct {
	lastLoggedAt      time.Time
	lastLoggedPercent int64
}

// LogReporter logs progress events, throttling per-item progress inside a milestone.
type LogReporter struct {
	Logger              *slog.Logger
	ProgressInterval    time.Duration
	ProgressPercentStep int64

	mu    sync.Mutex
	state map[logReporterKey]logReporterState
}

func (r *LogReporter) Report(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := e.At
	if now.IsZero() {
		now = time.Now()
	}

	attrs := []any{"run_id", e.RunID}
	if e.ScanID != "" {
		attrs = append(attrs, "scan_id", e.ScanID)
	}
	if e.Milestone.Valid() {
		attrs = append(attrs, "milestone", int(e.Milestone), "milestone_name", e.MilestoneName)
	}
	if e.Total > 0 {
		attrs = append(attrs, "current", e.Current, "total", e.Total)
	}
	attrs = append(attrs, "progress", e.OverallProgress)

	message := e.Message
	if e.Err != nil {
		if message == "" {
			message = "import failed"
			if e.Milestone.Valid() {
				message = e.Milestone.Phase() + " failed"
			}
		}
		attrs = append(attrs, "err", e.Err)
		logger.Error(message, attrs...)
		r.forget(e.RunID)
		return
	}
	if message == "" {
		if !e.Done {
			return
		}
		message = "import complete"
	}

	if !r.shouldLogEvent(now, e) {
		return
	}
	logger.Info(message, attrs...)
	if e.Done {
		r.forget(e.RunID)
	}
}

func (r *LogReporter) shouldLogEvent(now time.Time, e Event) bool {
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressPercentStep
	if step <= 0 {
		step = defaultProgressPercentStep
	}

	if e.Done {
		return true
	}
	// Milestone boundaries always log.
	if e.MilestoneProgress <= 0 || e.MilestoneProgress >= 1 {
		r.record(now, e, step)
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		r.state = make(map[logReporterKey]logReporterState)
	}
	key := logReporterKey{runID: e.RunID, milestone: e.Milestone}
	state := r.state[key]
	percent := eventPercent(e)
	if !state.lastLoggedAt.IsZero() && now.Sub(state.lastLoggedAt) < interval {
		if percent < state.lastLoggedPercent+step {
			return false
		}
	}
	r.state[key] = logReporterState{lastLoggedAt: now, lastLoggedPercent: (percent / step) * step}
	return true
}

func (r *LogReporter) record(now time.Time, e Event, step int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		r.state = make(map[logReporterKey]logReporterState)
	}
	percent := eventPercent(e)
	r.state[logReporterKey{runID: e.RunID, milestone: e.Milestone}] = logReporterState{
		lastLoggedAt:      now,
		lastLoggedPercent: (percent / step) * step,
	}
}

func (r *LogReporter) forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.state {
		if key.runID == runID {
			delete(r.state, key)
		}
	}
}

// eventPercent prefers integer counters to avoid float truncation at step boundaries.
func eventPercent(e Event) int64 {
	if e.Total > 0 {
		current := min(max(e.Current, 0), e.Total)
		return (current * 100) / e.Total
	}
	return int64(clamp01(e.MilestoneProgress) * 100)
}
