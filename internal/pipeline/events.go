package pipeline

import (
	"context"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
)

// Event is one progress notification. Events of a run are delivered in order.
type Event struct {
	RunID             string
	ScanID            string
	OverallProgress   float64
	Milestone         poam.MilestoneID
	TotalMilestones   int
	MilestoneProgress float64
	MilestoneName     string
	Message           string
	Current           int64
	Total             int64
	Done              bool
	Err               error
	At                time.Time
}

// OverallProgress folds a milestone's progress into run-level progress.
func OverallProgress(milestone poam.MilestoneID, milestoneProgress float64) float64 {
	if milestone < poam.MilestoneEligibility {
		return 0
	}
	p := (float64(milestone-1) + clamp01(milestoneProgress)) / poam.TotalMilestones
	return clamp01(p)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// MultiReporter fans events out to each reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// ChannelReporter streams events to a consumer. Report blocks while the buffer is full,
// so a slow consumer applies backpressure to the pipeline.
type ChannelReporter struct {
	ctx context.Context
	ch  chan Event
}

// NewChannelReporter returns a reporter whose events are read from Events. Sends are
// abandoned once ctx is done so a departed consumer cannot wedge a run.
func NewChannelReporter(ctx context.Context, buffer int) *ChannelReporter {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelReporter{ctx: ctx, ch: make(chan Event, buffer)}
}

func (r *ChannelReporter) Events() <-chan Event { return r.ch }

func (r *ChannelReporter) Report(e Event) {
	select {
	case r.ch <- e:
	case <-r.ctx.Done():
	}
}

// Close ends the stream. It must be called once, after the run returns.
func (r *ChannelReporter) Close() { close(r.ch) }
