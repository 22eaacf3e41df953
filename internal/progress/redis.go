// Package progress publishes import progress events to Redis so dashboards and other
// processes can follow a run while it executes.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/open-sspm/poam-import/internal/pipeline"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel  = "poam-import:progress"
	DefaultStepPct  = 1
	snapshotPrefix  = "poam-import:run:"
	defaultTimeout  = 2 * time.Second
	defaultSnapshot = 24 * time.Hour
)

// Message is the JSON published for each event.
type Message struct {
	RunID             string    `json:"run_id"`
	ScanID            string    `json:"scan_id,omitempty"`
	OverallProgress   float64   `json:"overall_progress"`
	Milestone         int       `json:"milestone"`
	TotalMilestones   int       `json:"total_milestones"`
	MilestoneProgress float64   `json:"milestone_progress"`
	MilestoneName     string    `json:"milestone_name,omitempty"`
	Message           string    `json:"message,omitempty"`
	Done              bool      `json:"done,omitempty"`
	Error             string    `json:"error,omitempty"`
	At                time.Time `json:"at"`
}

func NewMessage(e pipeline.Event) Message {
	m := Message{
		RunID:             e.RunID,
		ScanID:            e.ScanID,
		OverallProgress:   e.OverallProgress,
		Milestone:         int(e.Milestone),
		TotalMilestones:   e.TotalMilestones,
		MilestoneProgress: e.MilestoneProgress,
		MilestoneName:     e.MilestoneName,
		Message:           e.Message,
		Done:              e.Done,
		At:                e.At.UTC(),
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// SnapshotKey is where the latest message of a run is kept.
func SnapshotKey(runID string) string {
	return snapshotPrefix + runID
}

type Options struct {
	URL     string
	Channel string
	// StepPercent is the smallest change in milestone progress that is published.
	StepPercent int
	Timeout     time.Duration
	SnapshotTTL time.Duration
	Logger      *slog.Logger
}

// Publisher is a pipeline.Reporter that publishes to a Redis channel and keeps the latest
// event of each run under SnapshotKey. Publish failures are logged and never fail a run.
type Publisher struct {
	client      *redis.Client
	channel     string
	step        int
	timeout     time.Duration
	snapshotTTL time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	last map[string]int
}

func NewPublisher(ctx context.Context, opts Options) (*Publisher, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("progress: redis url is required")
	}
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("progress: parse redis url: %w", err)
	}
	p := &Publisher{
		client:      redis.NewClient(redisOpts),
		channel:     strings.TrimSpace(opts.Channel),
		step:        opts.StepPercent,
		timeout:     opts.Timeout,
		snapshotTTL: opts.SnapshotTTL,
		logger:      opts.Logger,
		last:        make(map[string]int),
	}
	if p.channel == "" {
		p.channel = DefaultChannel
	}
	if p.step <= 0 {
		p.step = DefaultStepPct
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.snapshotTTL <= 0 {
		p.snapshotTTL = defaultSnapshot
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Ping(pingCtx).Err(); err != nil {
		_ = p.client.Close()
		return nil, fmt.Errorf("progress: connect to redis: %w", err)
	}
	return p, nil
}

func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) Report(e pipeline.Event) {
	if !p.shouldPublish(e) {
		return
	}
	payload, err := json.Marshal(NewMessage(e))
	if err != nil {
		p.logger.Warn("encode progress event", "run_id", e.RunID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.Set(ctx, SnapshotKey(e.RunID), payload, p.snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("publish progress event", "run_id", e.RunID, "channel", p.channel, "err", err)
	}
}

// shouldPublish drops events that move a milestone by less than the configured step.
// Milestone boundaries, errors and the final event are always published.
func (p *Publisher) shouldPublish(e pipeline.Event) bool {
	key := fmt.Sprintf("%s/%d", e.RunID, e.Milestone)
	pct := int(math.Round(e.MilestoneProgress * 100))

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.Done || e.Err != nil {
		for k := range p.last {
			if strings.HasPrefix(k, e.RunID+"/") {
				delete(p.last, k)
			}
		}
		return true
	}
	last, seen := p.last[key]
	if seen && pct < 100 && pct > 0 && pct-last < p.step {
		return false
	}
	p.last[key] = pct
	return true
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
