package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store/memstore"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func daysAgo(days int) string {
	return testNow.Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
}

// titleGrouper puts findings with the same title in one group.
type titleGrouper struct{}

func (titleGrouper) Group(_ context.Context, findings []poam.Finding, _ string) ([]poam.Group, error) {
	index := map[string]int{}
	var groups []poam.Group
	for _, f := range findings {
		i, ok := index[f.Title]
		if !ok {
			i = len(groups)
			index[f.Title] = i
			groups = append(groups, poam.Group{Signature: "sig-" + f.Title})
		}
		g := &groups[i]
		g.Findings = append(g.Findings, f)
		g.Severity = poam.Highest(g.Severity, f.Severity)
		g.Patchable = g.Patchable || f.Patchable
		if !slices.Contains(g.Assets, f.Host) {
			g.Assets = append(g.Assets, f.Host)
		}
	}
	return groups, nil
}

// stubBuilder assigns a fixed POC. Signatures listed in fail or panics make BuildDraft
// error or panic.
type stubBuilder struct {
	fail       map[string]bool
	panics     map[string]bool
	confidence int
	mutate     func(*poam.Draft)
}

func (b stubBuilder) BuildDraft(_ context.Context, eg poam.EnrichedGroup) (poam.Draft, error) {
	sig := eg.Group.Signature
	if b.panics[sig] {
		panic("boom " + sig)
	}
	if b.fail[sig] {
		return poam.Draft{}, fmt.Errorf("no owner for %s", sig)
	}
	d := poam.Draft{POC: "Platform Team"}
	if b.mutate != nil {
		b.mutate(&d)
	}
	return d, nil
}

func (b stubBuilder) ScoreConfidence(drafts []poam.Draft) {
	for i := range drafts {
		drafts[i].Confidence = b.confidence
	}
}

// recordingReporter keeps every event it receives.
type recordingReporter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingReporter) Report(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingReporter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// failingStore wraps memstore and fails selected operations.
type failingStore struct {
	*memstore.Store
	failArtifact poam.MilestoneID
	countErr     error
}

func (s *failingStore) PutArtifact(ctx context.Context, a poam.Artifact) error {
	if a.MilestoneID == s.failArtifact {
		return errors.New("disk full")
	}
	return s.Store.PutArtifact(ctx, a)
}

func (s *failingStore) CountPOAMs(ctx context.Context) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.Store.CountPOAMs(ctx)
}

func newTestOrchestrator(t *testing.T, st *memstore.Store, builder DraftBuilder, opts ...Option) *Orchestrator {
	t.Helper()
	if st == nil {
		st = memstore.New()
	}
	if builder == nil {
		builder = stubBuilder{confidence: 70}
	}
	base := []Option{WithClock(fixedClock), WithLogger(discardLogger())}
	o, err := New(st, titleGrouper{}, builder, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func finding(id, title, host string, sev poam.Severity, age int) poam.Finding {
	return poam.Finding{
		ID:            id,
		Title:         title,
		Host:          host,
		Severity:      sev,
		FirstDetected: daysAgo(age),
		Solution:      "Apply the vendor patch for " + title,
		Description:   "Vendor advisory describing " + title + " in detail.",
		OS:            "Ubuntu 22.04",
	}
}
