// Package memstore is an in-process store.Store. Commits build new collection maps and
// swap them in under the write lock, so readers see either the old or the new state.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store"
)

type artifactKey struct {
	runID     string
	milestone poam.MilestoneID
}

type Store struct {
	mu        gosync.RWMutex
	runs      map[string]poam.RunRecord
	artifacts map[artifactKey]poam.Artifact
	poams     map[string]poam.Draft
	poamOrder []string
	summaries map[string]poam.ScanSummary

	scanLocks map[string]struct{}

	// beforeSwap runs after a commit is fully staged and before it becomes visible.
	beforeSwap func(store.CommitBatch) error
}

type Option func(*Store)

// WithBeforeCommit installs a hook that can abort a commit after staging.
func WithBeforeCommit(fn func(store.CommitBatch) error) Option {
	return func(s *Store) { s.beforeSwap = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		runs:      make(map[string]poam.RunRecord),
		artifacts: make(map[artifactKey]poam.Artifact),
		poams:     make(map[string]poam.Draft),
		summaries: make(map[string]poam.ScanSummary),
		scanLocks: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.ScanLocker = (*Store)(nil)
)

func (s *Store) CreateRun(ctx context.Context, run poam.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("create run: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return fmt.Errorf("create run %s: %w", run.RunID, store.ErrRunExists)
	}
	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run poam.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; !ok {
		return fmt.Errorf("update run %s: %w", run.RunID, store.ErrNotFound)
	}
	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (poam.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return poam.RunRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return poam.RunRecord{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return run.Clone(), nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]poam.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]poam.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ScanID != "" && run.ScanID != filter.ScanID {
			continue
		}
		out = append(out, run.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b poam.RunRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	limit := store.NormalizeLimit(filter.Limit, store.DefaultListLimit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutArtifact(ctx context.Context, artifact poam.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := artifactKey{runID: artifact.RunID, milestone: artifact.MilestoneID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[artifact.RunID]; !ok {
		return fmt.Errorf("artifact for run %s: %w", artifact.RunID, store.ErrNotFound)
	}
	if _, ok := s.artifacts[key]; ok {
		return fmt.Errorf("artifact %s/%d: %w", artifact.RunID, artifact.MilestoneID, store.ErrArtifactExists)
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	artifact.Payload = slices.Clone(artifact.Payload)
	s.artifacts[key] = artifact
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]poam.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []poam.Artifact
	for key, a := range s.artifacts {
		if key.runID != runID {
			continue
		}
		a.Payload = slices.Clone(a.Payload)
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b poam.Artifact) int { return int(a.MilestoneID) - int(b.MilestoneID) })
	return out, nil
}

func (s *Store) CountPOAMs(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.poams)), nil
}

// ListPOAMs returns POAMs in commit order.
func (s *Store) ListPOAMs(ctx context.Context, filter store.POAMFilter) ([]poam.Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := store.NormalizeLimit(filter.Limit, len(s.poamOrder)+1)
	out := make([]poam.Draft, 0)
	for _, id := range s.poamOrder {
		p := s.poams[id]
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Risk != "" && p.Risk != filter.Risk {
			continue
		}
		if filter.POC != "" && p.POC != filter.POC {
			continue
		}
		if filter.RunID != "" && p.RunID != filter.RunID {
			continue
		}
		out = append(out, cloneDraft(p))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetScanSummary(ctx context.Context, scanID string) (poam.ScanSummary, error) {
	if err := ctx.Err(); err != nil {
		return poam.ScanSummary{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[scanID]
	if !ok {
		return poam.ScanSummary{}, fmt.Errorf("scan summary %s: %w", scanID, store.ErrNotFound)
	}
	summary.SignatureDistribution = maps.Clone(summary.SignatureDistribution)
	return summary, nil
}

func (s *Store) CommitImport(ctx context.Context, batch store.CommitBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[batch.Run.RunID]; !ok {
		return fmt.Errorf("commit run %s: %w", batch.Run.RunID, store.ErrNotFound)
	}
	if batch.Summary.Baseline && len(s.poams) > 0 {
		return fmt.Errorf("commit run %s: %w", batch.Run.RunID, store.ErrBaselineLost)
	}

	poams := maps.Clone(s.poams)
	order := slices.Clone(s.poamOrder)
	for _, d := range batch.Drafts {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("commit run %s: draft without id", batch.Run.RunID)
		}
		if _, ok := poams[d.ID]; ok {
			return fmt.Errorf("commit poam %s: %w", d.ID, store.ErrPOAMExists)
		}
		poams[d.ID] = cloneDraft(d)
		order = append(order, d.ID)
	}

	summaries := maps.Clone(s.summaries)
	summary := batch.Summary
	summary.SignatureDistribution = maps.Clone(summary.SignatureDistribution)
	summaries[summary.ScanID] = summary

	runs := maps.Clone(s.runs)
	runs[batch.Run.RunID] = batch.Run.Clone()

	if s.beforeSwap != nil {
		if err := s.beforeSwap(batch); err != nil {
			return err
		}
	}

	s.poams, s.poamOrder, s.summaries, s.runs = poams, order, summaries, runs
	return nil
}

// TryLockScan holds an in-process lock on scanID until release is called.
func (s *Store) TryLockScan(ctx context.Context, scanID string) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := strings.ToLower(strings.TrimSpace(scanID))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.scanLocks[key]; held {
		return nil, false, nil
	}
	s.scanLocks[key] = struct{}{}
	var once gosync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.scanLocks, key)
			s.mu.Unlock()
		})
	}, true, nil
}

func cloneDraft(d poam.Draft) poam.Draft {
	d.AffectedAssets = slices.Clone(d.AffectedAssets)
	d.Mitigation = slices.Clone(d.Mitigation)
	d.AdvisoryIDs = slices.Clone(d.AdvisoryIDs)
	return d
}
