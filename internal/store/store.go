// Package store defines the persistence contract of the import pipeline over its four
// logical collections: scan runs, milestone artifacts, POAMs and scan summaries.
package store

import (
	"context"
	"errors"

	"github.com/open-sspm/poam-import/internal/poam"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRunExists      = errors.New("scan run already exists")
	ErrArtifactExists = errors.New("milestone artifact already written")
	ErrPOAMExists     = errors.New("poam id already exists")
	// ErrBaselineLost is returned by CommitImport for a baseline batch when POAMs were
	// committed after the run decided it was the baseline.
	ErrBaselineLost = errors.New("store already holds poams; baseline taken by another import")
)

// CommitBatch is written as a single unit: every draft, the summary and the finalized run.
// When Summary.Baseline is set the store must still hold no POAMs at commit time.
type CommitBatch struct {
	Drafts  []poam.Draft
	Summary poam.ScanSummary
	Run     poam.RunRecord
}

type RunFilter struct {
	Status poam.RunStatus
	ScanID string
	Limit  int
}

type POAMFilter struct {
	Status string
	Risk   poam.Severity
	POC    string
	RunID  string
	Limit  int
}

type Store interface {
	CreateRun(ctx context.Context, run poam.RunRecord) error
	UpdateRun(ctx context.Context, run poam.RunRecord) error
	GetRun(ctx context.Context, runID string) (poam.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]poam.RunRecord, error)

	PutArtifact(ctx context.Context, artifact poam.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]poam.Artifact, error)

	CountPOAMs(ctx context.Context) (int64, error)
	ListPOAMs(ctx context.Context, filter POAMFilter) ([]poam.Draft, error)
	GetScanSummary(ctx context.Context, scanID string) (poam.ScanSummary, error)

	// CommitImport persists the batch atomically: either all of it becomes visible or none.
	CommitImport(ctx context.Context, batch CommitBatch) error
}

// ScanLocker is implemented by stores that can serialize imports of the same scan across
// processes.
type ScanLocker interface {
	TryLockScan(ctx context.Context, scanID string) (release func(), ok bool, err error)
}

const DefaultListLimit = 100

// NormalizeLimit clamps a list limit to (0, max].
func NormalizeLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
