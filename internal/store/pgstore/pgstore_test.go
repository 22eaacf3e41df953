package pgstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanLockKeyIsStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ScanLockKey("Scan-1"), ScanLockKey(" scan-1 "))
	assert.NotEqual(t, ScanLockKey("scan-1"), ScanLockKey("scan-2"))
}

func TestMigrationsArePaired(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: uniqueViolation}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestNilPoolErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New(nil)
	require.Error(t, s.CreateRun(ctx, poam.RunRecord{}))
	_, err := s.CountPOAMs(ctx)
	require.Error(t, err)
	require.Error(t, s.CommitImport(ctx, store.CommitBatch{}))
	_, _, err = s.TryLockScan(ctx, "scan")
	require.Error(t, err)
}

// testPool connects to POAM_TEST_DATABASE_URL, migrating it first. Tests using it are
// skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("POAM_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("POAM_TEST_DATABASE_URL not set")
	}
	_, err := Migrate(url)
	require.NoError(t, err)

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestStoreRoundTripAgainstPostgres(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := New(pool)

	runID := uuid.NewString()
	scanID := "scan-" + runID
	now := time.Now().UTC().Truncate(time.Microsecond)
	run := poam.NewRunRecord(runID, scanID, poam.ScanMetadata{FileName: "a.json"}, now)
	require.NoError(t, s.CreateRun(ctx, run))
	require.ErrorIs(t, s.CreateRun(ctx, run), store.ErrRunExists)

	require.NoError(t, s.PutArtifact(ctx, poam.Artifact{RunID: runID, MilestoneID: 1, Name: "gate", Payload: []byte(`{"eligible":2}`)}))
	require.ErrorIs(t, s.PutArtifact(ctx, poam.Artifact{RunID: runID, MilestoneID: 1, Name: "gate", Payload: []byte(`{}`)}), store.ErrArtifactExists)

	final := run.Clone()
	final.Status = poam.RunStatusComplete
	final.CompletedAt = &now
	final.Counts.Committed = 1
	draft := poam.Draft{
		ID: "POAM-" + runID, Title: "t", Description: "d", CreatedDate: now, DueDate: now.Add(15 * 24 * time.Hour),
		Status: poam.StatusInProgress, Risk: poam.SeverityCritical, ScanID: scanID, RunID: runID, Signature: "sig",
		AffectedAssets: []string{"h1"}, Mitigation: []string{"patch"},
	}
	require.NoError(t, s.CommitImport(ctx, store.CommitBatch{
		Drafts:  []poam.Draft{draft},
		Summary: poam.ScanSummary{ScanID: scanID, RunID: runID, Counts: final.Counts, CreatedAt: now},
		Run:     final,
	}))

	got, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, poam.RunStatusComplete, got.Status)
	require.Len(t, got.Milestones, poam.TotalMilestones)

	list, err := s.ListPOAMs(ctx, store.POAMFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"h1"}, list[0].AffectedAssets)

	sum, err := s.GetScanSummary(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Counts.Committed)

	release, ok, err := s.TryLockScan(ctx, scanID)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.TryLockScan(ctx, scanID)
	require.NoError(t, err)
	assert.False(t, ok)
	release()
}

func TestCommitImportRollsBackAgainstPostgres(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := New(pool)

	runID := uuid.NewString()
	run := poam.NewRunRecord(runID, "scan-"+runID, poam.ScanMetadata{}, time.Now().UTC())
	require.NoError(t, s.CreateRun(ctx, run))

	dup := poam.Draft{ID: "POAM-DUP-" + runID, RunID: runID, ScanID: run.ScanID, Status: poam.StatusOpen, Risk: poam.SeverityLow, CreatedDate: time.Now(), DueDate: time.Now()}
	err := s.CommitImport(ctx, store.CommitBatch{
		Drafts:  []poam.Draft{dup, dup},
		Summary: poam.ScanSummary{ScanID: run.ScanID, RunID: runID, CreatedAt: time.Now()},
		Run:     run,
	})
	require.ErrorIs(t, err, store.ErrPOAMExists)

	list, err := s.ListPOAMs(ctx, store.POAMFilter{RunID: runID})
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = s.GetScanSummary(ctx, run.ScanID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommitImportRejectsStaleBaselineAgainstPostgres(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := New(pool)
	now := time.Now().UTC()

	commit := func(baseline bool) error {
		runID := uuid.NewString()
		run := poam.NewRunRecord(runID, "scan-"+runID, poam.ScanMetadata{}, now)
		require.NoError(t, s.CreateRun(ctx, run))
		d := poam.Draft{ID: "POAM-" + runID, RunID: runID, ScanID: run.ScanID, Status: poam.StatusOpen, Risk: poam.SeverityLow, CreatedDate: now, DueDate: now}
		return s.CommitImport(ctx, store.CommitBatch{
			Drafts:  []poam.Draft{d},
			Summary: poam.ScanSummary{ScanID: run.ScanID, RunID: runID, Baseline: baseline, CreatedAt: now},
			Run:     run,
		})
	}

	require.NoError(t, commit(false))
	require.ErrorIs(t, commit(true), store.ErrBaselineLost)
}
