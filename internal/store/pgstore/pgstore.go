// Package pgstore implements store.Store on PostgreSQL with pgx.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store"
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.ScanLocker = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) db() (dbtx, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("pgstore: pool is nil")
	}
	return s.pool, nil
}

const runColumns = `run_id, scan_id, status, current_milestone, milestones, counts, error, metadata, created_at, updated_at, completed_at`

func (s *Store) CreateRun(ctx context.Context, run poam.RunRecord) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `INSERT INTO scan_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("create run %s: %w", run.RunID, store.ErrRunExists)
	}
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run poam.RunRecord) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	return updateRun(ctx, db, run)
}

func updateRun(ctx context.Context, db dbtx, run poam.RunRecord) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `UPDATE scan_runs SET
		scan_id = $2, status = $3, current_milestone = $4, milestones = $5, counts = $6,
		error = $7, metadata = $8, created_at = $9, updated_at = $10, completed_at = $11
		WHERE run_id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", run.RunID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (poam.RunRecord, error) {
	db, err := s.db()
	if err != nil {
		return poam.RunRecord{}, err
	}
	run, err := scanRun(db.QueryRow(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return poam.RunRecord{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]poam.RunRecord, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ScanID != "" {
		args = append(args, filter.ScanID)
		where = append(where, fmt.Sprintf("scan_id = $%d", len(args)))
	}
	args = append(args, store.NormalizeLimit(filter.Limit, store.DefaultListLimit))

	sql := `SELECT ` + runColumns + ` FROM scan_runs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, run_id LIMIT $%d`, len(args))

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (poam.RunRecord, error) {
		return scanRun(row)
	})
}

func (s *Store) PutArtifact(ctx context.Context, artifact poam.Artifact) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	payload := []byte(artifact.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err = db.Exec(ctx, `INSERT INTO milestone_artifacts (id, run_id, milestone_id, name, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		artifact.ID, artifact.RunID, int32(artifact.MilestoneID), artifact.Name, payload, artifact.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("artifact %s/%d: %w", artifact.RunID, artifact.MilestoneID, store.ErrArtifactExists)
	}
	if err != nil {
		return fmt.Errorf("artifact %s/%d: %w", artifact.RunID, artifact.MilestoneID, err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]poam.Artifact, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `SELECT id, run_id, milestone_id, name, payload, created_at
		FROM milestone_artifacts WHERE run_id = $1 ORDER BY milestone_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (poam.Artifact, error) {
		var (
			a         poam.Artifact
			milestone int32
			payload   []byte
		)
		if err := row.Scan(&a.ID, &a.RunID, &milestone, &a.Name, &payload, &a.CreatedAt); err != nil {
			return poam.Artifact{}, err
		}
		a.MilestoneID = poam.MilestoneID(milestone)
		a.Payload = json.RawMessage(payload)
		return a, nil
	})
}

func (s *Store) CountPOAMs(ctx context.Context) (int64, error) {
	db, err := s.db()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRow(ctx, `SELECT count(*) FROM poams`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count poams: %w", err)
	}
	return n, nil
}

const poamColumns = `id, scan_id, run_id, title, description, status, risk, poc, confidence, signature, patchable,
	total_affected_assets, finding_count, affected_assets, mitigation, operating_system, advisory_ids, created_date, due_date`

func (s *Store) ListPOAMs(ctx context.Context, filter store.POAMFilter) ([]poam.Draft, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("status", filter.Status)
	add("risk", string(filter.Risk))
	add("poc", filter.POC)
	add("run_id", filter.RunID)

	sql := `SELECT ` + poamColumns + ` FROM poams`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list poams: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (poam.Draft, error) {
		var (
			d                      poam.Draft
			risk                   string
			confidence, assets, fc int32
			affected, mit, adv     []byte
		)
		if err := row.Scan(&d.ID, &d.ScanID, &d.RunID, &d.Title, &d.Description, &d.Status, &risk, &d.POC,
			&confidence, &d.Signature, &d.Patchable, &assets, &fc, &affected, &mit, &d.OperatingSystem, &adv,
			&d.CreatedDate, &d.DueDate); err != nil {
			return poam.Draft{}, err
		}
		d.Risk = poam.Severity(risk)
		d.Confidence = int(confidence)
		d.TotalAffectedAssets = int(assets)
		d.FindingCount = int(fc)
		if err := unmarshalAll(
			jsonField{affected, &d.AffectedAssets},
			jsonField{mit, &d.Mitigation},
			jsonField{adv, &d.AdvisoryIDs},
		); err != nil {
			return poam.Draft{}, err
		}
		return d, nil
	})
}

func (s *Store) GetScanSummary(ctx context.Context, scanID string) (poam.ScanSummary, error) {
	db, err := s.db()
	if err != nil {
		return poam.ScanSummary{}, err
	}
	var (
		sum                   poam.ScanSummary
		counts, meta, distrib []byte
	)
	err = db.QueryRow(ctx, `SELECT scan_id, run_id, counts, metadata, signature_distribution, baseline, created_at
		FROM poam_scan_summaries WHERE scan_id = $1`, scanID).
		Scan(&sum.ScanID, &sum.RunID, &counts, &meta, &distrib, &sum.Baseline, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return poam.ScanSummary{}, fmt.Errorf("scan summary %s: %w", scanID, store.ErrNotFound)
	}
	if err != nil {
		return poam.ScanSummary{}, fmt.Errorf("scan summary %s: %w", scanID, err)
	}
	if err := unmarshalAll(
		jsonField{counts, &sum.Counts},
		jsonField{meta, &sum.Metadata},
		jsonField{distrib, &sum.SignatureDistribution},
	); err != nil {
		return poam.ScanSummary{}, err
	}
	return sum, nil
}

// CommitImport writes drafts, the scan summary and the finalized run in one transaction.
func (s *Store) CommitImport(ctx context.Context, batch store.CommitBatch) error {
	if s == nil || s.pool == nil {
		return errors.New("pgstore: pool is nil")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if batch.Summary.Baseline {
		if err := checkBaseline(ctx, tx); err != nil {
			return fmt.Errorf("commit run %s: %w", batch.Run.RunID, err)
		}
	}
	if err := insertDrafts(ctx, tx, batch.Drafts); err != nil {
		return err
	}
	if err := upsertSummary(ctx, tx, batch.Summary); err != nil {
		return err
	}
	if err := updateRun(ctx, tx, batch.Run); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// checkBaseline serializes baseline commits on a transaction-scoped advisory lock, then
// confirms no POAMs were committed in the meantime.
func checkBaseline(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, baselineLockKey); err != nil {
		return fmt.Errorf("lock baseline: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM poams)`).Scan(&exists); err != nil {
		return fmt.Errorf("check baseline: %w", err)
	}
	if exists {
		return store.ErrBaselineLost
	}
	return nil
}

func insertDrafts(ctx context.Context, tx pgx.Tx, drafts []poam.Draft) error {
	if len(drafts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range drafts {
		affected, err := marshalList(d.AffectedAssets)
		if err != nil {
			return err
		}
		mit, err := marshalList(d.Mitigation)
		if err != nil {
			return err
		}
		adv, err := marshalList(d.AdvisoryIDs)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO poams (`+poamColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			d.ID, d.ScanID, d.RunID, d.Title, d.Description, d.Status, string(d.Risk), d.POC,
			int32(d.Confidence), d.Signature, d.Patchable, int32(d.TotalAffectedAssets), int32(d.FindingCount),
			affected, mit, d.OperatingSystem, adv, d.CreatedDate, d.DueDate)
	}

	br := tx.SendBatch(ctx, batch)
	for _, d := range drafts {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if isUniqueViolation(err) {
				return fmt.Errorf("commit poam %s: %w", d.ID, store.ErrPOAMExists)
			}
			return fmt.Errorf("commit poam %s: %w", d.ID, err)
		}
	}
	return br.Close()
}

func upsertSummary(ctx context.Context, tx pgx.Tx, sum poam.ScanSummary) error {
	counts, err := json.Marshal(sum.Counts)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(sum.Metadata)
	if err != nil {
		return err
	}
	distrib := sum.SignatureDistribution
	if distrib == nil {
		distrib = map[string]int{}
	}
	distribJSON, err := json.Marshal(distrib)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO poam_scan_summaries (scan_id, run_id, counts, metadata, signature_distribution, baseline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scan_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			counts = EXCLUDED.counts,
			metadata = EXCLUDED.metadata,
			signature_distribution = EXCLUDED.signature_distribution,
			baseline = EXCLUDED.baseline,
			created_at = EXCLUDED.created_at`,
		sum.ScanID, sum.RunID, counts, meta, distribJSON, sum.Baseline, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("commit scan summary %s: %w", sum.ScanID, err)
	}
	return nil
}

func runArgs(run poam.RunRecord) ([]any, error) {
	milestones, err := json.Marshal(run.Milestones)
	if err != nil {
		return nil, err
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, err
	}
	var runErr []byte
	if run.Error != nil {
		if runErr, err = json.Marshal(run.Error); err != nil {
			return nil, err
		}
	}
	return []any{
		run.RunID, run.ScanID, string(run.Status), int32(run.CurrentMilestone),
		milestones, counts, runErr, meta, run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	}, nil
}

func scanRun(row pgx.Row) (poam.RunRecord, error) {
	var (
		run                              poam.RunRecord
		status                           string
		current                          int32
		milestones, counts, runErr, meta []byte
	)
	if err := row.Scan(&run.RunID, &run.ScanID, &status, &current, &milestones, &counts, &runErr, &meta,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt); err != nil {
		return poam.RunRecord{}, err
	}
	run.Status = poam.RunStatus(status)
	run.CurrentMilestone = poam.MilestoneID(current)
	if len(runErr) > 0 {
		run.Error = &poam.RunError{}
	}
	fields := []jsonField{{milestones, &run.Milestones}, {counts, &run.Counts}, {meta, &run.Metadata}}
	if run.Error != nil {
		fields = append(fields, jsonField{runErr, run.Error})
	}
	if err := unmarshalAll(fields...); err != nil {
		return poam.RunRecord{}, err
	}
	return run, nil
}

type jsonField struct {
	data []byte
	dst  any
}

func unmarshalAll(fields ...jsonField) error {
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return fmt.Errorf("decode json column: %w", err)
		}
	}
	return nil
}

func marshalList(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	return json.Marshal(v)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
