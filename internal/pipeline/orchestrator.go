// Package pipeline implements the milestone-driven POAM import: eligibility gate,
// grouping, enrichment, draft population and an atomic commit, run strictly in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/open-sspm/poam-import/internal/metrics"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/policy"
	"github.com/open-sspm/poam-import/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/open-sspm/poam-import/internal/pipeline"

// Orchestrator drives import runs. It holds no per-run state, so one Orchestrator may
// serve concurrent runs; imports of the same scan are serialized when the store is a
// store.ScanLocker.
type Orchestrator struct {
	store    store.Store
	grouper  Grouper
	builder  DraftBuilder
	policy   policy.Policy
	reporter Reporter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

type Option func(*Orchestrator)

func WithPolicy(p policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithReporter adds a reporter that receives the events of every run.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func New(s store.Store, grouper Grouper, builder DraftBuilder, opts ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if grouper == nil {
		return nil, errors.New("pipeline: grouper is required")
	}
	if builder == nil {
		return nil, errors.New("pipeline: draft builder is required")
	}
	o := &Orchestrator{
		store:   s,
		grouper: grouper,
		builder: builder,
		policy:  policy.Default(),
		logger:  slog.Default(),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type stage struct {
	id  poam.MilestoneID
	run func(*runContext, []poam.Finding) error
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{poam.MilestoneEligibility, o.runGate},
		{poam.MilestoneGrouping, func(rc *runContext, _ []poam.Finding) error { return o.runGrouping(rc) }},
		{poam.MilestoneEnrichment, func(rc *runContext, _ []poam.Finding) error { return o.runEnrichment(rc) }},
		{poam.MilestoneDrafting, func(rc *runContext, _ []poam.Finding) error { return o.runDrafting(rc) }},
		{poam.MilestoneCommit, func(rc *runContext, _ []poam.Finding) error { return o.runCommit(rc) }},
	}
}

// Run imports findings as one run. progress, when not nil, receives the run's events in
// order after any reporter configured with WithReporter. Failures are returned as
// *PipelineError and recorded on the run record.
//
// ctx is used for store I/O only; a started run is not aborted between milestones.
func (o *Orchestrator) Run(ctx context.Context, findings []poam.Finding, meta poam.ScanMetadata, progress Reporter) (*poam.CommitResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := o.now()
	runID := o.newID()
	scanID := deriveScanID(meta, runID, now)

	if locker, ok := o.store.(store.ScanLocker); ok {
		release, acquired, err := locker.TryLockScan(ctx, scanID)
		if err != nil {
			return nil, &PipelineError{RunID: runID, Phase: "start", Err: fmt.Errorf("acquire scan lock: %w", err)}
		}
		if !acquired {
			return nil, &PipelineError{RunID: runID, Phase: "start", Err: ErrScanInProgress}
		}
		defer release()
	}

	rc := o.newRunContext(ctx, findings, runID, scanID, meta, progress, now)
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	if err := o.store.CreateRun(rc.runCtx, rc.record.Clone()); err != nil {
		err = fmt.Errorf("create run record: %w", err)
		rc.finish(err)
		return nil, &PipelineError{RunID: runID, Phase: "start", Err: err}
	}
	rc.logger.Info("import started", "findings", len(findings), "file", meta.FileName, "source", meta.Source)

	for _, st := range o.stages() {
		if err := st.run(rc, findings); err != nil {
			return nil, rc.fail(st.id, err)
		}
	}
	rc.finish(nil)
	return rc.result, nil
}

func (o *Orchestrator) newRunContext(ctx context.Context, findings []poam.Finding, runID, scanID string, meta poam.ScanMetadata, progress Reporter, now time.Time) *runContext {
	var reporter Reporter
	switch {
	case o.reporter != nil && progress != nil:
		reporter = MultiReporter{o.reporter, progress}
	case o.reporter != nil:
		reporter = o.reporter
	case progress != nil:
		reporter = progress
	}

	record := poam.NewRunRecord(runID, scanID, meta, now)
	record.Counts.Total = len(findings)

	runCtx, span := o.tracer.Start(ctx, "poam.import", trace.WithAttributes(
		attribute.String("poam.run_id", runID),
		attribute.String("poam.scan_id", scanID),
		attribute.Int("poam.findings.total", len(findings)),
	))
	return &runContext{
		ctx:       runCtx,
		runCtx:    runCtx,
		runSpan:   span,
		store:     o.store,
		reporter:  reporter,
		logger:    o.logger.With("run_id", runID, "scan_id", scanID),
		tracer:    o.tracer,
		now:       o.now,
		record:    record,
		startedAt: now,
	}
}

func (o *Orchestrator) runGate(rc *runContext, findings []poam.Finding) error {
	const id = poam.MilestoneEligibility
	if err := rc.begin(id); err != nil {
		return err
	}
	gate := Gate{
		Window:     o.policy.EligibilityWindow,
		SampleSize: o.policy.ExclusionSampleSize,
		Logger:     rc.logger,
	}
	if gate.Window <= 0 {
		gate.Window = policy.DefaultEligibilityWindow
	}
	if gate.SampleSize <= 0 || gate.SampleSize > maxArtifactSample {
		gate.SampleSize = maxArtifactSample
	}
	res := gate.Evaluate(rc.now(), findings, func(done, total int) {
		rc.advance(id, done, total, "")
	})

	rc.gate = res
	rc.record.Counts.Eligible = res.EligibleCount
	rc.record.Counts.Excluded = res.ExcludedCount
	metrics.FindingsTotal.WithLabelValues("eligible").Add(float64(res.EligibleCount))
	metrics.FindingsTotal.WithLabelValues("excluded").Add(float64(res.ExcludedCount))
	for reason, n := range res.ExcludedByReason {
		metrics.ExclusionsTotal.WithLabelValues(string(reason)).Add(float64(n))
	}

	if err := rc.putArtifact(id, res); err != nil {
		return err
	}
	return rc.complete(id, fmt.Sprintf("%d eligible, %d excluded", res.EligibleCount, res.ExcludedCount))
}

func (o *Orchestrator) runGrouping(rc *runContext) error {
	const id = poam.MilestoneGrouping
	if err := rc.begin(id); err != nil {
		return err
	}
	groups, err := o.grouper.Group(rc.ctx, rc.gate.Eligible, rc.scanID())
	if err != nil {
		return fmt.Errorf("group findings: %w", err)
	}
	if err := validateGroups(groups, rc.gate.Eligible); err != nil {
		return err
	}
	rc.groups = groups
	rc.signatures = signatureDistribution(groups)
	rc.record.Counts.Groups = len(groups)
	rc.advance(id, len(groups), len(groups), fmt.Sprintf("%d remediation groups", len(groups)))

	if err := rc.putArtifact(id, newGroupingArtifact(len(groups), rc.signatures)); err != nil {
		return err
	}
	return rc.complete(id, fmt.Sprintf("%d groups", len(groups)))
}

type enrichmentArtifact struct {
	Groups int                      `json:"groups"`
	Sample []enrichmentArtifactItem `json:"sample"`
}

type enrichmentArtifactItem struct {
	Signature string                 `json:"signature"`
	Context   poam.EnrichmentContext `json:"context"`
}

func (o *Orchestrator) runEnrichment(rc *runContext) error {
	const id = poam.MilestoneEnrichment
	if err := rc.begin(id); err != nil {
		return err
	}
	enricher := Enricher{MitigationLimit: o.policy.MitigationLimit}
	total := len(rc.groups)
	enriched := make([]poam.EnrichedGroup, 0, total)
	artifact := enrichmentArtifact{Groups: total}
	for i, g := range rc.groups {
		eg := enricher.Enrich(g)
		enriched = append(enriched, eg)
		if len(artifact.Sample) < maxArtifactSample {
			artifact.Sample = append(artifact.Sample, enrichmentArtifactItem{Signature: g.Signature, Context: eg.Context})
		}
		rc.advance(id, i+1, total, "")
	}
	rc.enriched = enriched
	rc.record.Counts.Enriched = len(enriched)

	if err := rc.putArtifact(id, artifact); err != nil {
		return err
	}
	return rc.complete(id, fmt.Sprintf("%d groups enriched", len(enriched)))
}

func (o *Orchestrator) runDrafting(rc *runContext) error {
	const id = poam.MilestoneDrafting
	if err := rc.begin(id); err != nil {
		return err
	}
	existing, err := o.store.CountPOAMs(rc.ctx)
	if err != nil {
		return fmt.Errorf("count existing poams: %w", err)
	}
	rc.baseline = existing == 0

	stamp := draftStamp{runID: rc.runID(), scanID: rc.scanID(), now: rc.now(), policy: o.policy}
	total := len(rc.enriched)
	drafts := make([]poam.Draft, 0, total)
	sources := make([]poam.EnrichedGroup, 0, total)
	artifact := draftingArtifact{Baseline: rc.baseline}

	for i, eg := range rc.enriched {
		d, err := buildDraft(rc.ctx, o.builder, eg)
		if err != nil {
			rc.record.Counts.Skipped++
			metrics.DraftsTotal.WithLabelValues("skipped").Inc()
			rc.logger.Warn("remediation group skipped", "signature", eg.Group.Signature, "err", err)
			if len(artifact.SkippedSample) < maxArtifactSample {
				artifact.SkippedSample = append(artifact.SkippedSample, skippedGroup{Signature: eg.Group.Signature, Reason: err.Error()})
			}
			rc.advance(id, i+1, total, "")
			continue
		}
		if err := checkDraft(eg, d); err != nil {
			return err
		}
		drafts = append(drafts, stamp.apply(eg, d, len(drafts)+1))
		sources = append(sources, eg)
		rc.advance(id, i+1, total, "")
	}

	if len(drafts) > 0 {
		o.builder.ScoreConfidence(drafts)
		for i := range drafts {
			if err := checkConfidence(drafts[i]); err != nil {
				return err
			}
			drafts[i] = stamp.apply(sources[i], drafts[i], i+1)
		}
	}
	if rc.baseline {
		artifact.TriagedIDs = autoTriage(drafts, o.policy.AutoTriageLimit)
	}

	rc.drafts = drafts
	rc.record.Counts.Drafted = len(drafts)
	rc.record.Counts.AutoTriaged = len(artifact.TriagedIDs)
	metrics.DraftsTotal.WithLabelValues("drafted").Add(float64(len(drafts)))
	artifact.Drafted = len(drafts)
	artifact.Skipped = rc.record.Counts.Skipped
	artifact.AutoTriaged = len(artifact.TriagedIDs)

	if err := rc.putArtifact(id, artifact); err != nil {
		return err
	}
	return rc.complete(id, fmt.Sprintf("%d drafts, %d skipped", len(drafts), rc.record.Counts.Skipped))
}

type commitArtifact struct {
	ScanID string      `json:"scan_id"`
	Counts poam.Counts `json:"counts"`
}

// runCommit writes drafts, the scan summary and the finalized run record as one batch.
// The in-memory record only becomes complete once the batch is durable. A baseline batch
// that loses the race to another import is demoted to a regular import and retried once.
func (o *Orchestrator) runCommit(rc *runContext) error {
	const id = poam.MilestoneCommit
	if err := rc.begin(id); err != nil {
		return err
	}
	counts := rc.record.Counts
	counts.Committed = len(rc.drafts)

	if err := rc.putArtifact(id, commitArtifact{ScanID: rc.scanID(), Counts: counts}); err != nil {
		return err
	}
	rc.advance(id, 1, 2, fmt.Sprintf("staged %d drafts and scan summary", len(rc.drafts)))

	batch := o.commitBatch(rc, counts)
	err := o.store.CommitImport(rc.ctx, batch)
	if errors.Is(err, store.ErrBaselineLost) {
		rc.logger.Warn("baseline taken by a concurrent import; committing without auto-triage",
			"auto_triaged", counts.AutoTriaged)
		demoteBaseline(rc.drafts)
		rc.baseline = false
		counts.AutoTriaged = 0
		rc.record.Counts.AutoTriaged = 0
		batch = o.commitBatch(rc, counts)
		err = o.store.CommitImport(rc.ctx, batch)
	}
	if err != nil {
		return fmt.Errorf("commit import: %w", err)
	}

	final := batch.Run
	ms := final.Milestone(id)
	rc.record = final
	rc.endMilestone(id, nil)
	rc.emit(id, 1, ms.Message, 2, 2)

	rc.result = &poam.CommitResult{
		POAMs:  rc.drafts,
		ScanID: rc.scanID(),
		RunID:  rc.runID(),
		Counts: counts,
	}
	rc.logger.Info("import complete",
		"eligible", counts.Eligible, "excluded", counts.Excluded, "groups", counts.Groups,
		"drafted", counts.Drafted, "skipped", counts.Skipped, "committed", counts.Committed,
		"baseline", rc.baseline)
	if rc.reporter != nil {
		rc.reporter.Report(Event{
			RunID:             rc.runID(),
			ScanID:            rc.scanID(),
			OverallProgress:   1,
			Milestone:         id,
			TotalMilestones:   poam.TotalMilestones,
			MilestoneProgress: 1,
			MilestoneName:     id.Name(),
			Message:           "import complete",
			Done:              true,
			At:                rc.now(),
		})
	}
	return nil
}

// commitBatch builds the batch for the current drafts, including the run record as it
// will read once the commit succeeds.
func (o *Orchestrator) commitBatch(rc *runContext, counts poam.Counts) store.CommitBatch {
	const id = poam.MilestoneCommit
	now := rc.now()

	final := rc.record.Clone()
	final.Counts = counts
	final.Status = poam.RunStatusComplete
	final.UpdatedAt = now
	final.CompletedAt = &now
	ms := final.Milestone(id)
	ms.Status = poam.MilestoneCompleted
	ms.Progress = 1
	ms.CompletedAt = &now
	ms.Message = fmt.Sprintf("%d poams committed", counts.Committed)

	return store.CommitBatch{
		Drafts: rc.drafts,
		Summary: poam.ScanSummary{
			ScanID:                rc.scanID(),
			RunID:                 rc.runID(),
			Counts:                counts,
			Metadata:              rc.record.Metadata,
			SignatureDistribution: rc.signatures,
			Baseline:              rc.baseline,
			CreatedAt:             now,
		},
		Run: final,
	}
}

// demoteBaseline undoes auto-triage.
func demoteBaseline(drafts []poam.Draft) {
	for i := range drafts {
		drafts[i].Status = poam.StatusOpen
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// deriveScanID keeps a caller supplied scan id. Otherwise it builds one from the file
// name, or from the run id when there is no file name.
func deriveScanID(meta poam.ScanMetadata, runID string, now time.Time) string {
	if id := strings.TrimSpace(meta.ScanID); id != "" {
		return id
	}
	stamp := now.UTC().Format("20060102150405")
	name := strings.TrimSpace(meta.FileName)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if ext := strings.LastIndex(name, "."); ext > 0 {
		name = name[:ext]
	}
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = strings.ReplaceAll(runID, "-", "")
		if len(slug) > 8 {
			slug = slug[:8]
		}
	}
	return "scan-" + slug + "-" + stamp
}

// RunImport builds an Orchestrator for a single import.
func RunImport(ctx context.Context, s store.Store, grouper Grouper, builder DraftBuilder, findings []poam.Finding, meta poam.ScanMetadata, progress Reporter, opts ...Option) (*poam.CommitResult, error) {
	o, err := New(s, grouper, builder, opts...)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, findings, meta, progress)
}
