package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/open-sspm/poam-import/internal/metrics"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const failurePersistTimeout = 10 * time.Second

// runContext carries everything one execution owns: the run record, the in-memory phase
// outputs and the telemetry handles. Nothing in it is shared between runs.
type runContext struct {
	ctx      context.Context
	store    store.Store
	reporter Reporter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	record    poam.RunRecord
	startedAt time.Time

	runCtx         context.Context
	runSpan        trace.Span
	milestoneSpan  trace.Span
	milestoneStart time.Time

	// Phase outputs. Each phase reads only its predecessor's field.
	gate       GateResult
	groups     []poam.Group
	signatures map[string]int
	enriched   []poam.EnrichedGroup
	drafts     []poam.Draft
	baseline   bool
	result     *poam.CommitResult
}

func (rc *runContext) runID() string  { return rc.record.RunID }
func (rc *runContext) scanID() string { return rc.record.ScanID }

// require fails unless milestone id may start now: its predecessor completed at full
// progress and id itself has not run yet.
func (rc *runContext) require(id poam.MilestoneID) error {
	current := rc.record.Milestone(id)
	if current == nil {
		return &PreconditionError{Milestone: id, Reason: "unknown milestone"}
	}
	if current.Status != poam.MilestonePending {
		return &PreconditionError{Milestone: id, Reason: fmt.Sprintf("milestone is already %s", current.Status)}
	}
	if id == poam.MilestoneEligibility {
		return nil
	}
	prev := rc.record.Milestone(id - 1)
	if prev.Status != poam.MilestoneCompleted || prev.Progress != 1 {
		return &PreconditionError{
			Milestone: id,
			Reason:    fmt.Sprintf("%s is %s at progress %.2f", prev.Name, prev.Status, prev.Progress),
		}
	}
	return nil
}

// begin marks id running and persists the record.
func (rc *runContext) begin(id poam.MilestoneID) error {
	if err := rc.require(id); err != nil {
		return err
	}
	now := rc.now()
	ms := rc.record.Milestone(id)
	ms.Status = poam.MilestoneRunning
	ms.Progress = 0
	ms.StartedAt = &now
	rc.record.CurrentMilestone = id

	rc.milestoneStart = now
	var span trace.Span
	rc.ctx, span = rc.tracer.Start(rc.runCtx, "poam.milestone."+id.Phase(), trace.WithAttributes(
		attribute.Int("poam.milestone", int(id)),
		attribute.String("poam.milestone_name", id.Name()),
	))
	rc.milestoneSpan = span

	if err := rc.persist(); err != nil {
		return err
	}
	rc.emit(id, 0, id.Name()+" started", 0, 0)
	return nil
}

// advance records in-phase progress. It does not persist; the milestone stays running
// until complete.
func (rc *runContext) advance(id poam.MilestoneID, done, total int, message string) {
	progress := 1.0
	if total > 0 {
		progress = clamp01(float64(done) / float64(total))
	}
	if message == "" {
		message = fmt.Sprintf("%s %d/%d", id.Phase(), done, total)
	}
	ms := rc.record.Milestone(id)
	ms.Progress = progress
	rc.emit(id, progress, message, int64(done), int64(total))
}

// complete marks id finished at full progress, persists the record and closes the span.
func (rc *runContext) complete(id poam.MilestoneID, message string) error {
	now := rc.now()
	ms := rc.record.Milestone(id)
	ms.Status = poam.MilestoneCompleted
	ms.Progress = 1
	ms.Message = message
	ms.CompletedAt = &now
	if err := rc.persist(); err != nil {
		return err
	}
	rc.endMilestone(id, nil)
	rc.emit(id, 1, message, 0, 0)
	return nil
}

func (rc *runContext) persist() error {
	rc.record.UpdatedAt = rc.now()
	if err := rc.store.UpdateRun(rc.ctx, rc.record.Clone()); err != nil {
		return fmt.Errorf("persist run record: %w", err)
	}
	return nil
}

func (rc *runContext) putArtifact(id poam.MilestoneID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", id.Phase(), err)
	}
	artifact := poam.Artifact{
		ID:          uuid.NewString(),
		RunID:       rc.runID(),
		MilestoneID: id,
		Name:        id.Phase(),
		Payload:     raw,
		CreatedAt:   rc.now(),
	}
	if err := rc.store.PutArtifact(rc.ctx, artifact); err != nil {
		return fmt.Errorf("write %s artifact: %w", id.Phase(), err)
	}
	return nil
}

func (rc *runContext) emit(id poam.MilestoneID, milestoneProgress float64, message string, current, total int64) {
	if rc.reporter == nil {
		return
	}
	rc.reporter.Report(Event{
		RunID:             rc.runID(),
		ScanID:            rc.scanID(),
		OverallProgress:   OverallProgress(id, milestoneProgress),
		Milestone:         id,
		TotalMilestones:   poam.TotalMilestones,
		MilestoneProgress: milestoneProgress,
		MilestoneName:     id.Name(),
		Message:           message,
		Current:           current,
		Total:             total,
		At:                rc.now(),
	})
}

func (rc *runContext) endMilestone(id poam.MilestoneID, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	if !rc.milestoneStart.IsZero() {
		metrics.MilestoneDuration.WithLabelValues(id.Phase(), status).Observe(rc.now().Sub(rc.milestoneStart).Seconds())
		rc.milestoneStart = time.Time{}
	}
	if rc.milestoneSpan == nil {
		return
	}
	if err != nil {
		rc.milestoneSpan.RecordError(err)
		rc.milestoneSpan.SetStatus(codes.Error, err.Error())
	} else {
		rc.milestoneSpan.SetStatus(codes.Ok, "")
	}
	rc.milestoneSpan.End()
	rc.milestoneSpan = nil
}

// finish closes the run span and records run level metrics.
func (rc *runContext) finish(err error) {
	status := string(poam.RunStatusComplete)
	if err != nil {
		status = string(poam.RunStatusFailed)
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.WithLabelValues(status).Observe(rc.now().Sub(rc.startedAt).Seconds())
	if err == nil {
		metrics.LastSuccessTimestamp.Set(float64(rc.now().Unix()))
	}
	if rc.runSpan == nil {
		return
	}
	rc.runSpan.SetAttributes(
		attribute.Int("poam.findings.eligible", rc.record.Counts.Eligible),
		attribute.Int("poam.drafts.committed", rc.record.Counts.Committed),
	)
	if err != nil {
		rc.runSpan.RecordError(err)
		rc.runSpan.SetStatus(codes.Error, err.Error())
	} else {
		rc.runSpan.SetStatus(codes.Ok, "")
	}
	rc.runSpan.End()
}

// fail records the failure of milestone id on the run record and returns the error the
// caller sees. The record is written with a detached context so a cancelled caller still
// leaves a diagnosable run behind.
func (rc *runContext) fail(id poam.MilestoneID, cause error) *PipelineError {
	now := rc.now()
	if ms := rc.record.Milestone(id); ms != nil {
		ms.Status = poam.MilestoneFailed
		ms.Message = cause.Error()
		rc.record.CurrentMilestone = id
	}
	rc.record.Status = poam.RunStatusFailed
	rc.record.Error = &poam.RunError{Milestone: id, Phase: id.Phase(), Message: cause.Error()}
	rc.record.UpdatedAt = now
	rc.record.CompletedAt = &now

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(rc.ctx), failurePersistTimeout)
	defer cancel()
	err := cause
	if perr := rc.store.UpdateRun(persistCtx, rc.record.Clone()); perr != nil {
		rc.logger.Error("failed to record run failure", "run_id", rc.runID(), "err", perr)
		err = errors.Join(cause, fmt.Errorf("record run failure: %w", perr))
	}

	rc.endMilestone(id, cause)
	rc.finish(cause)
	if rc.reporter != nil {
		ms := rc.record.Milestone(id)
		progress := 0.0
		if ms != nil {
			progress = ms.Progress
		}
		rc.reporter.Report(Event{
			RunID:             rc.runID(),
			ScanID:            rc.scanID(),
			OverallProgress:   OverallProgress(id, progress),
			Milestone:         id,
			TotalMilestones:   poam.TotalMilestones,
			MilestoneProgress: progress,
			MilestoneName:     id.Name(),
			Message:           id.Phase() + " failed",
			Done:              true,
			Err:               cause,
			At:                now,
		})
	}
	return &PipelineError{RunID: rc.runID(), Milestone: id, Phase: id.Phase(), Err: err}
}
