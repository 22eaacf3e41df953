package pipeline

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStageRun(t *testing.T, o *Orchestrator) *runContext {
	t.Helper()
	rc := o.newRunContext(context.Background(), nil, "run-1", "scan-1", poam.ScanMetadata{}, nil, testNow)
	require.NoError(t, o.store.CreateRun(context.Background(), rc.record.Clone()))
	return rc
}

func TestStageRequiresPredecessorAtFullProgress(t *testing.T) {
	t.Parallel()

	for k := poam.MilestoneGrouping; k <= poam.MilestoneCommit; k++ {
		for _, partial := range []struct {
			status   poam.MilestoneStatus
			progress float64
		}{
			{poam.MilestonePending, 0},
			{poam.MilestoneRunning, 0.5},
			{poam.MilestoneRunning, 0.999},
			{poam.MilestoneCompleted, 0.99},
			{poam.MilestoneFailed, 1},
		} {
			t.Run(fmt.Sprintf("%s/%s@%v", k.Phase(), partial.status, partial.progress), func(t *testing.T) {
				o := newTestOrchestrator(t, memstore.New(), nil)
				rc := newStageRun(t, o)
				for prev := poam.MilestoneEligibility; prev < k-1; prev++ {
					ms := rc.record.Milestone(prev)
					ms.Status, ms.Progress = poam.MilestoneCompleted, 1
				}
				prev := rc.record.Milestone(k - 1)
				prev.Status, prev.Progress = partial.status, partial.progress

				err := o.stages()[k-1].run(rc, nil)
				var pe *PreconditionError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, k, pe.Milestone)
				assert.Equal(t, poam.MilestonePending, rc.record.Milestone(k).Status)
			})
		}
	}
}

func TestStageCannotBeReentered(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, memstore.New(), nil)
	rc := newStageRun(t, o)
	require.NoError(t, o.runGate(rc, []poam.Finding{finding("a", "A", "h", poam.SeverityLow, 40)}))
	assert.Equal(t, poam.MilestoneCompleted, rc.record.Milestone(poam.MilestoneEligibility).Status)

	err := o.runGate(rc, nil)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "already completed")
	assert.Equal(t, 1, rc.gate.EligibleCount)
}

func TestStagesPersistAfterEachMilestone(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	o := newTestOrchestrator(t, st, nil)
	rc := newStageRun(t, o)
	require.NoError(t, o.runGate(rc, []poam.Finding{finding("a", "A", "h", poam.SeverityLow, 40)}))

	stored, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, poam.MilestoneCompleted, stored.Milestone(poam.MilestoneEligibility).Status)
	assert.Equal(t, poam.MilestonePending, stored.Milestone(poam.MilestoneGrouping).Status)
	assert.Equal(t, 1, stored.Counts.Eligible)

	require.NoError(t, o.runGrouping(rc))
	stored, err = st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, poam.MilestoneGrouping, stored.CurrentMilestone)
	assert.Equal(t, 1, stored.Counts.Groups)
}

func TestGateEvaluate(t *testing.T) {
	t.Parallel()

	findings := []poam.Finding{
		finding("old", "A", "h1", poam.SeverityHigh, 31),
		finding("edge", "A", "h2", poam.SeverityHigh, 30),
		finding("new", "A", "h3", poam.SeverityHigh, 1),
		{ID: "missing", Title: "A", Host: "h4"},
		{ID: "garbage", Title: "A", Host: "h5", FirstDetected: "last tuesday"},
	}
	var calls []int
	res := Gate{Window: 30 * 24 * time.Hour, SampleSize: 10, Logger: discardLogger()}.
		Evaluate(testNow, findings, func(done, total int) {
			assert.Equal(t, len(findings), total)
			calls = append(calls, done)
		})

	assert.Equal(t, []int{1, 2, 3, 4, 5}, calls)
	assert.Equal(t, 1, res.EligibleCount)
	assert.Equal(t, "old", res.Eligible[0].ID)
	assert.Equal(t, 4, res.ExcludedCount)
	assert.Equal(t, map[ExclusionReason]int{
		ReasonWithinGracePeriod:    2,
		ReasonMissingFirstDetected: 1,
		ReasonInvalidFirstDetected: 1,
	}, res.ExcludedByReason)
}

func TestGateBoundsExclusionSample(t *testing.T) {
	t.Parallel()

	var findings []poam.Finding
	for i := range 25 {
		findings = append(findings, finding(fmt.Sprintf("f%d", i), "A", "h", poam.SeverityLow, 2))
	}
	res := Gate{Window: 30 * 24 * time.Hour, SampleSize: 10, Logger: discardLogger()}.Evaluate(testNow, findings, nil)
	assert.Equal(t, 25, res.ExcludedCount)
	assert.Len(t, res.ExcludedSample, 10)
	assert.Equal(t, "f0", res.ExcludedSample[0].FindingID)
}

func TestEnrichIsOrderInsensitive(t *testing.T) {
	t.Parallel()

	members := []poam.Finding{
		{ID: "3", Title: "SMB signing", Host: "FS-01", OS: "Windows Server 2019", Description: "SMB signing is not required on the remote server."},
		{ID: "1", Title: "SMB signing", Host: "fs-01", OS: "Windows Server 2022", Description: "n/a"},
		{ID: "2", Title: "SMB signing", Host: "fs-02", OS: "Windows Server 2022", Description: "SMB signing"},
		{ID: "4", Title: "SMB signing", Host: "unknown", OS: "Windows Server 2019", Description: "Signing is disabled, allowing man-in-the-middle attacks."},
		{ID: "5", Title: "SMB signing", Host: "", OS: ""},
	}
	e := Enricher{MitigationLimit: 5}
	want := e.Enrich(poam.Group{Signature: "smb", Findings: members})

	assert.Equal(t, []string{"fs-01", "fs-02"}, want.Context.AffectedAssets)
	assert.Equal(t, "SMB signing is not required on the remote server.", want.Context.CleanDescription)
	assert.Equal(t, []string{"Windows Server 2019", "Windows Server 2022"}, want.Context.OperatingSystems)
	// Two each; member "1" sorts first in canonical order.
	assert.Equal(t, "Windows Server 2022", want.Context.PrimaryOS)

	perm := slices.Clone(members)
	for range 10 {
		slices.Reverse(perm)
		perm = append(perm[1:], perm[0])
		got := e.Enrich(poam.Group{Signature: "smb", Findings: perm})
		assert.Equal(t, want.Context.AffectedAssets, got.Context.AffectedAssets)
		assert.Equal(t, want.Context.CleanDescription, got.Context.CleanDescription)
		assert.Equal(t, want.Context.PrimaryOS, got.Context.PrimaryOS)
		assert.Equal(t, want.Context.OperatingSystems, got.Context.OperatingSystems)
	}
}

func TestEnrichMitigationInputs(t *testing.T) {
	t.Parallel()

	e := Enricher{MitigationLimit: 5}
	got := e.Enrich(poam.Group{Signature: "x", Findings: []poam.Finding{
		{Solution: ""},
		{Solution: "Apply patch X"},
		{Solution: "Apply patch X"},
	}})
	assert.Equal(t, []string{"Apply patch X"}, got.Context.MitigationInputs)

	var many []poam.Finding
	for i := 7; i > 0; i-- {
		many = append(many, poam.Finding{Solution: fmt.Sprintf("  step %d ", i)})
	}
	got = e.Enrich(poam.Group{Signature: "y", Findings: many})
	assert.Equal(t, []string{"step 7", "step 6", "step 5", "step 4", "step 3"}, got.Context.MitigationInputs)
}

func TestEnrichFallsBackWithoutDescription(t *testing.T) {
	t.Parallel()

	got := Enricher{}.Enrich(poam.Group{Signature: "x", Findings: []poam.Finding{
		{Title: "Outdated OpenSSH version", Description: "Outdated OpenSSH version"},
		{Title: "Outdated OpenSSH", Description: "N/A"},
		{Title: "Outdated OpenSSH", Description: "short"},
	}})
	assert.Equal(t, NoDescription, got.Context.CleanDescription)
	assert.Empty(t, got.Context.PrimaryOS)
	assert.Empty(t, got.Context.AffectedAssets)
}

func TestAutoTriage(t *testing.T) {
	t.Parallel()

	drafts := make([]poam.Draft, 0, 12)
	for i, assets := range []int{3, 12, 1, 7, 9, 2, 11, 4, 10, 5, 8, 6} {
		drafts = append(drafts, poam.Draft{ID: fmt.Sprintf("d%d", i), Status: poam.StatusOpen, TotalAffectedAssets: assets})
	}
	ids := autoTriage(drafts, 8)
	assert.Equal(t, []string{"d1", "d6", "d8", "d4", "d10", "d3", "d11", "d9"}, ids)
	for _, d := range drafts {
		if d.TotalAffectedAssets >= 5 {
			assert.Equal(t, poam.StatusInProgress, d.Status, d.ID)
		} else {
			assert.Equal(t, poam.StatusOpen, d.Status, d.ID)
		}
	}

	ties := []poam.Draft{{ID: "a", TotalAffectedAssets: 2}, {ID: "b", TotalAffectedAssets: 2}, {ID: "c", TotalAffectedAssets: 2}}
	assert.Equal(t, []string{"a", "b"}, autoTriage(ties, 2))
	assert.Nil(t, autoTriage(ties, 0))
}

func TestDraftStampFillsRollups(t *testing.T) {
	t.Parallel()

	eg := poam.EnrichedGroup{
		Group: poam.Group{
			Signature:   "sig",
			Severity:    poam.SeverityHigh,
			Patchable:   true,
			AdvisoryIDs: []string{"CVE-2024-0001"},
			Findings: []poam.Finding{
				{Title: "Low thing", Severity: poam.SeverityLow},
				{Title: "High thing", Severity: poam.SeverityHigh},
			},
		},
		Context: poam.EnrichmentContext{
			AffectedAssets:   []string{"a", "b", "c"},
			CleanDescription: "desc",
			MitigationInputs: []string{"patch"},
			PrimaryOS:        "RHEL 9",
		},
	}
	stamp := draftStamp{runID: "0f8fad5b-d9cb-469f-a165-70867728950e", scanID: "scan", now: testNow}
	d := stamp.apply(eg, poam.Draft{POC: "ops", Status: "Closed", Risk: poam.SeverityLow}, 7)

	assert.Equal(t, "POAM-0F8FAD5B-0007", d.ID)
	assert.Equal(t, "High thing", d.Title)
	assert.Equal(t, "desc", d.Description)
	assert.Equal(t, poam.SeverityHigh, d.Risk)
	assert.Equal(t, poam.StatusOpen, d.Status)
	assert.Equal(t, 3, d.TotalAffectedAssets)
	assert.Equal(t, 2, d.FindingCount)
	assert.Equal(t, []string{"patch"}, d.Mitigation)
	assert.Equal(t, "RHEL 9", d.OperatingSystem)
	assert.Equal(t, []string{"CVE-2024-0001"}, d.AdvisoryIDs)
	assert.Equal(t, "ops", d.POC)
	assert.Equal(t, d, stamp.apply(eg, d, 7))
}

func TestChannelReporterAppliesBackpressure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewChannelReporter(ctx, 1)
	r.Report(Event{Message: "first"})

	sent := make(chan struct{})
	go func() {
		r.Report(Event{Message: "second"})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("Report returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "first", (<-r.Events()).Message)
	<-sent
	assert.Equal(t, "second", (<-r.Events()).Message)

	cancel()
	r.Report(Event{Message: "third"})
	r.Report(Event{Message: "dropped"})
}

func TestOverallProgress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, OverallProgress(poam.MilestoneEligibility, 0))
	assert.InDelta(t, 0.1, OverallProgress(poam.MilestoneEligibility, 0.5), 1e-9)
	assert.InDelta(t, 0.9, OverallProgress(poam.MilestoneCommit, 0.5), 1e-9)
	assert.Equal(t, 1.0, OverallProgress(poam.MilestoneCommit, 1))
	assert.Equal(t, 1.0, OverallProgress(poam.MilestoneCommit, 7))
	assert.Equal(t, 0.0, OverallProgress(0, 1))
}
