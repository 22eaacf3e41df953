package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/policy"
)

const maxArtifactSample = 10

type skippedGroup struct {
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

type draftingArtifact struct {
	Drafted       int            `json:"drafted"`
	Skipped       int            `json:"skipped"`
	AutoTriaged   int            `json:"auto_triaged"`
	Baseline      bool           `json:"baseline"`
	SkippedSample []skippedGroup `json:"skipped_sample,omitempty"`
	TriagedIDs    []string       `json:"triaged_ids,omitempty"`
}

// buildDraft calls the builder and turns a panic into an error so one bad group is
// skipped instead of taking the run down.
func buildDraft(ctx context.Context, b DraftBuilder, eg poam.EnrichedGroup) (d poam.Draft, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("draft builder panic: %v", r)
		}
	}()
	return b.BuildDraft(ctx, eg)
}

// checkDraft rejects builder output that cannot belong to eg.
func checkDraft(eg poam.EnrichedGroup, d poam.Draft) error {
	if d.Signature != "" && d.Signature != eg.Group.Signature {
		return &ContractError{
			Collaborator: "draft builder",
			Reason:       fmt.Sprintf("draft for group %q carries signature %q", eg.Group.Signature, d.Signature),
		}
	}
	if d.TotalAffectedAssets < 0 || d.FindingCount < 0 {
		return &ContractError{
			Collaborator: "draft builder",
			Reason:       fmt.Sprintf("draft for group %q has negative rollups", eg.Group.Signature),
		}
	}
	return checkConfidence(d)
}

func checkConfidence(d poam.Draft) error {
	if d.Confidence < 0 || d.Confidence > 100 {
		return &ContractError{
			Collaborator: "draft builder",
			Reason:       fmt.Sprintf("draft for group %q has confidence %d outside 0..100", d.Signature, d.Confidence),
		}
	}
	return nil
}

// draftStamp is what the pipeline itself decides for every draft of a run.
type draftStamp struct {
	runID  string
	scanID string
	now    time.Time
	policy policy.Policy
}

// apply overwrites the fields the pipeline owns and fills rollups the builder left empty.
// It is idempotent for a given seq.
func (s draftStamp) apply(eg poam.EnrichedGroup, d poam.Draft, seq int) poam.Draft {
	g := eg.Group
	d.Title = g.Representative()
	d.Description = eg.Context.CleanDescription
	d.Risk = g.Severity
	d.CreatedDate = s.now
	d.DueDate = s.now.Add(s.policy.SLA(g.Severity))
	d.ScanID = s.scanID
	d.RunID = s.runID
	d.Status = poam.StatusOpen
	d.Signature = g.Signature
	d.Patchable = g.Patchable

	if d.ID == "" {
		d.ID = draftID(s.runID, seq)
	}
	if d.AffectedAssets == nil {
		d.AffectedAssets = slices.Clone(eg.Context.AffectedAssets)
	}
	if d.TotalAffectedAssets == 0 {
		d.TotalAffectedAssets = len(d.AffectedAssets)
	}
	if d.FindingCount == 0 {
		d.FindingCount = len(g.Findings)
	}
	if d.Mitigation == nil {
		d.Mitigation = slices.Clone(eg.Context.MitigationInputs)
	}
	if d.OperatingSystem == "" {
		d.OperatingSystem = eg.Context.PrimaryOS
	}
	if d.AdvisoryIDs == nil {
		d.AdvisoryIDs = slices.Clone(g.AdvisoryIDs)
	}
	return d
}

func draftID(runID string, seq int) string {
	prefix := strings.ReplaceAll(runID, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("POAM-%s-%04d", strings.ToUpper(prefix), seq)
}

// autoTriage moves the limit drafts with the most affected assets to In Progress. Ties keep
// draft order. It returns the ids it changed.
func autoTriage(drafts []poam.Draft, limit int) []string {
	if limit <= 0 || len(drafts) == 0 {
		return nil
	}
	order := make([]int, len(drafts))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(drafts[b].TotalAffectedAssets, drafts[a].TotalAffectedAssets)
	})
	if len(order) > limit {
		order = order[:limit]
	}
	ids := make([]string, 0, len(order))
	for _, i := range order {
		drafts[i].Status = poam.StatusInProgress
		ids = append(ids, drafts[i].ID)
	}
	return ids
}
