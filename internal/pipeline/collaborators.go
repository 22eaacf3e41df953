package pipeline

import (
	"context"

	"github.com/open-sspm/poam-import/internal/poam"
)

// Grouper clusters eligible findings by remediation similarity. Implementations must be
// deterministic for identical input.
type Grouper interface {
	Group(ctx context.Context, findings []poam.Finding, scanID string) ([]poam.Group, error)
}

// GrouperFunc adapts a function to Grouper.
type GrouperFunc func(ctx context.Context, findings []poam.Finding, scanID string) ([]poam.Group, error)

func (f GrouperFunc) Group(ctx context.Context, findings []poam.Finding, scanID string) ([]poam.Group, error) {
	return f(ctx, findings, scanID)
}

// DraftBuilder assigns ownership and confidence to drafts. The orchestrator applies the
// SLA, risk, status and identity rules on top of whatever BuildDraft returns.
type DraftBuilder interface {
	BuildDraft(ctx context.Context, group poam.EnrichedGroup) (poam.Draft, error)
	// ScoreConfidence sets Confidence on each draft in place.
	ScoreConfidence(drafts []poam.Draft)
}
