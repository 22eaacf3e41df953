// Package triage is the built-in POC and confidence collaborator for draft population.
package triage

import (
	"context"
	"errors"
	"strings"

	"github.com/open-sspm/poam-import/internal/normalize"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/policy"
)

// ErrNoPOC is returned when no rule matches and the policy has no default POC.
var ErrNoPOC = errors.New("no poc rule matched and no default poc is configured")

const (
	baseConfidence       = 50
	patchableConfidence  = 20
	advisoryConfidence   = 15
	mitigationConfidence = 15
	maxConfidence        = 100
)

// Builder routes drafts to owners using policy.POCPolicy rules.
type Builder struct {
	POC policy.POCPolicy
}

func New(p policy.POCPolicy) *Builder {
	return &Builder{POC: p}
}

func (b *Builder) BuildDraft(ctx context.Context, eg poam.EnrichedGroup) (poam.Draft, error) {
	if err := ctx.Err(); err != nil {
		return poam.Draft{}, err
	}
	poc, err := b.AssignPOC(eg)
	if err != nil {
		return poam.Draft{}, err
	}
	return poam.Draft{
		POC:                 poc,
		TotalAffectedAssets: len(eg.Context.AffectedAssets),
		FindingCount:        len(eg.Group.Findings),
	}, nil
}

// AssignPOC returns the POC of the first matching rule, else the default.
func (b *Builder) AssignPOC(eg poam.EnrichedGroup) (string, error) {
	for _, rule := range b.POC.Rules {
		if matches(rule, eg) {
			return strings.TrimSpace(rule.POC), nil
		}
	}
	if def := strings.TrimSpace(b.POC.Default); def != "" {
		return def, nil
	}
	return "", ErrNoPOC
}

// matches requires every condition the rule sets to hold.
func matches(rule policy.POCRule, eg poam.EnrichedGroup) bool {
	if strings.TrimSpace(rule.POC) == "" {
		return false
	}
	conditions := 0
	if want := normalize.Lower(rule.OSContains); want != "" {
		conditions++
		if !anyContains(eg.Context.OperatingSystems, want) {
			return false
		}
	}
	if want := normalize.Lower(rule.AssetPrefix); want != "" {
		conditions++
		if !anyHasPrefix(eg.Context.AffectedAssets, want) {
			return false
		}
	}
	if want := normalize.Lower(rule.TitleContains); want != "" {
		conditions++
		if !strings.Contains(normalize.Lower(eg.Group.Representative()), want) {
			return false
		}
	}
	return conditions > 0
}

func anyContains(values []string, want string) bool {
	for _, v := range values {
		if strings.Contains(normalize.Lower(v), want) {
			return true
		}
	}
	return false
}

func anyHasPrefix(values []string, want string) bool {
	for _, v := range values {
		if strings.HasPrefix(normalize.Lower(v), want) {
			return true
		}
	}
	return false
}

// ScoreConfidence rates how actionable each draft is: patchable issues with advisories and
// concrete mitigation steps score highest.
func (b *Builder) ScoreConfidence(drafts []poam.Draft) {
	for i := range drafts {
		score := baseConfidence
		if drafts[i].Patchable {
			score += patchableConfidence
		}
		if len(drafts[i].AdvisoryIDs) > 0 {
			score += advisoryConfidence
		}
		if len(drafts[i].Mitigation) > 0 {
			score += mitigationConfidence
		}
		drafts[i].Confidence = min(score, maxConfidence)
	}
}
