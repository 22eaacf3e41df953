package pipeline

import (
	"cmp"
	"slices"
	"strings"

	"github.com/open-sspm/poam-import/internal/normalize"
	"github.com/open-sspm/poam-import/internal/poam"
)

const (
	NoDescription = "No description available"

	minDescriptionLength = 10
)

// Enricher derives the actionable context of a group. It is pure: asset, description and
// OS results do not depend on member order.
type Enricher struct {
	MitigationLimit int
}

func (e Enricher) Enrich(g poam.Group) poam.EnrichedGroup {
	canonical := canonicalMembers(g.Findings)
	os, primary := operatingSystems(canonical)
	return poam.EnrichedGroup{
		Group: g,
		Context: poam.EnrichmentContext{
			AffectedAssets:   affectedAssets(g.Findings),
			CleanDescription: cleanDescription(canonical),
			MitigationInputs: mitigationInputs(g.Findings, e.MitigationLimit),
			OperatingSystems: os,
			PrimaryOS:        primary,
		},
	}
}

// canonicalMembers orders findings independently of how the grouper emitted them.
func canonicalMembers(findings []poam.Finding) []poam.Finding {
	out := slices.Clone(findings)
	slices.SortStableFunc(out, func(a, b poam.Finding) int {
		return cmp.Or(
			strings.Compare(a.Key(), b.Key()),
			strings.Compare(normalize.Lower(a.Host), normalize.Lower(b.Host)),
			strings.Compare(a.Title, b.Title),
			strings.Compare(a.Description, b.Description),
			strings.Compare(a.OS, b.OS),
		)
	})
	return out
}

func affectedAssets(findings []poam.Finding) []string {
	seen := make(map[string]struct{}, len(findings))
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		if normalize.IsPlaceholder(f.Host) {
			continue
		}
		key := normalize.Lower(f.Host)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

func cleanDescription(canonical []poam.Finding) string {
	for _, f := range canonical {
		desc := normalize.Collapse(f.Description)
		if len(desc) < minDescriptionLength || normalize.IsPlaceholder(desc) {
			continue
		}
		if normalize.EqualFoldTrimmed(desc, f.Title) {
			continue
		}
		return desc
	}
	return NoDescription
}

// mitigationInputs keeps source order so the scanner's primary fix comes first.
func mitigationInputs(findings []poam.Finding, limit int) []string {
	if limit <= 0 {
		limit = 5
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, limit)
	for _, f := range findings {
		sol := normalize.Collapse(f.Solution)
		if sol == "" {
			continue
		}
		if _, ok := seen[sol]; ok {
			continue
		}
		seen[sol] = struct{}{}
		out = append(out, sol)
		if len(out) == limit {
			break
		}
	}
	return out
}

// operatingSystems returns the distinct OS values, sorted, and the most frequent one.
// Ties go to the value seen first in canonical order.
func operatingSystems(canonical []poam.Finding) ([]string, string) {
	type tally struct {
		display string
		count   int
		first   int
	}
	counts := make(map[string]*tally)
	for i, f := range canonical {
		os := normalize.Collapse(f.OS)
		if normalize.IsPlaceholder(os) {
			continue
		}
		key := strings.ToLower(os)
		if t, ok := counts[key]; ok {
			t.count++
			continue
		}
		counts[key] = &tally{display: os, count: 1, first: i}
	}
	if len(counts) == 0 {
		return nil, ""
	}

	all := make([]string, 0, len(counts))
	var best *tally
	for _, t := range counts {
		all = append(all, t.display)
		if best == nil || t.count > best.count || (t.count == best.count && t.first < best.first) {
			best = t
		}
	}
	slices.Sort(all)
	return all, best.display
}
