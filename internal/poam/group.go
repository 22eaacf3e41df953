package poam

import "strings"

// Group is a cluster of eligible findings sharing a remediation approach.
type Group struct {
	Signature   string    `json:"signature"`
	Findings    []Finding `json:"findings"`
	Severity    Severity  `json:"severity"`
	Patchable   bool      `json:"patchable"`
	Assets      []string  `json:"assets"`
	AdvisoryIDs []string  `json:"advisory_ids"`
}

// Representative returns the title of the most severe member, falling back to the
// signature when no member has a title.
func (g Group) Representative() string {
	var (
		title string
		rank  = -1
	)
	for _, f := range g.Findings {
		t := strings.TrimSpace(f.Title)
		if t == "" {
			continue
		}
		if r := f.Severity.Rank(); r > rank {
			title, rank = t, r
		}
	}
	if title == "" {
		return g.Signature
	}
	return title
}

// EnrichmentContext is the actionable context derived from a group's members.
type EnrichmentContext struct {
	AffectedAssets   []string `json:"affected_assets"`
	CleanDescription string   `json:"clean_description"`
	MitigationInputs []string `json:"mitigation_inputs"`
	OperatingSystems []string `json:"operating_systems"`
	PrimaryOS        string   `json:"primary_os"`
}

// EnrichedGroup pairs a group with its enrichment context.
type EnrichedGroup struct {
	Group   Group             `json:"group"`
	Context EnrichmentContext `json:"context"`
}
