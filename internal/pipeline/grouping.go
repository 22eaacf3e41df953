package pipeline

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/open-sspm/poam-import/internal/poam"
)

const maxArtifactSignatures = 50

// validateGroups checks the grouper's output against the eligible set. Every group needs a
// signature and at least one member. Members are matched on their full content, so a
// finding that only shares a key with an eligible one is rejected, and each eligible
// finding may be placed in one group only.
func validateGroups(groups []poam.Group, eligible []poam.Finding) error {
	remaining := make(map[string]int, len(eligible))
	for _, f := range eligible {
		remaining[fingerprint(f)]++
	}
	placed := make(map[string]string)
	for i, g := range groups {
		if strings.TrimSpace(g.Signature) == "" {
			return &ContractError{Collaborator: "grouper", Reason: fmt.Sprintf("group %d has an empty signature", i)}
		}
		if len(g.Findings) == 0 {
			return &ContractError{Collaborator: "grouper", Reason: fmt.Sprintf("group %q has no findings", g.Signature)}
		}
		for _, f := range g.Findings {
			fp := fingerprint(f)
			if remaining[fp] > 0 {
				remaining[fp]--
				placed[fp] = g.Signature
				continue
			}
			if prev, ok := placed[fp]; ok {
				return &ContractError{
					Collaborator: "grouper",
					Reason:       fmt.Sprintf("finding %q is in group %q and again in group %q", f.Key(), prev, g.Signature),
				}
			}
			return &ContractError{
				Collaborator: "grouper",
				Reason:       fmt.Sprintf("group %q references finding %q that is not eligible", g.Signature, f.Key()),
			}
		}
	}
	return nil
}

// fingerprint identifies a finding by every field it carries.
func fingerprint(f poam.Finding) string {
	return strings.Join([]string{
		f.ID, f.Title, f.Host, string(f.Severity), f.FirstDetected, f.Solution, f.Description,
		strings.Join(f.CVEs, "\x1e"), strings.Join(f.AdvisoryIDs, "\x1e"), f.OS, strconv.FormatBool(f.Patchable),
	}, "\x1f")
}

// signatureDistribution counts member findings per signature.
func signatureDistribution(groups []poam.Group) map[string]int {
	out := make(map[string]int, len(groups))
	for _, g := range groups {
		out[g.Signature] += len(g.Findings)
	}
	return out
}

type signatureCount struct {
	Signature string `json:"signature"`
	Findings  int    `json:"findings"`
}

type groupingArtifact struct {
	Groups     int              `json:"groups"`
	Findings   int              `json:"findings"`
	Signatures []signatureCount `json:"signatures"`
	Truncated  bool             `json:"truncated,omitempty"`
}

func newGroupingArtifact(groups int, dist map[string]int) groupingArtifact {
	out := groupingArtifact{Groups: groups}
	counts := make([]signatureCount, 0, len(dist))
	for sig, n := range dist {
		out.Findings += n
		counts = append(counts, signatureCount{Signature: sig, Findings: n})
	}
	slices.SortFunc(counts, func(a, b signatureCount) int {
		return cmp.Or(cmp.Compare(b.Findings, a.Findings), strings.Compare(a.Signature, b.Signature))
	})
	if len(counts) > maxArtifactSignatures {
		counts = counts[:maxArtifactSignatures]
		out.Truncated = true
	}
	out.Signatures = counts
	return out
}
