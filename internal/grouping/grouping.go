// Package grouping is the built-in remediation grouper. It clusters findings that share a
// fix: the same normalized solution text, else the same advisory set, else the same title.
// Deployments with a content-similarity service plug that in through pipeline.Grouper
// instead.
package grouping

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/open-sspm/poam-import/internal/normalize"
	"github.com/open-sspm/poam-import/internal/poam"
)

// KeyGrouper groups by remediation key. The zero value is ready to use.
type KeyGrouper struct {
	// IncludeScanID prefixes signatures with the scan id so they are unique across scans.
	IncludeScanID bool
}

// Group is deterministic: groups are ordered by the first member in input order, members
// keep input order.
func (k KeyGrouper) Group(ctx context.Context, findings []poam.Finding, scanID string) ([]poam.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index := make(map[string]int)
	var groups []poam.Group
	for _, f := range findings {
		kind, key := RemediationKey(f)
		sig := Signature(kind, key)
		if k.IncludeScanID && strings.TrimSpace(scanID) != "" {
			sig = strings.TrimSpace(scanID) + ":" + sig
		}
		i, ok := index[sig]
		if !ok {
			i = len(groups)
			index[sig] = i
			groups = append(groups, poam.Group{Signature: sig})
		}
		groups[i].Findings = append(groups[i].Findings, f)
	}
	for i := range groups {
		finalize(&groups[i])
	}
	return groups, nil
}

// RemediationKey returns which attribute a finding is grouped on and its normalized value.
func RemediationKey(f poam.Finding) (kind, key string) {
	if sol := normalize.Lower(normalize.Collapse(f.Solution)); sol != "" && !normalize.IsPlaceholder(sol) {
		return "solution", sol
	}
	if ids := advisoryKey(f); ids != "" {
		return "advisory", ids
	}
	return "title", normalize.Lower(normalize.Collapse(f.Title))
}

func advisoryKey(f poam.Finding) string {
	ids := normalize.Unique(f.Identifiers())
	if len(ids) == 0 {
		return ""
	}
	for i := range ids {
		ids[i] = strings.ToUpper(ids[i])
	}
	slices.Sort(ids)
	return strings.Join(ids, ",")
}

// Signature is a short stable id for a remediation key.
func Signature(kind, key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s-%016x", kind, h.Sum64())
}

func finalize(g *poam.Group) {
	var (
		severities []poam.Severity
		assets     []string
		advisories []string
	)
	for _, f := range g.Findings {
		severities = append(severities, f.Severity)
		g.Patchable = g.Patchable || f.Patchable
		if !normalize.IsPlaceholder(f.Host) {
			assets = append(assets, normalize.Lower(f.Host))
		}
		advisories = append(advisories, f.Identifiers()...)
	}
	g.Severity = poam.Highest(severities...)
	g.Assets = normalize.Unique(assets)
	ids := normalize.Unique(advisories)
	for i := range ids {
		ids[i] = strings.ToUpper(ids[i])
	}
	slices.Sort(ids)
	g.AdvisoryIDs = slices.Compact(ids)
}
