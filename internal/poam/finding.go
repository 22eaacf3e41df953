package poam

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoFirstDetected is returned by DetectedAt when a finding has no first-detected value.
var ErrNoFirstDetected = errors.New("first detected timestamp is missing")

// Finding is one raw scanner result. It is treated as immutable for the lifetime of a run.
type Finding struct {
	ID            string   `json:"id,omitempty" yaml:"id,omitempty"`
	Title         string   `json:"title" yaml:"title"`
	Host          string   `json:"host" yaml:"host"`
	Severity      Severity `json:"severity" yaml:"severity"`
	FirstDetected string   `json:"first_detected" yaml:"first_detected"`
	Solution      string   `json:"solution,omitempty" yaml:"solution,omitempty"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	CVEs          []string `json:"cves,omitempty" yaml:"cves,omitempty"`
	AdvisoryIDs   []string `json:"advisory_ids,omitempty" yaml:"advisory_ids,omitempty"`
	OS            string   `json:"os,omitempty" yaml:"os,omitempty"`
	Patchable     bool     `json:"patchable" yaml:"patchable"`
}

// Key identifies a finding within a run. Scanner ids win; otherwise host and title.
func (f Finding) Key() string {
	if id := strings.TrimSpace(f.ID); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(f.Host)) + "|" + strings.TrimSpace(f.Title)
}

// detectedLayouts are the timestamp shapes emitted by the scanner exports we ingest.
var detectedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"Jan 2, 2006 15:04:05 MST",
	"Jan 2, 2006",
}

// DetectedAt parses FirstDetected.
func (f Finding) DetectedAt() (time.Time, error) {
	raw := strings.TrimSpace(f.FirstDetected)
	if raw == "" {
		return time.Time{}, ErrNoFirstDetected
	}
	for _, layout := range detectedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized first detected timestamp %q", raw)
}

// Identifiers returns the CVE and advisory ids of the finding, CVEs first.
func (f Finding) Identifiers() []string {
	out := make([]string, 0, len(f.CVEs)+len(f.AdvisoryIDs))
	out = append(out, f.CVEs...)
	out = append(out, f.AdvisoryIDs...)
	return out
}
