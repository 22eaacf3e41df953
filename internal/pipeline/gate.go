package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
)

type ExclusionReason string

const (
	ReasonMissingFirstDetected ExclusionReason = "missing_first_detected"
	ReasonInvalidFirstDetected ExclusionReason = "invalid_first_detected"
	ReasonWithinGracePeriod    ExclusionReason = "within_grace_period"
)

// Exclusion records why a finding did not pass the eligibility gate.
type Exclusion struct {
	FindingID     string          `json:"finding_id"`
	Title         string          `json:"title"`
	Host          string          `json:"host"`
	FirstDetected string          `json:"first_detected"`
	Reason        ExclusionReason `json:"reason"`
}

type GateResult struct {
	Eligible         []poam.Finding          `json:"-"`
	EligibleCount    int                     `json:"eligible"`
	ExcludedCount    int                     `json:"excluded"`
	ExcludedByReason map[ExclusionReason]int `json:"excluded_by_reason"`
	ExcludedSample   []Exclusion             `json:"excluded_sample"`
}

// Gate keeps findings that have been open longer than Window. Findings without a usable
// first-detected timestamp are excluded and logged rather than guessed at.
type Gate struct {
	Window     time.Duration
	SampleSize int
	Logger     *slog.Logger
}

// Evaluate classifies every finding. progress is called after each one.
func (g Gate) Evaluate(now time.Time, findings []poam.Finding, progress func(done, total int)) GateResult {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := GateResult{
		Eligible:         make([]poam.Finding, 0, len(findings)),
		ExcludedByReason: make(map[ExclusionReason]int),
	}

	total := len(findings)
	for i, f := range findings {
		reason, ok := g.classify(now, f)
		if ok {
			res.Eligible = append(res.Eligible, f)
		} else {
			res.ExcludedCount++
			res.ExcludedByReason[reason]++
			if len(res.ExcludedSample) < g.SampleSize {
				res.ExcludedSample = append(res.ExcludedSample, Exclusion{
					FindingID:     f.Key(),
					Title:         f.Title,
					Host:          f.Host,
					FirstDetected: f.FirstDetected,
					Reason:        reason,
				})
			}
			if reason != ReasonWithinGracePeriod {
				logger.Warn("finding excluded: unusable first detected date",
					"finding", f.Key(), "host", f.Host, "first_detected", f.FirstDetected, "reason", string(reason))
			}
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	res.EligibleCount = len(res.Eligible)
	return res
}

func (g Gate) classify(now time.Time, f poam.Finding) (ExclusionReason, bool) {
	detected, err := f.DetectedAt()
	switch {
	case errors.Is(err, poam.ErrNoFirstDetected):
		return ReasonMissingFirstDetected, false
	case err != nil:
		return ReasonInvalidFirstDetected, false
	}
	if now.Sub(detected) > g.Window {
		return "", true
	}
	return ReasonWithinGracePeriod, false
}
