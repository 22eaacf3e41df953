package poam

import "strings"

// Severity is a normalized risk level. Unrecognized inputs keep their lowercased value so
// risk stays identity-mapped from the scanner.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps scanner severity labels and numeric levels onto Severity.
func ParseSeverity(raw string) Severity {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "critical", "crit", "4", "5", "urgent":
		return SeverityCritical
	case "high", "3", "serious":
		return SeverityHigh
	case "medium", "moderate", "med", "2":
		return SeverityMedium
	case "low", "1", "minimal":
		return SeverityLow
	case "info", "informational", "none", "0":
		return SeverityInfo
	default:
		return Severity(v)
	}
}

// Normalized returns ParseSeverity applied to s.
func (s Severity) Normalized() Severity {
	return ParseSeverity(string(s))
}

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s.Normalized() {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Known reports whether s is one of the recognized levels.
func (s Severity) Known() bool {
	return s.Rank() > 0
}

// Highest returns the most severe of the given severities.
func Highest(severities ...Severity) Severity {
	var best Severity
	for _, s := range severities {
		if best == "" || s.Rank() > best.Rank() {
			best = s.Normalized()
		}
	}
	return best
}
