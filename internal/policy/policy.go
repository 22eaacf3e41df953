// Package policy holds the business rules the import pipeline applies: the eligibility
// window, the severity to SLA table, auto-triage sizing and POC routing.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
	"gopkg.in/yaml.v3"
)

const (
	Day = 24 * time.Hour

	DefaultEligibilityWindow   = 30 * Day
	DefaultSLADays             = 90
	DefaultAutoTriageLimit     = 8
	DefaultExclusionSampleSize = 10
	DefaultMitigationLimit     = 5
	DefaultPOC                 = "Unassigned"
)

// Policy is the rule set for one pipeline instance.
type Policy struct {
	EligibilityWindow   time.Duration
	SLADays             map[poam.Severity]int
	DefaultSLADays      int
	AutoTriageLimit     int
	ExclusionSampleSize int
	MitigationLimit     int
	POC                 POCPolicy
}

// POCPolicy routes drafts to owners. The first matching rule wins.
type POCPolicy struct {
	Default string    `yaml:"default"`
	Rules   []POCRule `yaml:"rules"`
}

type POCRule struct {
	OSContains    string `yaml:"os_contains"`
	AssetPrefix   string `yaml:"asset_prefix"`
	TitleContains string `yaml:"title_contains"`
	POC           string `yaml:"poc"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		EligibilityWindow: DefaultEligibilityWindow,
		SLADays: map[poam.Severity]int{
			poam.SeverityCritical: 15,
			poam.SeverityHigh:     30,
			poam.SeverityMedium:   90,
			poam.SeverityLow:      180,
		},
		DefaultSLADays:      DefaultSLADays,
		AutoTriageLimit:     DefaultAutoTriageLimit,
		ExclusionSampleSize: DefaultExclusionSampleSize,
		MitigationLimit:     DefaultMitigationLimit,
		POC:                 POCPolicy{Default: DefaultPOC},
	}
}

// SLA returns the remediation window for a severity. Unrecognized severities get the
// default (medium) window.
func (p Policy) SLA(sev poam.Severity) time.Duration {
	if days, ok := p.SLADays[sev.Normalized()]; ok && days > 0 {
		return time.Duration(days) * Day
	}
	days := p.DefaultSLADays
	if days <= 0 {
		days = DefaultSLADays
	}
	return time.Duration(days) * Day
}

type fileConfig struct {
	EligibilityDays     *int           `yaml:"eligibility_days"`
	EligibilityWindow   string         `yaml:"eligibility_window"`
	SLADays             map[string]int `yaml:"sla_days"`
	DefaultSLADays      *int           `yaml:"default_sla_days"`
	AutoTriageLimit     *int           `yaml:"auto_triage_limit"`
	ExclusionSampleSize *int           `yaml:"exclusion_sample_size"`
	MitigationLimit     *int           `yaml:"mitigation_limit"`
	POC                 *POCPolicy     `yaml:"poc"`
}

// Load reads a YAML policy file and overlays it on Default. An empty path returns Default.
func Load(path string) (Policy, error) {
	p := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy %s: %w", path, err)
	}
	if err := p.apply(data); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}

// Parse overlays YAML policy data on Default.
func Parse(data []byte) (Policy, error) {
	p := Default()
	if err := p.apply(data); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Policy) apply(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if fc.EligibilityDays != nil && fc.EligibilityWindow != "" {
		return errors.New("eligibility_days and eligibility_window are mutually exclusive")
	}
	if fc.EligibilityDays != nil {
		if *fc.EligibilityDays < 0 {
			return errors.New("eligibility_days must not be negative")
		}
		p.EligibilityWindow = time.Duration(*fc.EligibilityDays) * Day
	}
	if fc.EligibilityWindow != "" {
		d, err := time.ParseDuration(fc.EligibilityWindow)
		if err != nil {
			return fmt.Errorf("eligibility_window: %w", err)
		}
		if d < 0 {
			return errors.New("eligibility_window must not be negative")
		}
		p.EligibilityWindow = d
	}

	for raw, days := range fc.SLADays {
		sev := poam.ParseSeverity(raw)
		if !sev.Known() {
			return fmt.Errorf("sla_days: unknown severity %q", raw)
		}
		if days <= 0 {
			return fmt.Errorf("sla_days.%s must be positive", raw)
		}
		p.SLADays[sev] = days
	}
	if fc.DefaultSLADays != nil {
		if *fc.DefaultSLADays <= 0 {
			return errors.New("default_sla_days must be positive")
		}
		p.DefaultSLADays = *fc.DefaultSLADays
	}
	if fc.AutoTriageLimit != nil {
		if *fc.AutoTriageLimit < 0 {
			return errors.New("auto_triage_limit must not be negative")
		}
		p.AutoTriageLimit = *fc.AutoTriageLimit
	}
	if fc.ExclusionSampleSize != nil {
		if *fc.ExclusionSampleSize < 0 {
			return errors.New("exclusion_sample_size must not be negative")
		}
		p.ExclusionSampleSize = *fc.ExclusionSampleSize
	}
	if fc.MitigationLimit != nil {
		if *fc.MitigationLimit <= 0 {
			return errors.New("mitigation_limit must be positive")
		}
		p.MitigationLimit = *fc.MitigationLimit
	}
	if fc.POC != nil {
		if d := strings.TrimSpace(fc.POC.Default); d != "" {
			p.POC.Default = d
		}
		for i, r := range fc.POC.Rules {
			if strings.TrimSpace(r.POC) == "" {
				return fmt.Errorf("poc.rules[%d]: poc is required", i)
			}
		}
		p.POC.Rules = fc.POC.Rules
	}
	return nil
}
