package poam

import (
	"encoding/json"
	"time"
)

// Draft statuses.
const (
	StatusOpen       = "Open"
	StatusInProgress = "In Progress"
)

// Draft is a POAM produced by the draft population milestone. It becomes a durable
// POAM once committed.
type Draft struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	CreatedDate         time.Time `json:"created_date"`
	Status              string    `json:"status"`
	Risk                Severity  `json:"risk"`
	DueDate             time.Time `json:"due_date"`
	ScanID              string    `json:"scan_id"`
	RunID               string    `json:"run_id"`
	POC                 string    `json:"poc"`
	Confidence          int       `json:"confidence"`
	Signature           string    `json:"signature"`
	Patchable           bool      `json:"patchable"`
	TotalAffectedAssets int       `json:"total_affected_assets"`
	FindingCount        int       `json:"finding_count"`
	AffectedAssets      []string  `json:"affected_assets,omitempty"`
	Mitigation          []string  `json:"mitigation,omitempty"`
	OperatingSystem     string    `json:"operating_system,omitempty"`
	AdvisoryIDs         []string  `json:"advisory_ids,omitempty"`
}

// ScanMetadata is supplied by the caller of an import.
type ScanMetadata struct {
	ScanID   string `json:"scan_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Source   string `json:"source,omitempty"`
	ScanType string `json:"scan_type,omitempty"`
}

// Counts are the aggregate counters of a run.
type Counts struct {
	Total       int `json:"total"`
	Eligible    int `json:"eligible"`
	Excluded    int `json:"excluded"`
	Groups      int `json:"groups"`
	Enriched    int `json:"enriched"`
	Drafted     int `json:"drafted"`
	Skipped     int `json:"skipped"`
	AutoTriaged int `json:"auto_triaged"`
	Committed   int `json:"committed"`
}

// ScanSummary is the one summary record written per committed import.
type ScanSummary struct {
	ScanID                string         `json:"scan_id"`
	RunID                 string         `json:"run_id"`
	Counts                Counts         `json:"counts"`
	Metadata              ScanMetadata   `json:"metadata"`
	SignatureDistribution map[string]int `json:"signature_distribution"`
	Baseline              bool           `json:"baseline"`
	CreatedAt             time.Time      `json:"created_at"`
}

// Artifact is a write-once audit snapshot of one milestone's output.
type Artifact struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	MilestoneID MilestoneID     `json:"milestone_id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CommitResult is returned by a successful import.
type CommitResult struct {
	POAMs  []Draft `json:"poams"`
	ScanID string  `json:"scan_id"`
	RunID  string  `json:"run_id"`
	Counts Counts  `json:"counts"`
}
