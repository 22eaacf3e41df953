package poam

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneRunning   MilestoneStatus = "running"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneFailed    MilestoneStatus = "failed"
)

// MilestoneID numbers the pipeline phases 1 through TotalMilestones.
type MilestoneID int

const (
	MilestoneEligibility MilestoneID = iota + 1
	MilestoneGrouping
	MilestoneEnrichment
	MilestoneDrafting
	MilestoneCommit
)

const TotalMilestones = 5

var milestoneNames = [...]string{
	MilestoneEligibility: "Eligibility Gate",
	MilestoneGrouping:    "Grouping",
	MilestoneEnrichment:  "Enrichment",
	MilestoneDrafting:    "Draft Population",
	MilestoneCommit:      "Commit",
}

var milestonePhases = [...]string{
	MilestoneEligibility: "eligibility",
	MilestoneGrouping:    "grouping",
	MilestoneEnrichment:  "enrichment",
	MilestoneDrafting:    "drafting",
	MilestoneCommit:      "commit",
}

func (m MilestoneID) Valid() bool {
	return m >= MilestoneEligibility && m <= MilestoneCommit
}

// Name is the human readable milestone name.
func (m MilestoneID) Name() string {
	if !m.Valid() {
		return fmt.Sprintf("milestone %d", int(m))
	}
	return milestoneNames[m]
}

// Phase is the short machine name used in errors, metrics and logs.
func (m MilestoneID) Phase() string {
	if !m.Valid() {
		return "start"
	}
	return milestonePhases[m]
}

type MilestoneState struct {
	ID          MilestoneID     `json:"id"`
	Name        string          `json:"name"`
	Status      MilestoneStatus `json:"status"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunError describes why a run failed.
type RunError struct {
	Milestone MilestoneID `json:"milestone"`
	Phase     string      `json:"phase"`
	Message   string      `json:"message"`
}

// RunRecord is the durable record of one pipeline execution attempt.
type RunRecord struct {
	RunID            string           `json:"run_id"`
	ScanID           string           `json:"scan_id"`
	Status           RunStatus        `json:"status"`
	CurrentMilestone MilestoneID      `json:"current_milestone"`
	Milestones       []MilestoneState `json:"milestones"`
	Counts           Counts           `json:"counts"`
	Error            *RunError        `json:"error,omitempty"`
	Metadata         ScanMetadata     `json:"metadata"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// NewRunRecord returns a running record with every milestone pending at progress 0.
func NewRunRecord(runID, scanID string, meta ScanMetadata, now time.Time) RunRecord {
	milestones := make([]MilestoneState, 0, TotalMilestones)
	for id := MilestoneEligibility; id <= MilestoneCommit; id++ {
		milestones = append(milestones, MilestoneState{
			ID:     id,
			Name:   id.Name(),
			Status: MilestonePending,
		})
	}
	meta.ScanID = scanID
	return RunRecord{
		RunID:            runID,
		ScanID:           scanID,
		Status:           RunStatusRunning,
		CurrentMilestone: MilestoneEligibility,
		Milestones:       milestones,
		Metadata:         meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Milestone returns the state for id, or nil when id is out of range.
func (r *RunRecord) Milestone(id MilestoneID) *MilestoneState {
	if r == nil || !id.Valid() || int(id) > len(r.Milestones) {
		return nil
	}
	return &r.Milestones[id-1]
}

// Clone returns a deep copy safe to hand to a store.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Milestones = make([]MilestoneState, len(r.Milestones))
	for i, m := range r.Milestones {
		out.Milestones[i] = m
		out.Milestones[i].StartedAt = cloneTime(m.StartedAt)
		out.Milestones[i].CompletedAt = cloneTime(m.CompletedAt)
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	out.CompletedAt = cloneTime(r.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
