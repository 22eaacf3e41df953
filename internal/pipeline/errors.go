package pipeline

import (
	"errors"
	"fmt"

	"github.com/open-sspm/poam-import/internal/poam"
)

// ErrScanInProgress is returned when another import of the same scan holds the scan lock.
var ErrScanInProgress = errors.New("an import for this scan is already running")

// PipelineError is returned for any failure that aborts a run. Err is the underlying cause.
type PipelineError struct {
	RunID     string
	Milestone poam.MilestoneID
	Phase     string
	Err       error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("poam import: %s failed", e.Phase)
	}
	return fmt.Sprintf("poam import: %s: %v", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PreconditionError reports an attempt to start a milestone out of order: before its
// predecessor reached full progress, or after it already ran.
type PreconditionError struct {
	Milestone poam.MilestoneID
	Reason    string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot start %s: %s", e.Milestone.Name(), e.Reason)
}

// ContractError reports malformed output from an injected collaborator.
type ContractError struct {
	Collaborator string
	Reason       string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s contract violation: %s", e.Collaborator, e.Reason)
}
