package workflow

import "fmt"

// DisplayStatus is the UI-facing read model derived from a record. It never
// mutates anything and is safe to compute from stale copies: CanDecide and
// CanSubmit are advisory, the engine re-runs the authoritative checks at
// action time.
type DisplayStatus struct {
	Label     string `json:"label"`
	Locked    bool   `json:"locked"`
	CanDecide bool   `json:"canDecide"`
	CanSubmit bool   `json:"canSubmit"`
}

// Project derives the display status of a record for one viewer.
func Project(record SubmissionRecord, viewerRole Role, viewerID string) DisplayStatus {
	status := DisplayStatus{
		Label:  label(record),
		Locked: record.Locked,
	}

	if record.Status == StatusInReview && record.Locked && record.CurrentGate != nil {
		gate := *record.CurrentGate
		if gate.Role == viewerRole && memberOf(gate, viewerID) {
			_, decided := record.DecisionFor(gate.Role, viewerID)
			status.CanDecide = !decided
		}
	}

	if (record.Status == StatusDraft || record.Status == StatusReturned) && viewerID == record.CreatedBy {
		status.CanSubmit = true
	}
	return status
}

func label(record SubmissionRecord) string {
	switch record.Status {
	case StatusDraft:
		return "Ready to submit"
	case StatusInReview:
		if record.CurrentGate != nil {
			return fmt.Sprintf("Awaiting %s", record.CurrentGate.Role)
		}
		return "In review"
	case StatusReturned:
		return "Returned for revision"
	case StatusApproved:
		return "Approved"
	default:
		return string(record.Status)
	}
}
