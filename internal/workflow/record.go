package workflow

import "time"

// Status is the lifecycle state of a submission record.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusInReview Status = "in_review"
	StatusReturned Status = "returned"
	StatusApproved Status = "approved"
)

// Outcome is an individual reviewer's decision.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeReturned Outcome = "returned"
)

// Action names a history log entry. One entry is appended per accepted
// transition; rejected attempts leave no trace.
type Action string

const (
	ActionSubmitted Action = "submitted"
	ActionApproved  Action = "approved"
	ActionReturned  Action = "returned"
)

// Decision records one actor's call at one gate for the current attempt.
type Decision struct {
	Outcome   Outcome   `json:"outcome"`
	DecidedBy string    `json:"decidedBy"`
	DecidedAt time.Time `json:"decidedAt"`
	Note      string    `json:"note,omitempty"`
}

// HistoryEntry is one line of the append-only audit trail.
type HistoryEntry struct {
	At        time.Time `json:"at"`
	ActorID   string    `json:"actorId"`
	ActorRole Role      `json:"actorRole"`
	Action    Action    `json:"action"`
	Message   string    `json:"message,omitempty"`
}

// SubmissionRecord is the persistent state of one workflow attempt for one
// subject entity. It is mutated only through the transition functions in
// engine.go; the store's version counter never appears here.
type SubmissionRecord struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subjectId"`
	ThesisID  string          `json:"thesisId"`
	Kind      Kind            `json:"kind"`
	Roles     RoleAssignments `json:"roles"`

	Status      Status    `json:"status"`
	CurrentGate *GateStep `json:"currentGate,omitempty"`
	Locked      bool      `json:"locked"`

	// Decisions is keyed role → actor → decision. Cleared wholesale on
	// resubmission: approvals never carry across attempts.
	Decisions map[Role]map[string]Decision `json:"decisions"`

	ResubmissionCount int        `json:"resubmissionCount"`
	ReturnedBy        Role       `json:"returnedBy,omitempty"`
	ReturnedAt        *time.Time `json:"returnedAt,omitempty"`
	ReturnNote        string     `json:"returnNote,omitempty"`

	History []HistoryEntry `json:"history"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GateSteps resolves the record's gate order from its fixed assignments.
func (r SubmissionRecord) GateSteps() []GateStep {
	return ResolveGateOrder(r.Kind, r.Roles)
}

// DecisionFor returns the decision actorID recorded for role in the current
// attempt, if any.
func (r SubmissionRecord) DecisionFor(role Role, actorID string) (Decision, bool) {
	byActor, ok := r.Decisions[role]
	if !ok {
		return Decision{}, false
	}
	decision, ok := byActor[actorID]
	return decision, ok
}

// stepApproved reports whether a gate step is fully satisfied: every named
// member approved, or for unnamed steps at least one approval exists.
func (r SubmissionRecord) stepApproved(step GateStep) bool {
	byActor := r.Decisions[step.Role]
	if len(step.Members) == 0 {
		for _, decision := range byActor {
			if decision.Outcome == OutcomeApproved {
				return true
			}
		}
		return false
	}
	for _, member := range step.Members {
		decision, ok := byActor[member]
		if !ok || decision.Outcome != OutcomeApproved {
			return false
		}
	}
	return true
}

// firstOpenGate scans the gate order and returns the first step that is not
// fully approved, or nil when every step is satisfied.
func (r SubmissionRecord) firstOpenGate() *GateStep {
	for _, step := range r.GateSteps() {
		if !r.stepApproved(step) {
			open := step
			return &open
		}
	}
	return nil
}

// clone deep-copies the record so transitions never alias the caller's maps
// and slices.
func (r SubmissionRecord) clone() SubmissionRecord {
	next := r
	next.Roles = make(RoleAssignments, len(r.Roles))
	for role, members := range r.Roles {
		next.Roles[role] = append([]string(nil), members...)
	}
	next.Decisions = make(map[Role]map[string]Decision, len(r.Decisions))
	for role, byActor := range r.Decisions {
		copied := make(map[string]Decision, len(byActor))
		for actor, decision := range byActor {
			copied[actor] = decision
		}
		next.Decisions[role] = copied
	}
	next.History = append([]HistoryEntry(nil), r.History...)
	if r.CurrentGate != nil {
		gate := *r.CurrentGate
		gate.Members = append([]string(nil), r.CurrentGate.Members...)
		next.CurrentGate = &gate
	}
	if r.ReturnedAt != nil {
		at := *r.ReturnedAt
		next.ReturnedAt = &at
	}
	return next
}
