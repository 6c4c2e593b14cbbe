package workflow

import "time"

// Create builds a fresh submission record in draft. The role assignments are
// fixed for the record's lifetime; changing reviewers means superseding the
// record with a new one.
func Create(id, subjectID, thesisID string, kind Kind, roles RoleAssignments, createdBy string, now time.Time) (SubmissionRecord, error) {
	if !KnownKind(kind) {
		return SubmissionRecord{}, fail(CodeInvalidState, "unknown workflow kind %q", kind)
	}
	if len(roles) == 0 {
		return SubmissionRecord{}, fail(CodeNotAssigned, "no reviewer roles assigned for %s", subjectID)
	}
	for role := range roles {
		if !roleAssigned(kind, roles, role) {
			return SubmissionRecord{}, fail(CodeNotAssigned, "role %q has no place in the %s sequence", role, kind)
		}
	}

	record := SubmissionRecord{
		ID:        id,
		SubjectID: subjectID,
		ThesisID:  thesisID,
		Kind:      kind,
		Roles:     roles,
		Status:    StatusDraft,
		Decisions: map[Role]map[string]Decision{},
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return record.clone(), nil
}

// Submit moves a draft or returned record into review. The ready flag is the
// content-readiness collaborator's verdict on the underlying material; the
// engine does not re-derive it. Submitting from returned is a resubmission:
// every prior decision is discarded and the gate sequence restarts at the
// first step.
func Submit(record SubmissionRecord, actorID string, ready bool, now time.Time) (SubmissionRecord, error) {
	switch record.Status {
	case StatusDraft, StatusReturned:
	default:
		return SubmissionRecord{}, fail(CodeInvalidState, "cannot submit while %s", record.Status)
	}
	if !ready {
		return SubmissionRecord{}, fail(CodeNotReady, "submission content is not complete")
	}

	next := record.clone()
	resubmitted := next.Status == StatusReturned
	if resubmitted {
		next.Decisions = map[Role]map[string]Decision{}
		next.ResubmissionCount++
		next.ReturnedBy = ""
		next.ReturnedAt = nil
		next.ReturnNote = ""
	}
	next.Status = StatusInReview
	next.Locked = true
	next.CurrentGate = next.firstOpenGate()
	next.UpdatedAt = now

	message := "submitted for review"
	if resubmitted {
		message = "resubmitted for review"
	}
	next.History = append(next.History, HistoryEntry{
		At:      now,
		ActorID: actorID,
		Action:  ActionSubmitted,
		Message: message,
	})
	return next, nil
}

// Approve records one reviewer's approval at the current gate. The gate
// advances when its step is fully satisfied (unanimously for panels) and
// the record reaches approved once no open step remains.
func Approve(record SubmissionRecord, role Role, actorID string, now time.Time) (SubmissionRecord, error) {
	step, err := record.gateCheck(role, actorID)
	if err != nil {
		return SubmissionRecord{}, err
	}

	next := record.clone()
	byActor := next.Decisions[step.Role]
	if byActor == nil {
		byActor = map[string]Decision{}
		next.Decisions[step.Role] = byActor
	}
	byActor[actorID] = Decision{
		Outcome:   OutcomeApproved,
		DecidedBy: actorID,
		DecidedAt: now,
	}

	next.CurrentGate = next.firstOpenGate()
	if next.CurrentGate == nil {
		next.Status = StatusApproved
		next.Locked = false
	}
	next.UpdatedAt = now
	next.History = append(next.History, HistoryEntry{
		At:        now,
		ActorID:   actorID,
		ActorRole: step.Role,
		Action:    ActionApproved,
	})
	return next, nil
}

// Return hands the submission back to the student. Unlike approval, return
// is not subject to quorum: any single member of the gating step may return
// unilaterally, and every earlier approval is discarded on the next submit.
func Return(record SubmissionRecord, role Role, actorID, note string, now time.Time) (SubmissionRecord, error) {
	step, err := record.gateCheck(role, actorID)
	if err != nil {
		return SubmissionRecord{}, err
	}

	next := record.clone()
	byActor := next.Decisions[step.Role]
	if byActor == nil {
		byActor = map[string]Decision{}
		next.Decisions[step.Role] = byActor
	}
	byActor[actorID] = Decision{
		Outcome:   OutcomeReturned,
		DecidedBy: actorID,
		DecidedAt: now,
		Note:      note,
	}

	next.Status = StatusReturned
	next.Locked = false
	next.CurrentGate = nil
	next.ReturnedBy = step.Role
	returnedAt := now
	next.ReturnedAt = &returnedAt
	next.ReturnNote = note
	next.UpdatedAt = now
	next.History = append(next.History, HistoryEntry{
		At:        now,
		ActorID:   actorID,
		ActorRole: step.Role,
		Action:    ActionReturned,
		Message:   note,
	})
	return next, nil
}

// Resubmit is Submit from returned. It exists as its own entry point because
// callers re-validate the readiness flag against the revised content first.
func Resubmit(record SubmissionRecord, actorID string, ready bool, now time.Time) (SubmissionRecord, error) {
	if record.Status != StatusReturned {
		return SubmissionRecord{}, fail(CodeInvalidState, "cannot resubmit while %s", record.Status)
	}
	return Submit(record, actorID, ready, now)
}

// gateCheck validates that role/actor may decide right now and returns the
// gating step. Shared by Approve and Return so the two stay symmetric.
func (r SubmissionRecord) gateCheck(role Role, actorID string) (GateStep, error) {
	if !roleAssigned(r.Kind, r.Roles, role) {
		return GateStep{}, fail(CodeNotAssigned, "role %q has no standing in this workflow", role)
	}
	if r.Status != StatusInReview {
		return GateStep{}, fail(CodeInvalidState, "no decision expected while %s", r.Status)
	}
	gate := r.CurrentGate
	if gate == nil || gate.Role != role {
		return GateStep{}, fail(CodeOutOfTurn, "role %q is not the current gate", role)
	}
	if !memberOf(*gate, actorID) {
		return GateStep{}, fail(CodeNotAssigned, "%s is not a named member of the %s gate", actorID, role)
	}
	if _, decided := r.DecisionFor(gate.Role, actorID); decided {
		return GateStep{}, fail(CodeAlreadyDecided, "%s already decided at the %s gate", actorID, role)
	}
	return *gate, nil
}
