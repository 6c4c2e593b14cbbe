package workflow

import "testing"

func TestProjectDraftForOwner(t *testing.T) {
	record := newChapterRecord(t, RoleAssignments{RoleAdviser: {"dr-reyes"}})

	owner := Project(record, "", "student-1")
	if !owner.CanSubmit {
		t.Error("owner of a draft must be able to submit")
	}
	if owner.CanDecide {
		t.Error("nobody decides on a draft")
	}
	if owner.Label != "Ready to submit" {
		t.Errorf("label = %q", owner.Label)
	}

	other := Project(record, RoleAdviser, "dr-reyes")
	if other.CanSubmit || other.CanDecide {
		t.Error("reviewer has no actions on a draft")
	}
}

func TestProjectInReview(t *testing.T) {
	record := mustSubmit(t, newChapterRecord(t, RoleAssignments{
		RoleAdviser: {"dr-reyes"},
		RoleEditor:  {"ed-cruz"},
	}))

	adviser := Project(record, RoleAdviser, "dr-reyes")
	if !adviser.CanDecide {
		t.Error("gating reviewer must see CanDecide")
	}
	if !adviser.Locked {
		t.Error("in_review projection must report locked")
	}
	if adviser.Label != "Awaiting adviser" {
		t.Errorf("label = %q", adviser.Label)
	}

	editor := Project(record, RoleEditor, "ed-cruz")
	if editor.CanDecide {
		t.Error("out-of-turn reviewer must not see CanDecide")
	}

	student := Project(record, "", "student-1")
	if student.CanSubmit || student.CanDecide {
		t.Error("student has no actions while in review")
	}
}

func TestProjectPanelMemberAfterDeciding(t *testing.T) {
	record, err := Create("sub_p", "th_1", "th_1", KindTerminalRequirement,
		RoleAssignments{RolePanel: {"a", "b"}}, "student-1", testNow)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	record = mustSubmit(t, record)
	record = mustApprove(t, record, RolePanel, "a")

	decided := Project(record, RolePanel, "a")
	if decided.CanDecide {
		t.Error("member who already decided must not see CanDecide")
	}
	pending := Project(record, RolePanel, "b")
	if !pending.CanDecide {
		t.Error("pending panel member must see CanDecide")
	}
	outsider := Project(record, RolePanel, "z")
	if outsider.CanDecide {
		t.Error("non-member must not see CanDecide")
	}
}

func TestProjectReturnedAndApproved(t *testing.T) {
	record := mustSubmit(t, newChapterRecord(t, RoleAssignments{RoleAdviser: {"dr-reyes"}}))
	returned, err := Return(record, RoleAdviser, "dr-reyes", "revise", testNow)
	if err != nil {
		t.Fatalf("Return failed: %v", err)
	}

	student := Project(returned, "", "student-1")
	if !student.CanSubmit {
		t.Error("owner of a returned record must be able to resubmit")
	}
	if student.Label != "Returned for revision" {
		t.Errorf("label = %q", student.Label)
	}

	approved := mustApprove(t, mustSubmit(t, newChapterRecord(t, RoleAssignments{RoleAdviser: {"dr-reyes"}})), RoleAdviser, "dr-reyes")
	final := Project(approved, RoleAdviser, "dr-reyes")
	if final.CanSubmit || final.CanDecide || final.Locked {
		t.Errorf("approved projection must be inert: %+v", final)
	}
	if final.Label != "Approved" {
		t.Errorf("label = %q", final.Label)
	}
}
