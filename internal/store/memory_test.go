package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"thesistrack/api/internal/workflow"
)

func seedSubmission(t *testing.T, s *MemoryStore) workflow.SubmissionRecord {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	record, err := workflow.Create("sub_1", "th_1/chapter-1", "th_1", workflow.KindChapterReview,
		workflow.RoleAssignments{workflow.RoleAdviser: {"dr-reyes"}}, "student-1", now)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	if err := s.CreateSubmission(context.Background(), record); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	return record
}

func TestMemoryStoreCreateAndGetSubmission(t *testing.T) {
	s := NewMemoryStore()
	record := seedSubmission(t, s)

	loaded, version, err := s.GetSubmission(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if version != 1 {
		t.Fatalf("fresh submission version = %d, want 1", version)
	}
	if loaded.Status != workflow.StatusDraft || loaded.SubjectID != "th_1/chapter-1" {
		t.Fatalf("loaded record mismatch: %+v", loaded)
	}
}

func TestMemoryStoreRejectsSecondActiveSubmission(t *testing.T) {
	s := NewMemoryStore()
	record := seedSubmission(t, s)

	dup := record
	dup.ID = "sub_2"
	err := s.CreateSubmission(context.Background(), dup)
	if !workflow.IsCode(err, workflow.CodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestMemoryStoreSaveSubmissionVersionGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	record := seedSubmission(t, s)

	loaded, version, err := s.GetSubmission(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	next, err := workflow.Submit(loaded, "student-1", true, time.Now().UTC())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	entries := next.History[len(loaded.History):]

	applied, err := s.SaveSubmission(ctx, next, version, entries)
	if err != nil || !applied {
		t.Fatalf("first save applied=%v err=%v", applied, err)
	}

	// stale writer loses
	applied, err = s.SaveSubmission(ctx, next, version, nil)
	if err != nil {
		t.Fatalf("stale save errored: %v", err)
	}
	if applied {
		t.Fatal("stale version must not be applied")
	}

	reloaded, newVersion, err := s.GetSubmission(ctx, record.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if newVersion != version+1 {
		t.Fatalf("version = %d, want %d", newVersion, version+1)
	}
	if reloaded.Status != workflow.StatusInReview {
		t.Fatalf("status = %s, want in_review", reloaded.Status)
	}
	if len(reloaded.History) != 1 || reloaded.History[0].Action != workflow.ActionSubmitted {
		t.Fatalf("history = %v", reloaded.History)
	}
}

func TestMemoryStoreActiveSubmissionLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	record := seedSubmission(t, s)

	found, _, err := s.GetActiveSubmission(ctx, record.SubjectID, record.Kind)
	if err != nil {
		t.Fatalf("GetActiveSubmission: %v", err)
	}
	if found.ID != record.ID {
		t.Fatalf("found %s, want %s", found.ID, record.ID)
	}

	_, _, err = s.GetActiveSubmission(ctx, "th_1/chapter-9", record.Kind)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestMemoryStoreUsersAndResets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	user := User{ID: "u_1", DisplayName: "Ana Reyes", Email: "Ana@UNI.edu", PasswordHash: "x", Role: "student"}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser(ctx, User{ID: "u_2", Email: "ana@uni.edu"}); !workflow.IsCode(err, workflow.CodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS for duplicate email, got %v", err)
	}

	byEmail, err := s.GetUserByEmail(ctx, "ANA@uni.edu")
	if err != nil || byEmail.ID != "u_1" {
		t.Fatalf("GetUserByEmail: %v %+v", err, byEmail)
	}

	if err := s.CreatePasswordReset(ctx, "u_1", "tok", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreatePasswordReset: %v", err)
	}
	userID, err := s.GetPasswordReset(ctx, "tok")
	if err != nil || userID != "u_1" {
		t.Fatalf("GetPasswordReset: %v %q", err, userID)
	}
	if err := s.MarkPasswordResetUsed(ctx, "tok"); err != nil {
		t.Fatalf("MarkPasswordResetUsed: %v", err)
	}
	if _, err := s.GetPasswordReset(ctx, "tok"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("used token must not resolve, got %v", err)
	}
}

func TestMemoryStoreReviewerAssignments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertThesis(ctx, Thesis{ID: "th_1", Title: "T", StudentID: "u_1"}); err != nil {
		t.Fatalf("InsertThesis: %v", err)
	}
	for _, r := range []Reviewer{
		{ThesisID: "th_1", Role: "panel", UserID: "p1"},
		{ThesisID: "th_1", Role: "panel", UserID: "p2"},
		{ThesisID: "th_1", Role: "adviser", UserID: "dr-reyes"},
	} {
		if err := s.AssignReviewer(ctx, r); err != nil {
			t.Fatalf("AssignReviewer: %v", err)
		}
	}
	// duplicate assignment is a no-op
	if err := s.AssignReviewer(ctx, Reviewer{ThesisID: "th_1", Role: "panel", UserID: "p1"}); err != nil {
		t.Fatalf("duplicate AssignReviewer: %v", err)
	}

	roles, err := s.RoleAssignments(ctx, "th_1")
	if err != nil {
		t.Fatalf("RoleAssignments: %v", err)
	}
	if len(roles[workflow.RolePanel]) != 2 || len(roles[workflow.RoleAdviser]) != 1 {
		t.Fatalf("roles = %v", roles)
	}

	if err := s.RemoveReviewer(ctx, "th_1", "panel", "p2"); err != nil {
		t.Fatalf("RemoveReviewer: %v", err)
	}
	roles, _ = s.RoleAssignments(ctx, "th_1")
	if len(roles[workflow.RolePanel]) != 1 {
		t.Fatalf("roles after remove = %v", roles)
	}
}
