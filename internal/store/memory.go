package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"thesistrack/api/internal/workflow"
)

// MemoryStore is an in-process implementation of the same surface as
// PostgresStore. It backs tests and the no-database dev mode; versioning
// semantics match the SQL store so concurrency guard behavior is identical.
type MemoryStore struct {
	mu sync.RWMutex

	users          map[string]User
	passwordResets map[string]passwordReset
	revokedTokens  map[string]time.Time

	theses    map[string]Thesis
	reviewers map[string][]Reviewer

	submissions map[string]memorySubmission
	history     map[string][]workflow.HistoryEntry
}

type passwordReset struct {
	userID    string
	expiresAt time.Time
	used      bool
}

type memorySubmission struct {
	record  workflow.SubmissionRecord
	version int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          map[string]User{},
		passwordResets: map[string]passwordReset{},
		revokedTokens:  map[string]time.Time{},
		theses:         map[string]Thesis{},
		reviewers:      map[string][]Reviewer{},
		submissions:    map[string]memorySubmission{},
		history:        map[string][]workflow.HistoryEntry{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- users ---

func (s *MemoryStore) CreateUser(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "email already registered"}
		}
	}
	user.Email = strings.ToLower(user.Email)
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *MemoryStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) ListUsersByRole(ctx context.Context, role string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]User, 0)
	for _, user := range s.users {
		if user.Role == role {
			items = append(items, user)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DisplayName < items[j].DisplayName })
	return items, nil
}

func (s *MemoryStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) VerifyUserEmail(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, user := range s.users {
		if user.VerificationToken != token || user.VerificationToken == "" {
			continue
		}
		if user.VerificationExpiresAt == nil || time.Now().After(*user.VerificationExpiresAt) {
			return sql.ErrNoRows
		}
		user.IsEmailVerified = true
		user.VerificationToken = ""
		user.VerificationExpiresAt = nil
		s.users[id] = user
		return nil
	}
	return sql.ErrNoRows
}

func (s *MemoryStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwordResets[token] = passwordReset{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reset, ok := s.passwordResets[token]
	if !ok || reset.used || time.Now().After(reset.expiresAt) {
		return "", sql.ErrNoRows
	}
	return reset.userID, nil
}

func (s *MemoryStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset, ok := s.passwordResets[token]
	if !ok {
		return nil
	}
	reset.used = true
	s.passwordResets[token] = reset
	return nil
}

// --- access token revocation ---

func (s *MemoryStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedTokens[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, revoked := s.revokedTokens[jti]
	return revoked, nil
}

// --- theses ---

func (s *MemoryStore) InsertThesis(ctx context.Context, thesis Thesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.theses[thesis.ID]; exists {
		return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "thesis already registered"}
	}
	now := time.Now().UTC()
	thesis.CreatedAt = now
	thesis.UpdatedAt = now
	s.theses[thesis.ID] = thesis
	return nil
}

func (s *MemoryStore) GetThesis(ctx context.Context, thesisID string) (Thesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thesis, ok := s.theses[thesisID]
	if !ok {
		return Thesis{}, sql.ErrNoRows
	}
	return thesis, nil
}

func (s *MemoryStore) ListTheses(ctx context.Context, studentID string) ([]Thesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Thesis, 0)
	for _, thesis := range s.theses {
		if studentID == "" || thesis.StudentID == studentID {
			items = append(items, thesis)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) UpdateThesis(ctx context.Context, thesisID, title, abstract string, requiredChapters []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thesis, ok := s.theses[thesisID]
	if !ok {
		return sql.ErrNoRows
	}
	thesis.Title = title
	thesis.Abstract = abstract
	thesis.RequiredChapters = append([]string(nil), requiredChapters...)
	thesis.UpdatedAt = time.Now().UTC()
	s.theses[thesisID] = thesis
	return nil
}

func (s *MemoryStore) AssignReviewer(ctx context.Context, reviewer Reviewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reviewers[reviewer.ThesisID] {
		if existing.Role == reviewer.Role && existing.UserID == reviewer.UserID {
			return nil
		}
	}
	reviewer.AssignedAt = time.Now().UTC()
	s.reviewers[reviewer.ThesisID] = append(s.reviewers[reviewer.ThesisID], reviewer)
	return nil
}

func (s *MemoryStore) RemoveReviewer(ctx context.Context, thesisID, role, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.reviewers[thesisID][:0]
	for _, existing := range s.reviewers[thesisID] {
		if existing.Role == role && existing.UserID == userID {
			continue
		}
		kept = append(kept, existing)
	}
	s.reviewers[thesisID] = kept
	return nil
}

func (s *MemoryStore) ListReviewers(ctx context.Context, thesisID string) ([]Reviewer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := append([]Reviewer(nil), s.reviewers[thesisID]...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Role != items[j].Role {
			return items[i].Role < items[j].Role
		}
		return items[i].UserID < items[j].UserID
	})
	return items, nil
}

func (s *MemoryStore) RoleAssignments(ctx context.Context, thesisID string) (workflow.RoleAssignments, error) {
	reviewers, err := s.ListReviewers(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	roles := workflow.RoleAssignments{}
	for _, reviewer := range reviewers {
		role := workflow.Role(reviewer.Role)
		roles[role] = append(roles[role], reviewer.UserID)
	}
	return roles, nil
}

// --- submissions ---

func (s *MemoryStore) CreateSubmission(ctx context.Context, record workflow.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.submissions[record.ID]; exists {
		return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "submission already exists"}
	}
	for _, existing := range s.submissions {
		if existing.record.SubjectID == record.SubjectID &&
			existing.record.Kind == record.Kind &&
			existing.record.Status != workflow.StatusApproved {
			return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "an active submission already exists for this subject"}
		}
	}
	stripped := record
	stripped.History = nil
	s.submissions[record.ID] = memorySubmission{record: stripped, version: 1}
	return nil
}

func (s *MemoryStore) GetSubmission(ctx context.Context, submissionID string) (workflow.SubmissionRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.submissions[submissionID]
	if !ok {
		return workflow.SubmissionRecord{}, 0, sql.ErrNoRows
	}
	record := item.record
	record.History = append([]workflow.HistoryEntry(nil), s.history[submissionID]...)
	return record, item.version, nil
}

func (s *MemoryStore) GetActiveSubmission(ctx context.Context, subjectID string, kind workflow.Kind) (workflow.SubmissionRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, item := range s.submissions {
		if item.record.SubjectID == subjectID && item.record.Kind == kind && item.record.Status != workflow.StatusApproved {
			record := item.record
			record.History = append([]workflow.HistoryEntry(nil), s.history[id]...)
			return record, item.version, nil
		}
	}
	return workflow.SubmissionRecord{}, 0, sql.ErrNoRows
}

func (s *MemoryStore) SaveSubmission(ctx context.Context, record workflow.SubmissionRecord, expectedVersion int64, newEntries []workflow.HistoryEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.submissions[record.ID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if item.version != expectedVersion {
		return false, nil
	}
	stripped := record
	stripped.History = nil
	s.submissions[record.ID] = memorySubmission{record: stripped, version: item.version + 1}
	s.history[record.ID] = append(s.history[record.ID], newEntries...)
	return true, nil
}

func (s *MemoryStore) ListSubmissionsByThesis(ctx context.Context, thesisID string) ([]workflow.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]workflow.SubmissionRecord, 0)
	for _, item := range s.submissions {
		if item.record.ThesisID == thesisID {
			items = append(items, item.record)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, submissionID string) ([]workflow.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]workflow.HistoryEntry(nil), s.history[submissionID]...), nil
}
