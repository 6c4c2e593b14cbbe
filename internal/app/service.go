// Package app wires the portal together: sessions, theses, manuscripts, the
// approval workflow, search, and notifications behind one HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"thesistrack/api/internal/auth"
	"thesistrack/api/internal/authpw"
	"thesistrack/api/internal/config"
	"thesistrack/api/internal/manuscript"
	"thesistrack/api/internal/rbac"
	"thesistrack/api/internal/search"
	"thesistrack/api/internal/store"
	"thesistrack/api/internal/util"
	"thesistrack/api/internal/watch"
	"thesistrack/api/internal/workflow"
)

// saveAttempts bounds the optimistic-concurrency retry loop on workflow
// transitions. Exhaustion surfaces as CONFLICT.
const saveAttempts = 3

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the persistence surface the service depends on. PostgresStore
// and MemoryStore both satisfy it.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListUsersByRole(ctx context.Context, role string) ([]store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertThesis(ctx context.Context, thesis store.Thesis) error
	GetThesis(ctx context.Context, thesisID string) (store.Thesis, error)
	ListTheses(ctx context.Context, studentID string) ([]store.Thesis, error)
	UpdateThesis(ctx context.Context, thesisID, title, abstract string, requiredChapters []string) error
	AssignReviewer(ctx context.Context, reviewer store.Reviewer) error
	RemoveReviewer(ctx context.Context, thesisID, role, userID string) error
	ListReviewers(ctx context.Context, thesisID string) ([]store.Reviewer, error)
	RoleAssignments(ctx context.Context, thesisID string) (workflow.RoleAssignments, error)

	CreateSubmission(ctx context.Context, record workflow.SubmissionRecord) error
	GetSubmission(ctx context.Context, submissionID string) (workflow.SubmissionRecord, int64, error)
	GetActiveSubmission(ctx context.Context, subjectID string, kind workflow.Kind) (workflow.SubmissionRecord, int64, error)
	SaveSubmission(ctx context.Context, record workflow.SubmissionRecord, expectedVersion int64, newEntries []workflow.HistoryEntry) (bool, error)
	ListSubmissionsByThesis(ctx context.Context, thesisID string) ([]workflow.SubmissionRecord, error)
	ListHistory(ctx context.Context, submissionID string) ([]workflow.HistoryEntry, error)
}

// manuscriptService is the git-backed manuscript surface.
type manuscriptService interface {
	EnsureThesisRepo(thesisID, author string) error
	SaveChapter(thesisID, slug, body, author, message string) (manuscript.CommitInfo, error)
	GetChapter(thesisID, slug string) (manuscript.Chapter, error)
	ListChapters(thesisID string) ([]string, error)
	Ready(thesisID string, required []string) (bool, []string, error)
	History(thesisID, slug string, limit int) ([]manuscript.CommitInfo, error)
}

// sessionStore holds refresh sessions keyed by token hash.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// notifier sends outgoing portal mail. Nil or unconfigured disables it.
type notifier interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendReviewTurnEmail(to, userName, subject, portalURL string) error
	SendReturnedEmail(to, userName, subject, note, portalURL string) error
	SendApprovedEmail(to, userName, subject, portalURL string) error
}

// eventHub fans submission updates out to watchers.
type eventHub interface {
	Publish(ctx context.Context, record workflow.SubmissionRecord) error
	Watch(ctx context.Context, submissionID string) (<-chan watch.Event, error)
}

// Deps bundles the service collaborators. Search, Notifier, and Events are
// optional; Sessions falls back to an in-process store when nil.
type Deps struct {
	Store       dataStore
	Manuscripts manuscriptService
	Sessions    sessionStore
	Search      *search.Service
	Notifier    notifier
	Events      eventHub
	Auth        *authpw.Service
}

type Service struct {
	cfg         config.Config
	store       dataStore
	manuscripts manuscriptService
	sessions    sessionStore
	search      *search.Service
	notifier    notifier
	events      eventHub
	authpw      *authpw.Service
}

func New(cfg config.Config, deps Deps) *Service {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = newMemorySessionStore()
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		manuscripts: deps.Manuscripts,
		sessions:    sessions,
		search:      deps.Search,
		notifier:    deps.Notifier,
		events:      deps.Events,
		authpw:      deps.Auth,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.notifier != nil && s.notifier.IsConfigured()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old one is revoked before a new pair
// is issued. The role comes fresh from the store, not the stored session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SendVerification delivers the signup verification mail when SMTP is up.
func (s *Service) SendVerification(email, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.PortalURL + "/verify-email?token=" + token
	go func() {
		if err := s.notifier.SendVerificationEmail(email, userName, url); err != nil {
			log.Printf("email: verification to %s failed: %v", email, err)
		}
	}()
}

// SendPasswordReset delivers the reset mail when SMTP is up.
func (s *Service) SendPasswordReset(email, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.PortalURL + "/reset-password?token=" + token
	go func() {
		if err := s.notifier.SendPasswordResetEmail(email, userName, url); err != nil {
			log.Printf("email: password reset to %s failed: %v", email, err)
		}
	}()
}

// --- users ---

func (s *Service) ListUsersByRole(ctx context.Context, role string) ([]map[string]any, error) {
	users, err := s.store.ListUsersByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":          user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
			"role":        user.Role,
			"program":     user.Program,
		})
	}
	return items, nil
}

// --- theses ---

func (s *Service) CreateThesis(ctx context.Context, session Session, title, abstract, program string, requiredChapters []string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	chapters := make([]string, 0, len(requiredChapters))
	for _, name := range requiredChapters {
		if slug := manuscript.Slugify(name); slug != "" {
			chapters = append(chapters, slug)
		}
	}

	thesis := store.Thesis{
		ID:               util.NewID("th"),
		Title:            title,
		Abstract:         strings.TrimSpace(abstract),
		Program:          strings.TrimSpace(program),
		StudentID:        session.UserID,
		RequiredChapters: chapters,
	}
	if err := s.store.InsertThesis(ctx, thesis); err != nil {
		return nil, err
	}
	if err := s.manuscripts.EnsureThesisRepo(thesis.ID, session.UserName); err != nil {
		return nil, err
	}
	s.indexThesis(thesis)
	return s.GetThesisDetail(ctx, session, thesis.ID)
}

func (s *Service) ListTheses(ctx context.Context, session Session) ([]map[string]any, error) {
	studentID := ""
	if rbac.Normalize(session.Role) == rbac.RoleStudent {
		studentID = session.UserID
	}
	theses, err := s.store.ListTheses(ctx, studentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(theses))
	for _, thesis := range theses {
		items = append(items, thesisSummary(thesis))
	}
	return items, nil
}

func (s *Service) GetThesisDetail(ctx context.Context, session Session, thesisID string) (map[string]any, error) {
	thesis, err := s.store.GetThesis(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	reviewers, err := s.store.ListReviewers(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	submissions, err := s.store.ListSubmissionsByThesis(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	chapters, err := s.manuscripts.ListChapters(thesisID)
	if err != nil {
		chapters = []string{}
	}

	reviewerItems := make([]map[string]any, 0, len(reviewers))
	for _, reviewer := range reviewers {
		reviewerItems = append(reviewerItems, map[string]any{
			"role":       reviewer.Role,
			"userId":     reviewer.UserID,
			"assignedBy": reviewer.AssignedBy,
			"assignedAt": reviewer.AssignedAt,
		})
	}
	submissionItems := make([]map[string]any, 0, len(submissions))
	for _, record := range submissions {
		submissionItems = append(submissionItems, map[string]any{
			"id":        record.ID,
			"subjectId": record.SubjectID,
			"kind":      record.Kind,
			"status":    record.Status,
			"display":   workflow.Project(record, s.viewerReviewerRole(record, session.UserID), session.UserID),
		})
	}

	detail := thesisSummary(thesis)
	detail["reviewers"] = reviewerItems
	detail["submissions"] = submissionItems
	detail["chapters"] = chapters
	return detail, nil
}

func (s *Service) UpdateThesis(ctx context.Context, session Session, thesisID, title, abstract string, requiredChapters []string) (map[string]any, error) {
	thesis, err := s.store.GetThesis(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	if err := s.requireThesisOwner(session, thesis); err != nil {
		return nil, err
	}

	nextTitle := firstNonBlank(strings.TrimSpace(title), thesis.Title)
	nextAbstract := strings.TrimSpace(abstract)
	if abstract == "" {
		nextAbstract = thesis.Abstract
	}
	chapters := thesis.RequiredChapters
	if requiredChapters != nil {
		chapters = make([]string, 0, len(requiredChapters))
		for _, name := range requiredChapters {
			if slug := manuscript.Slugify(name); slug != "" {
				chapters = append(chapters, slug)
			}
		}
	}
	if err := s.store.UpdateThesis(ctx, thesisID, nextTitle, nextAbstract, chapters); err != nil {
		return nil, err
	}
	s.indexThesis(store.Thesis{ID: thesisID, Title: nextTitle, Abstract: nextAbstract, Program: thesis.Program})
	return s.GetThesisDetail(ctx, session, thesisID)
}

// AssignReviewer puts a faculty user into a reviewer role on one thesis.
// Only roles with a place in some gate sequence are assignable.
func (s *Service) AssignReviewer(ctx context.Context, session Session, thesisID, role, userID string) error {
	if !validReviewerRole(role) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"role must be one of statistician, adviser, editor, panel", nil)
	}
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if rbac.Normalize(user.Role) == rbac.RoleStudent {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "students cannot hold reviewer roles", nil)
	}
	return s.store.AssignReviewer(ctx, store.Reviewer{
		ThesisID:   thesisID,
		Role:       role,
		UserID:     userID,
		AssignedBy: session.UserID,
	})
}

func (s *Service) RemoveReviewer(ctx context.Context, thesisID, role, userID string) error {
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return err
	}
	return s.store.RemoveReviewer(ctx, thesisID, role, userID)
}

func (s *Service) ListReviewers(ctx context.Context, thesisID string) ([]store.Reviewer, error) {
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return nil, err
	}
	return s.store.ListReviewers(ctx, thesisID)
}

// --- chapters ---

// SaveChapter commits a chapter revision. Writes are refused while a
// submission covering the chapter sits locked in review.
func (s *Service) SaveChapter(ctx context.Context, session Session, thesisID, slug, body, message string) (manuscript.CommitInfo, error) {
	thesis, err := s.store.GetThesis(ctx, thesisID)
	if err != nil {
		return manuscript.CommitInfo{}, err
	}
	if err := s.requireThesisOwner(session, thesis); err != nil {
		return manuscript.CommitInfo{}, err
	}
	slug = manuscript.Slugify(slug)
	if slug == "" {
		return manuscript.CommitInfo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter slug is required", nil)
	}
	if err := s.checkChapterUnlocked(ctx, thesisID, slug); err != nil {
		return manuscript.CommitInfo{}, err
	}
	return s.manuscripts.SaveChapter(thesisID, slug, body, session.UserName, message)
}

// checkChapterUnlocked refuses edits while the chapter's own review, or the
// thesis-wide terminal review, holds the manuscript locked.
func (s *Service) checkChapterUnlocked(ctx context.Context, thesisID, slug string) error {
	subject := chapterSubjectID(thesisID, slug)
	record, _, err := s.store.GetActiveSubmission(ctx, subject, workflow.KindChapterReview)
	if err == nil && record.Locked {
		return domainError(http.StatusConflict, "SUBMISSION_LOCKED", "chapter is locked while under review", nil)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	record, _, err = s.store.GetActiveSubmission(ctx, thesisID, workflow.KindTerminalRequirement)
	if err == nil && record.Locked {
		return domainError(http.StatusConflict, "SUBMISSION_LOCKED", "manuscript is locked while the terminal requirement is under review", nil)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}

func (s *Service) GetChapter(ctx context.Context, thesisID, slug string) (manuscript.Chapter, error) {
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return manuscript.Chapter{}, err
	}
	return s.manuscripts.GetChapter(thesisID, slug)
}

func (s *Service) ListChapters(ctx context.Context, thesisID string) ([]string, error) {
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return nil, err
	}
	return s.manuscripts.ListChapters(thesisID)
}

func (s *Service) ChapterHistory(ctx context.Context, thesisID, slug string, limit int) ([]manuscript.CommitInfo, error) {
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return nil, err
	}
	return s.manuscripts.History(thesisID, slug, limit)
}

// --- submissions ---

// CreateSubmission opens a draft workflow record for a chapter or the
// terminal requirement. Reviewer assignments are captured at this moment and
// stay fixed for the record's lifetime.
func (s *Service) CreateSubmission(ctx context.Context, session Session, thesisID, kindRaw, chapterSlug string) (workflow.SubmissionRecord, error) {
	thesis, err := s.store.GetThesis(ctx, thesisID)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	if err := s.requireThesisOwner(session, thesis); err != nil {
		return workflow.SubmissionRecord{}, err
	}

	kind := workflow.Kind(strings.TrimSpace(kindRaw))
	subject := thesisID
	if kind == workflow.KindChapterReview {
		slug := manuscript.Slugify(chapterSlug)
		if slug == "" {
			return workflow.SubmissionRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter is required for a chapter review", nil)
		}
		subject = chapterSubjectID(thesisID, slug)
	}

	roles, err := s.store.RoleAssignments(ctx, thesisID)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	record, err := workflow.Create(util.NewID("sub"), subject, thesisID, kind, roles, session.UserID, time.Now().UTC())
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	if err := s.store.CreateSubmission(ctx, record); err != nil {
		return workflow.SubmissionRecord{}, err
	}
	s.indexSubmission(record)
	return record, nil
}

func (s *Service) GetSubmission(ctx context.Context, submissionID string) (workflow.SubmissionRecord, error) {
	record, _, err := s.store.GetSubmission(ctx, submissionID)
	return record, err
}

func (s *Service) ListSubmissions(ctx context.Context, thesisID string) ([]workflow.SubmissionRecord, error) {
	if _, err := s.store.GetThesis(ctx, thesisID); err != nil {
		return nil, err
	}
	return s.store.ListSubmissionsByThesis(ctx, thesisID)
}

func (s *Service) SubmissionHistory(ctx context.Context, submissionID string) ([]workflow.HistoryEntry, error) {
	if _, _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, submissionID)
}

// SubmissionStatus projects the record for one viewer. The explicit role
// override covers reviewers who hold several roles on the same thesis.
func (s *Service) SubmissionStatus(ctx context.Context, session Session, submissionID, roleOverride string) (map[string]any, error) {
	record, _, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	viewerRole := workflow.Role(roleOverride)
	if viewerRole == "" {
		viewerRole = s.viewerReviewerRole(record, session.UserID)
	}
	display := workflow.Project(record, viewerRole, session.UserID)
	return map[string]any{
		"id":                record.ID,
		"subjectId":         record.SubjectID,
		"thesisId":          record.ThesisID,
		"kind":              record.Kind,
		"status":            record.Status,
		"currentGate":       record.CurrentGate,
		"resubmissionCount": record.ResubmissionCount,
		"display":           display,
	}, nil
}

// Submit moves a draft or returned record into review after re-checking the
// manuscript is complete for the submission's scope.
func (s *Service) Submit(ctx context.Context, session Session, submissionID string) (workflow.SubmissionRecord, error) {
	return s.submitWith(ctx, session, submissionID, workflow.Submit)
}

// Resubmit is Submit for returned records only.
func (s *Service) Resubmit(ctx context.Context, session Session, submissionID string) (workflow.SubmissionRecord, error) {
	return s.submitWith(ctx, session, submissionID, workflow.Resubmit)
}

func (s *Service) submitWith(ctx context.Context, session Session, submissionID string,
	transition func(workflow.SubmissionRecord, string, bool, time.Time) (workflow.SubmissionRecord, error)) (workflow.SubmissionRecord, error) {

	record, _, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	if record.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return workflow.SubmissionRecord{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the submitting student may submit", nil)
	}
	thesis, err := s.store.GetThesis(ctx, record.ThesisID)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}

	required := requiredChaptersFor(record, thesis)
	ready, missing, err := s.manuscripts.Ready(record.ThesisID, required)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	if !ready {
		return workflow.SubmissionRecord{}, domainError(http.StatusUnprocessableEntity, string(workflow.CodeNotReady),
			"manuscript is missing required content", map[string]any{"missing": missing})
	}

	return s.runTransition(ctx, submissionID, func(current workflow.SubmissionRecord) (workflow.SubmissionRecord, error) {
		return transition(current, session.UserID, true, time.Now().UTC())
	})
}

// Approve records one reviewer approval at the current gate.
func (s *Service) Approve(ctx context.Context, session Session, submissionID, roleRaw string) (workflow.SubmissionRecord, error) {
	record, _, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	role, err := s.reviewerRoleFor(record, session, roleRaw)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	return s.runTransition(ctx, submissionID, func(current workflow.SubmissionRecord) (workflow.SubmissionRecord, error) {
		return workflow.Approve(current, role, session.UserID, time.Now().UTC())
	})
}

// Return hands the record back to the student with a revision note.
func (s *Service) Return(ctx context.Context, session Session, submissionID, roleRaw, note string) (workflow.SubmissionRecord, error) {
	record, _, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	role, err := s.reviewerRoleFor(record, session, roleRaw)
	if err != nil {
		return workflow.SubmissionRecord{}, err
	}
	return s.runTransition(ctx, submissionID, func(current workflow.SubmissionRecord) (workflow.SubmissionRecord, error) {
		return workflow.Return(current, role, session.UserID, strings.TrimSpace(note), time.Now().UTC())
	})
}

// WatchSubmission streams live updates for one record.
func (s *Service) WatchSubmission(ctx context.Context, submissionID string) (<-chan watch.Event, error) {
	if s.events == nil {
		return nil, domainError(http.StatusServiceUnavailable, string(workflow.CodeUnavailable), "live updates are not configured", nil)
	}
	if _, _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.events.Watch(ctx, submissionID)
}

// runTransition applies one workflow transition under optimistic
// concurrency: reload, apply, save against the loaded version, and retry
// with jitter when another writer got there first. The transition function
// is pure, so re-running it against a fresh record is safe.
func (s *Service) runTransition(ctx context.Context, submissionID string,
	apply func(workflow.SubmissionRecord) (workflow.SubmissionRecord, error)) (workflow.SubmissionRecord, error) {

	for attempt := 0; attempt < saveAttempts; attempt++ {
		record, version, err := s.store.GetSubmission(ctx, submissionID)
		if err != nil {
			return workflow.SubmissionRecord{}, err
		}
		next, err := apply(record)
		if err != nil {
			return workflow.SubmissionRecord{}, err
		}
		newEntries := next.History[len(record.History):]
		applied, err := s.store.SaveSubmission(ctx, next, version, newEntries)
		if err != nil {
			return workflow.SubmissionRecord{}, err
		}
		if applied {
			s.afterTransition(next, newEntries, len(record.History))
			return next, nil
		}
		select {
		case <-ctx.Done():
			return workflow.SubmissionRecord{}, ctx.Err()
		case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
		}
	}
	return workflow.SubmissionRecord{}, &workflow.Error{
		Code:    workflow.CodeConflict,
		Message: "submission changed concurrently, retry the action",
	}
}

// afterTransition handles the side effects of an accepted transition: watch
// fan-out, search indexing, and notification mail. All best effort.
func (s *Service) afterTransition(record workflow.SubmissionRecord, newEntries []workflow.HistoryEntry, historyBase int) {
	if s.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.events.Publish(ctx, record); err != nil {
			log.Printf("watch: publish %s: %v", record.ID, err)
		}
		cancel()
	}

	s.indexSubmission(record)
	if s.search != nil {
		for i, entry := range newEntries {
			s.search.IndexHistory(search.HistoryRecord{
				ID:           fmt.Sprintf("%s-%d", record.ID, historyBase+i),
				SubmissionID: record.ID,
				ThesisID:     record.ThesisID,
				Action:       string(entry.Action),
				Message:      entry.Message,
				ActorID:      entry.ActorID,
			})
		}
	}

	if s.SMTPConfigured() {
		go s.notifyTransition(record)
	}
}

// notifyTransition mails the people whose move it now is: the next gate's
// pending members after a submit or approval, or the student after a return
// or final approval.
func (s *Service) notifyTransition(record workflow.SubmissionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	portalURL := s.cfg.PortalURL + "/submissions/" + record.ID
	switch {
	case record.Status == workflow.StatusApproved:
		if owner, err := s.store.GetUserByID(ctx, record.CreatedBy); err == nil {
			if err := s.notifier.SendApprovedEmail(owner.Email, owner.DisplayName, record.SubjectID, portalURL); err != nil {
				log.Printf("email: approved notice to %s failed: %v", owner.Email, err)
			}
		}
	case record.Status == workflow.StatusReturned:
		if owner, err := s.store.GetUserByID(ctx, record.CreatedBy); err == nil {
			if err := s.notifier.SendReturnedEmail(owner.Email, owner.DisplayName, record.SubjectID, record.ReturnNote, portalURL); err != nil {
				log.Printf("email: returned notice to %s failed: %v", owner.Email, err)
			}
		}
	case record.Status == workflow.StatusInReview && record.CurrentGate != nil:
		for _, member := range record.CurrentGate.Members {
			if _, decided := record.DecisionFor(record.CurrentGate.Role, member); decided {
				continue
			}
			reviewer, err := s.store.GetUserByID(ctx, member)
			if err != nil {
				continue
			}
			if err := s.notifier.SendReviewTurnEmail(reviewer.Email, reviewer.DisplayName, record.SubjectID, portalURL); err != nil {
				log.Printf("email: review turn notice to %s failed: %v", reviewer.Email, err)
			}
		}
	}
}

// --- search ---

func (s *Service) Search(ctx context.Context, text, filterType, thesisID string, limit, offset int) (search.Response, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:           text,
		FilterType:     search.ResultType(filterType),
		FilterThesisID: thesisID,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

func (s *Service) ReindexSearch(ctx context.Context) {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
}

func (s *Service) indexThesis(thesis store.Thesis) {
	if s.search == nil {
		return
	}
	s.search.IndexThesis(search.ThesisRecord{
		ID:       thesis.ID,
		Title:    thesis.Title,
		Abstract: thesis.Abstract,
		Program:  thesis.Program,
	})
}

func (s *Service) indexSubmission(record workflow.SubmissionRecord) {
	if s.search == nil {
		return
	}
	s.search.IndexSubmission(search.SubmissionRecord{
		ID:         record.ID,
		SubjectID:  record.SubjectID,
		ThesisID:   record.ThesisID,
		Kind:       string(record.Kind),
		Status:     string(record.Status),
		ReturnNote: record.ReturnNote,
	})
}

// --- helpers ---

func (s *Service) requireThesisOwner(session Session, thesis store.Thesis) error {
	if thesis.StudentID == session.UserID || s.Can(session.Role, rbac.ActionAdmin) {
		return nil
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "not the owner of this thesis", nil)
}

// reviewerRoleFor resolves which reviewer role the actor decides under. An
// explicit role wins; otherwise the role is inferred from the record's fixed
// assignments when the actor holds exactly one.
func (s *Service) reviewerRoleFor(record workflow.SubmissionRecord, session Session, roleRaw string) (workflow.Role, error) {
	if role := strings.TrimSpace(roleRaw); role != "" {
		return workflow.Role(role), nil
	}
	matched := make([]workflow.Role, 0, 1)
	for role, members := range record.Roles {
		for _, member := range members {
			if member == session.UserID {
				matched = append(matched, role)
				break
			}
		}
	}
	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return "", &workflow.Error{Code: workflow.CodeNotAssigned,
			Message: fmt.Sprintf("%s holds no reviewer role on this submission", session.UserID)}
	default:
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"role is required when the reviewer holds several roles", nil)
	}
}

func (s *Service) viewerReviewerRole(record workflow.SubmissionRecord, userID string) workflow.Role {
	for role, members := range record.Roles {
		for _, member := range members {
			if member == userID {
				return role
			}
		}
	}
	return ""
}

// requiredChaptersFor scopes the readiness check: a chapter review needs its
// own chapter, the terminal requirement needs the full table of contents.
func requiredChaptersFor(record workflow.SubmissionRecord, thesis store.Thesis) []string {
	if record.Kind == workflow.KindChapterReview {
		if _, slug, ok := strings.Cut(record.SubjectID, "/"); ok {
			return []string{slug}
		}
		return []string{record.SubjectID}
	}
	return thesis.RequiredChapters
}

func chapterSubjectID(thesisID, slug string) string {
	return thesisID + "/" + slug
}

func validReviewerRole(role string) bool {
	switch workflow.Role(role) {
	case workflow.RoleStatistician, workflow.RoleAdviser, workflow.RoleEditor, workflow.RolePanel:
		return true
	default:
		return false
	}
}

func thesisSummary(thesis store.Thesis) map[string]any {
	return map[string]any{
		"id":               thesis.ID,
		"title":            thesis.Title,
		"abstract":         thesis.Abstract,
		"program":          thesis.Program,
		"studentId":        thesis.StudentID,
		"requiredChapters": thesis.RequiredChapters,
		"createdAt":        thesis.CreatedAt,
		"updatedAt":        thesis.UpdatedAt,
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// memorySessionStore is the fallback when Redis is not configured. Dev only:
// sessions vanish on restart.
type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

type memorySession struct {
	user      store.User
	expiresAt time.Time
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]memorySession)}
}

func (m *memorySessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if time.Until(expiresAt) <= 0 {
		return errors.New("refresh session already expired")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[tokenHash] = memorySession{user: user, expiresAt: expiresAt}
	return nil
}

func (m *memorySessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(m.sessions, tokenHash)
		return store.User{}, errors.New("refresh session not found or expired")
	}
	return entry.user, nil
}

func (m *memorySessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tokenHash)
	return nil
}
