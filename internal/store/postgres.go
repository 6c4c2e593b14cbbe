package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"thesistrack/api/internal/workflow"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, program, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.Program, user.IsEmailVerified, user.VerificationToken)
	if isUniqueViolation(err) {
		return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "email already registered"}
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, program, is_email_verified,
			COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE email = LOWER($1)
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, program, is_email_verified,
			COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE id = $1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Program,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&user.VerificationExpiresAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsersByRole(ctx context.Context, role string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, password_hash, role, program, is_email_verified,
			COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE role = $1 ORDER BY display_name ASC
	`, role)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(
			&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role,
			&user.Program, &user.IsEmailVerified, &user.VerificationToken,
			&user.VerificationExpiresAt, &user.CreatedAt, &user.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// --- access token revocation ---

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- theses ---

func (s *PostgresStore) InsertThesis(ctx context.Context, thesis Thesis) error {
	chapters, err := json.Marshal(thesis.RequiredChapters)
	if err != nil {
		return fmt.Errorf("marshal required chapters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO theses (id, title, abstract, program, student_id, required_chapters)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, thesis.ID, thesis.Title, thesis.Abstract, thesis.Program, thesis.StudentID, string(chapters))
	if isUniqueViolation(err) {
		return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "thesis already registered"}
	}
	if err != nil {
		return fmt.Errorf("insert thesis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThesis(ctx context.Context, thesisID string) (Thesis, error) {
	var item Thesis
	var chaptersRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, abstract, program, student_id, required_chapters, created_at, updated_at
		FROM theses WHERE id=$1
	`, thesisID).Scan(&item.ID, &item.Title, &item.Abstract, &item.Program, &item.StudentID, &chaptersRaw, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Thesis{}, err
	}
	if err := json.Unmarshal(chaptersRaw, &item.RequiredChapters); err != nil {
		return Thesis{}, fmt.Errorf("decode required chapters: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListTheses(ctx context.Context, studentID string) ([]Thesis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, abstract, program, student_id, required_chapters, created_at, updated_at
		FROM theses
		WHERE ($1='' OR student_id=$1)
		ORDER BY created_at DESC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list theses: %w", err)
	}
	defer rows.Close()

	items := make([]Thesis, 0)
	for rows.Next() {
		var item Thesis
		var chaptersRaw []byte
		if err := rows.Scan(&item.ID, &item.Title, &item.Abstract, &item.Program, &item.StudentID, &chaptersRaw, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thesis: %w", err)
		}
		if err := json.Unmarshal(chaptersRaw, &item.RequiredChapters); err != nil {
			return nil, fmt.Errorf("decode required chapters: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate theses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateThesis(ctx context.Context, thesisID, title, abstract string, requiredChapters []string) error {
	chapters, err := json.Marshal(requiredChapters)
	if err != nil {
		return fmt.Errorf("marshal required chapters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE theses SET title=$2, abstract=$3, required_chapters=$4::jsonb, updated_at=NOW()
		WHERE id=$1
	`, thesisID, title, abstract, string(chapters))
	if err != nil {
		return fmt.Errorf("update thesis: %w", err)
	}
	return nil
}

func (s *PostgresStore) AssignReviewer(ctx context.Context, reviewer Reviewer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thesis_reviewers (thesis_id, role, user_id, assigned_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thesis_id, role, user_id) DO NOTHING
	`, reviewer.ThesisID, reviewer.Role, reviewer.UserID, reviewer.AssignedBy)
	if err != nil {
		return fmt.Errorf("assign reviewer: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveReviewer(ctx context.Context, thesisID, role, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM thesis_reviewers WHERE thesis_id=$1 AND role=$2 AND user_id=$3
	`, thesisID, role, userID)
	if err != nil {
		return fmt.Errorf("remove reviewer: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewers(ctx context.Context, thesisID string) ([]Reviewer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thesis_id, role, user_id, COALESCE(assigned_by, ''), assigned_at
		FROM thesis_reviewers
		WHERE thesis_id=$1
		ORDER BY role ASC, user_id ASC
	`, thesisID)
	if err != nil {
		return nil, fmt.Errorf("list reviewers: %w", err)
	}
	defer rows.Close()

	items := make([]Reviewer, 0)
	for rows.Next() {
		var item Reviewer
		if err := rows.Scan(&item.ThesisID, &item.Role, &item.UserID, &item.AssignedBy, &item.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan reviewer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewers: %w", err)
	}
	return items, nil
}

// RoleAssignments folds the reviewer rows for a thesis into the shape the
// workflow engine consumes.
func (s *PostgresStore) RoleAssignments(ctx context.Context, thesisID string) (workflow.RoleAssignments, error) {
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

// submissionColumns is shared by every submission SELECT so scans stay in
// one place.
const submissionColumns = `
	id, subject_id, thesis_id, kind, roles, status, current_gate, locked,
	decisions, resubmission_count, COALESCE(returned_by, ''), returned_at,
	COALESCE(return_note, ''), created_by, created_at, updated_at, version
`

// CreateSubmission inserts a fresh record at version 1. The partial unique
// index on (subject_id, kind) for non-approved rows turns a duplicate active
// submission into ALREADY_EXISTS.
func (s *PostgresStore) CreateSubmission(ctx context.Context, record workflow.SubmissionRecord) error {
	roles, currentGate, decisions, err := encodeSubmission(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			id, subject_id, thesis_id, kind, roles, status, current_gate, locked,
			decisions, resubmission_count, created_by, created_at, updated_at, version
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb, $8, $9::jsonb, $10, $11, $12, $13, 1)
	`, record.ID, record.SubjectID, record.ThesisID, string(record.Kind), roles, string(record.Status),
		currentGate, record.Locked, decisions, record.ResubmissionCount, record.CreatedBy,
		record.CreatedAt, record.UpdatedAt)
	if isUniqueViolation(err) {
		return &workflow.Error{Code: workflow.CodeAlreadyExists, Message: "an active submission already exists for this subject"}
	}
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (workflow.SubmissionRecord, int64, error) {
	record, version, err := s.scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, submissionID))
	if err != nil {
		return workflow.SubmissionRecord{}, 0, err
	}
	record.History, err = s.ListHistory(ctx, submissionID)
	if err != nil {
		return workflow.SubmissionRecord{}, 0, err
	}
	return record, version, nil
}

// GetActiveSubmission finds the non-approved record for (subject, kind), if
// one exists. At most one can exist by construction.
func (s *PostgresStore) GetActiveSubmission(ctx context.Context, subjectID string, kind workflow.Kind) (workflow.SubmissionRecord, int64, error) {
	record, version, err := s.scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE subject_id=$1 AND kind=$2 AND status <> 'approved'`,
		subjectID, string(kind)))
	if err != nil {
		return workflow.SubmissionRecord{}, 0, err
	}
	record.History, err = s.ListHistory(ctx, record.ID)
	if err != nil {
		return workflow.SubmissionRecord{}, 0, err
	}
	return record, version, nil
}

// SaveSubmission applies a transition under optimistic concurrency: the
// UPDATE only lands when the stored version still equals expectedVersion, and
// the new history entries go in the same transaction. Returns false without
// error when the version moved underneath the caller.
func (s *PostgresStore) SaveSubmission(ctx context.Context, record workflow.SubmissionRecord, expectedVersion int64, newEntries []workflow.HistoryEntry) (bool, error) {
	roles, currentGate, decisions, err := encodeSubmission(record)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin save submission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status=$2, current_gate=$3::jsonb, locked=$4, decisions=$5::jsonb,
			resubmission_count=$6, returned_by=NULLIF($7, ''), returned_at=$8,
			return_note=NULLIF($9, ''), roles=$10::jsonb, updated_at=$11, version=version+1
		WHERE id=$1 AND version=$12
	`, record.ID, string(record.Status), currentGate, record.Locked, decisions,
		record.ResubmissionCount, string(record.ReturnedBy), record.ReturnedAt,
		record.ReturnNote, roles, record.UpdatedAt, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("save submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save submission rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, entry := range newEntries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO submission_history (submission_id, at, actor_id, actor_role, action, message)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, record.ID, entry.At, entry.ActorID, string(entry.ActorRole), string(entry.Action), entry.Message); err != nil {
			return false, fmt.Errorf("append submission history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save submission: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListSubmissionsByThesis(ctx context.Context, thesisID string) ([]workflow.SubmissionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE thesis_id=$1 ORDER BY created_at ASC`, thesisID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]workflow.SubmissionRecord, 0)
	for rows.Next() {
		record, _, err := scanSubmissionRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, submissionID string) ([]workflow.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, actor_id, COALESCE(actor_role, ''), action, COALESCE(message, '')
		FROM submission_history
		WHERE submission_id=$1
		ORDER BY id ASC
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list submission history: %w", err)
	}
	defer rows.Close()

	items := make([]workflow.HistoryEntry, 0)
	for rows.Next() {
		var entry workflow.HistoryEntry
		var actorRole, action string
		if err := rows.Scan(&entry.At, &entry.ActorID, &actorRole, &action, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.ActorRole = workflow.Role(actorRole)
		entry.Action = workflow.Action(action)
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission history: %w", err)
	}
	return items, nil
}

func encodeSubmission(record workflow.SubmissionRecord) (roles, currentGate, decisions string, err error) {
	rolesRaw, err := json.Marshal(record.Roles)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal roles: %w", err)
	}
	gateRaw := []byte("null")
	if record.CurrentGate != nil {
		gateRaw, err = json.Marshal(record.CurrentGate)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal current gate: %w", err)
		}
	}
	decisionsRaw, err := json.Marshal(record.Decisions)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal decisions: %w", err)
	}
	return string(rolesRaw), string(gateRaw), string(decisionsRaw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanSubmission(row *sql.Row) (workflow.SubmissionRecord, int64, error) {
	return scanSubmissionRow(row)
}

func scanSubmissionRow(row rowScanner) (workflow.SubmissionRecord, int64, error) {
	var record workflow.SubmissionRecord
	var kind, status, returnedBy string
	var rolesRaw, gateRaw, decisionsRaw []byte
	var version int64
	err := row.Scan(
		&record.ID,
		&record.SubjectID,
		&record.ThesisID,
		&kind,
		&rolesRaw,
		&status,
		&gateRaw,
		&record.Locked,
		&decisionsRaw,
		&record.ResubmissionCount,
		&returnedBy,
		&record.ReturnedAt,
		&record.ReturnNote,
		&record.CreatedBy,
		&record.CreatedAt,
		&record.UpdatedAt,
		&version,
	)
	if err != nil {
		return workflow.SubmissionRecord{}, 0, err
	}
	record.Kind = workflow.Kind(kind)
	record.Status = workflow.Status(status)
	record.ReturnedBy = workflow.Role(returnedBy)
	if err := json.Unmarshal(rolesRaw, &record.Roles); err != nil {
		return workflow.SubmissionRecord{}, 0, fmt.Errorf("decode roles: %w", err)
	}
	if len(gateRaw) > 0 && string(gateRaw) != "null" {
		record.CurrentGate = &workflow.GateStep{}
		if err := json.Unmarshal(gateRaw, record.CurrentGate); err != nil {
			return workflow.SubmissionRecord{}, 0, fmt.Errorf("decode current gate: %w", err)
		}
	}
	if err := json.Unmarshal(decisionsRaw, &record.Decisions); err != nil {
		return workflow.SubmissionRecord{}, 0, fmt.Errorf("decode decisions: %w", err)
	}
	if record.Decisions == nil {
		record.Decisions = map[workflow.Role]map[string]workflow.Decision{}
	}
	return record, version, nil
}
