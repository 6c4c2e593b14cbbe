package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher on PostgreSQL full-text search. It is the
// always-available fallback behind Meilisearch.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole API is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over theses, submissions, and submission_history
// ranked by ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultThesis {
		where := "t.fts @@ " + tsQuery
		if q.FilterThesisID != "" {
			where += fmt.Sprintf(" AND t.id = $%d", argN)
			args = append(args, q.FilterThesisID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thesis'::text AS type, t.id, t.title,
				ts_headline('english', coalesce(t.abstract, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.id AS thesis_id,
				ts_rank(t.fts, %s) AS rank
			FROM theses t
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultSubmission {
		where := "s.fts @@ " + tsQuery
		if q.FilterThesisID != "" {
			where += fmt.Sprintf(" AND s.thesis_id = $%d", argN)
			args = append(args, q.FilterThesisID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'submission'::text AS type, s.id, s.subject_id AS title,
				ts_headline('english', coalesce(s.return_note, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.thesis_id,
				ts_rank(s.fts, %s) AS rank
			FROM submissions s
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultHistory {
		where := "h.fts @@ " + tsQuery
		if q.FilterThesisID != "" {
			where += fmt.Sprintf(" AND s.thesis_id = $%d", argN)
			args = append(args, q.FilterThesisID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'history'::text AS type, h.id::text, h.action AS title,
				ts_headline('english', coalesce(h.message, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.thesis_id,
				ts_rank(h.fts, %s) AS rank
			FROM submission_history h
			JOIN submissions s ON s.id = h.submission_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, thesis_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ThesisID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for full reindexing into
// Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ThesisRecord, []SubmissionRecord, []HistoryRecord, error) {
	thesisRows, err := p.db.QueryContext(ctx, `SELECT id, title, abstract, program FROM theses`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load theses: %w", err)
	}
	defer thesisRows.Close()

	theses := make([]ThesisRecord, 0)
	for thesisRows.Next() {
		var t ThesisRecord
		if err := thesisRows.Scan(&t.ID, &t.Title, &t.Abstract, &t.Program); err != nil {
			return nil, nil, nil, fmt.Errorf("scan thesis: %w", err)
		}
		theses = append(theses, t)
	}
	if err := thesisRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate theses: %w", err)
	}

	submissionRows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, thesis_id, kind, status, COALESCE(return_note, '')
		FROM submissions
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load submissions: %w", err)
	}
	defer submissionRows.Close()

	submissions := make([]SubmissionRecord, 0)
	for submissionRows.Next() {
		var s SubmissionRecord
		if err := submissionRows.Scan(&s.ID, &s.SubjectID, &s.ThesisID, &s.Kind, &s.Status, &s.ReturnNote); err != nil {
			return nil, nil, nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, s)
	}
	if err := submissionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate submissions: %w", err)
	}

	historyRows, err := p.db.QueryContext(ctx, `
		SELECT h.id::text, h.submission_id, s.thesis_id, h.action, COALESCE(h.message, ''), h.actor_id
		FROM submission_history h
		JOIN submissions s ON s.id = h.submission_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load history: %w", err)
	}
	defer historyRows.Close()

	history := make([]HistoryRecord, 0)
	for historyRows.Next() {
		var h HistoryRecord
		if err := historyRows.Scan(&h.ID, &h.SubmissionID, &h.ThesisID, &h.Action, &h.Message, &h.ActorID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan history: %w", err)
		}
		history = append(history, h)
	}
	if err := historyRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate history: %w", err)
	}

	return theses, submissions, history, nil
}
