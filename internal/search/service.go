package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres FTS. Indexing is fire-and-forget: a lost index write degrades
// search freshness, never the workflow itself.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) IndexThesis(t ThesisRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexThesis(t); err != nil {
			log.Printf("search: index thesis %s: %v", t.ID, err)
		}
	}()
}

func (s *Service) IndexSubmission(record SubmissionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSubmission(record); err != nil {
			log.Printf("search: index submission %s: %v", record.ID, err)
		}
	}()
}

func (s *Service) IndexHistory(entry HistoryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexHistory(entry); err != nil {
			log.Printf("search: index history %s: %v", entry.ID, err)
		}
	}()
}

// ReindexAllFromPG pushes everything searchable from Postgres into
// Meilisearch. Called at startup when both stores are available.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	theses, submissions, history, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexTheses(theses); err != nil {
		log.Printf("search: reindex theses: %v", err)
	}
	if err := s.meili.IndexSubmissions(submissions); err != nil {
		log.Printf("search: reindex submissions: %v", err)
	}
	if err := s.meili.IndexHistories(history); err != nil {
		log.Printf("search: reindex history: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
