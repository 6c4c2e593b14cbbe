package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxTheses      = "thesistrack_theses"
	idxSubmissions = "thesistrack_submissions"
	idxHistory     = "thesistrack_history"
)

// Meili implements Searcher via Meilisearch, with a background health loop
// so a restarted instance is picked up without restarting the API.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))
	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxTheses,
			filterable: []string{"program"},
			searchable: []string{"title", "abstract"},
		},
		{
			uid:        idxSubmissions,
			filterable: []string{"thesisId", "kind", "status"},
			searchable: []string{"subjectId", "returnNote"},
		},
		{
			uid:        idxHistory,
			filterable: []string{"thesisId", "submissionId", "action"},
			searchable: []string{"message", "actorId"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the targeted indexes with one multi-search call and merges
// the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxTheses, ResultThesis},
		{idxSubmissions, ResultSubmission},
		{idxHistory, ResultHistory},
	}

	var queries []*meili.SearchRequest
	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              target.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.FilterThesisID != "" && target.rtyp != ResultThesis {
			sr.Filter = []string{fmt.Sprintf("thesisId = %q", q.FilterThesisID)}
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxTheses:
		return ResultThesis
	case idxSubmissions:
		return ResultSubmission
	case idxHistory:
		return ResultHistory
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ThesisID = decodeString(hit, "thesisId")

	switch rtyp {
	case ResultThesis:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "abstract"), decodeString(hit, "abstract"))
		r.ThesisID = r.ID
	case ResultSubmission:
		r.Title = firstNonBlank(decodeFormattedString(hit, "subjectId"), decodeString(hit, "subjectId"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "returnNote"), decodeString(hit, "returnNote"), decodeString(hit, "status"))
	case ResultHistory:
		r.Title = firstNonBlank(decodeFormattedString(hit, "action"), decodeString(hit, "action"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "message"), decodeString(hit, "message"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexThesis(t ThesisRecord) error {
	_, err := m.client.Index(idxTheses).AddDocuments([]ThesisRecord{t}, nil)
	return err
}

func (m *Meili) IndexSubmission(s SubmissionRecord) error {
	_, err := m.client.Index(idxSubmissions).AddDocuments([]SubmissionRecord{s}, nil)
	return err
}

func (m *Meili) IndexHistory(h HistoryRecord) error {
	_, err := m.client.Index(idxHistory).AddDocuments([]HistoryRecord{h}, nil)
	return err
}

func (m *Meili) IndexTheses(items []ThesisRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTheses).AddDocuments(items, nil)
	return err
}

func (m *Meili) IndexSubmissions(items []SubmissionRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSubmissions).AddDocuments(items, nil)
	return err
}

func (m *Meili) IndexHistories(items []HistoryRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxHistory).AddDocuments(items, nil)
	return err
}
