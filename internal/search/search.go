package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultThesis     ResultType = "thesis"
	ResultSubmission ResultType = "submission"
	ResultHistory    ResultType = "history"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	ThesisID string     `json:"thesisId"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterThesisID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ThesisRecord is the data indexed for a thesis.
type ThesisRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Program  string `json:"program"`
}

// SubmissionRecord is the data indexed for a workflow submission.
type SubmissionRecord struct {
	ID         string `json:"id"`
	SubjectID  string `json:"subjectId"`
	ThesisID   string `json:"thesisId"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ReturnNote string `json:"returnNote"`
}

// HistoryRecord is the data indexed for one audit trail entry.
type HistoryRecord struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submissionId"`
	ThesisID     string `json:"thesisId"`
	Action       string `json:"action"`
	Message      string `json:"message"`
	ActorID      string `json:"actorId"`
}
