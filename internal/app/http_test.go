package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"thesistrack/api/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc, _ := newTestService(t, st)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc, st
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoints(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready returned %d", resp.StatusCode)
	}
	if payload["status"] != "ready" {
		t.Errorf("expected ready, got %v", payload["status"])
	}
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/auth/signup", "", map[string]any{
		"email":       "ana@uni.edu",
		"password":    "correct-horse",
		"displayName": "Ana Reyes",
		"program":     "MS AgEng",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup returned %d: %v", resp.StatusCode, payload)
	}
	verifyToken, _ := payload["devVerificationToken"].(string)
	if verifyToken == "" {
		t.Fatal("expected dev verification token when SMTP is unconfigured")
	}

	// unverified accounts cannot sign in
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email": "ana@uni.edu", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before verification, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/auth/verify-email", "", map[string]any{"token": verifyToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify returned %d", resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email": "ana@uni.edu", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin returned %d: %v", resp.StatusCode, payload)
	}
	if payload["accessToken"] == "" || payload["role"] != "student" {
		t.Errorf("incomplete signin payload: %v", payload)
	}

	// duplicate email conflicts
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/auth/signup", "", map[string]any{
		"email": "ana@uni.edu", "password": "another-pass", "displayName": "Other",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", resp.StatusCode)
	}
}

func TestEndpointsRequireSession(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, path := range []string{"/api/theses", "/api/search?q=x", "/api/submissions/sub_1"} {
		resp, _ := doJSON(t, http.MethodGet, server.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token returned %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestSubmissionWorkflowOverHTTP(t *testing.T) {
	server, svc, st := newTestServer(t)
	seedUsers(t, st)
	ctx := context.Background()

	studentSession, err := svc.CreateSession(ctx, "u_student")
	if err != nil {
		t.Fatalf("student session: %v", err)
	}
	statSession, err := svc.CreateSession(ctx, "u_stat")
	if err != nil {
		t.Fatalf("statistician session: %v", err)
	}
	coordSession, err := svc.CreateSession(ctx, "u_coord")
	if err != nil {
		t.Fatalf("coordinator session: %v", err)
	}

	resp, thesis := doJSON(t, http.MethodPost, server.URL+"/api/theses", studentSession.Token, map[string]any{
		"title":            "Adaptive Irrigation Scheduling",
		"program":          "MS AgEng",
		"requiredChapters": []string{"introduction"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create thesis returned %d: %v", resp.StatusCode, thesis)
	}
	thesisID := thesis["id"].(string)

	// students cannot assign reviewers
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/theses/%s/reviewers", server.URL, thesisID),
		studentSession.Token, map[string]any{"role": "statistician", "userId": "u_stat"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for student assigning reviewers, got %d", resp.StatusCode)
	}

	for _, assignment := range []map[string]any{
		{"role": "statistician", "userId": "u_stat"},
		{"role": "adviser", "userId": "u_adv"},
		{"role": "editor", "userId": "u_edit"},
	} {
		resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/theses/%s/reviewers", server.URL, thesisID),
			coordSession.Token, assignment)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("assign reviewer returned %d", resp.StatusCode)
		}
	}

	resp, submission := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/theses/%s/submissions", server.URL, thesisID),
		studentSession.Token, map[string]any{"kind": "chapter_review", "chapter": "introduction"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create submission returned %d: %v", resp.StatusCode, submission)
	}
	submissionID := submission["id"].(string)

	// reviewers cannot submit on the student's behalf
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/submissions/%s/submit", server.URL, submissionID),
		statSession.Token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for reviewer submitting, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/submissions/%s/submit", server.URL, submissionID),
		studentSession.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit returned %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "in_review" {
		t.Errorf("expected in_review, got %v", body["status"])
	}

	// students cannot decide
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/submissions/%s/approve", server.URL, submissionID),
		studentSession.Token, map[string]any{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for student approving, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/submissions/%s/approve", server.URL, submissionID),
		statSession.Token, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve returned %d: %v", resp.StatusCode, body)
	}

	// approving twice from the same gate is out of turn now that it advanced
	resp, errBody := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/submissions/%s/approve", server.URL, submissionID),
		statSession.Token, map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for out-of-turn approval, got %d: %v", resp.StatusCode, errBody)
	}
	if errBody["code"] != "OUT_OF_TURN" {
		t.Errorf("expected OUT_OF_TURN, got %v", errBody["code"])
	}

	resp, status := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/submissions/%s/status", server.URL, submissionID),
		studentSession.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d", resp.StatusCode)
	}
	display, _ := status["display"].(map[string]any)
	if display == nil || display["label"] != "Awaiting adviser" {
		t.Errorf("expected 'Awaiting adviser' label, got %v", status["display"])
	}
}

func TestSearchEndpointWithoutBackend(t *testing.T) {
	server, svc, st := newTestServer(t)
	seedUsers(t, st)

	session, err := svc.CreateSession(context.Background(), "u_student")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/search?q=irrigation", session.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search returned %d", resp.StatusCode)
	}
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 0 {
		t.Errorf("expected empty results without a search backend, got %v", payload["results"])
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server, svc, st := newTestServer(t)
	seedUsers(t, st)

	session, err := svc.CreateSession(context.Background(), "u_student")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/nope", session.Token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND code, got %v", payload["code"])
	}
}
