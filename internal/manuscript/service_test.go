package manuscript

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestThesisRepoLifecycle(t *testing.T) {
	svc := New(t.TempDir())

	if err := svc.EnsureThesisRepo("th_1", "Ana Reyes"); err != nil {
		t.Fatalf("EnsureThesisRepo() error = %v", err)
	}
	// idempotent
	if err := svc.EnsureThesisRepo("th_1", "Ana Reyes"); err != nil {
		t.Fatalf("second EnsureThesisRepo() error = %v", err)
	}

	commit, err := svc.SaveChapter("th_1", "Introduction", "# Introduction\n\nContext.", "Ana Reyes", "")
	if err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	chapter, err := svc.GetChapter("th_1", "introduction")
	if err != nil {
		t.Fatalf("GetChapter() error = %v", err)
	}
	if chapter.Body != "# Introduction\n\nContext." {
		t.Fatalf("unexpected chapter body: %q", chapter.Body)
	}

	slugs, err := svc.ListChapters("th_1")
	if err != nil {
		t.Fatalf("ListChapters() error = %v", err)
	}
	if len(slugs) != 1 || slugs[0] != "introduction" {
		t.Fatalf("slugs = %v", slugs)
	}
}

func TestChapterHistory(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureThesisRepo("th_1", "Ana Reyes"); err != nil {
		t.Fatalf("EnsureThesisRepo() error = %v", err)
	}

	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf("# Methodology\n\nDraft %d.", i)
		if _, err := svc.SaveChapter("th_1", "methodology", body, "Ana Reyes", fmt.Sprintf("Draft %d", i)); err != nil {
			t.Fatalf("SaveChapter() draft %d: %v", i, err)
		}
	}
	// commits to other chapters must not appear in this chapter's history
	if _, err := svc.SaveChapter("th_1", "results", "# Results", "Ana Reyes", ""); err != nil {
		t.Fatalf("SaveChapter() results: %v", err)
	}

	history, err := svc.History("th_1", "methodology", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Message != "Draft 3" {
		t.Fatalf("newest first expected, got %q", history[0].Message)
	}
}

func TestReadiness(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureThesisRepo("th_1", "Ana Reyes"); err != nil {
		t.Fatalf("EnsureThesisRepo() error = %v", err)
	}
	required := []string{"Introduction", "Methodology", "Results"}

	ready, missing, err := svc.Ready("th_1", required)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if ready || len(missing) != 3 {
		t.Fatalf("empty repo must not be ready: ready=%v missing=%v", ready, missing)
	}

	if _, err := svc.SaveChapter("th_1", "introduction", "text", "Ana Reyes", ""); err != nil {
		t.Fatalf("SaveChapter(): %v", err)
	}
	if _, err := svc.SaveChapter("th_1", "methodology", "text", "Ana Reyes", ""); err != nil {
		t.Fatalf("SaveChapter(): %v", err)
	}
	// whitespace-only chapters do not count
	if _, err := svc.SaveChapter("th_1", "results", "   \n", "Ana Reyes", ""); err != nil {
		t.Fatalf("SaveChapter(): %v", err)
	}

	ready, missing, err = svc.Ready("th_1", required)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if ready || len(missing) != 1 || missing[0] != "results" {
		t.Fatalf("ready=%v missing=%v, want blank results flagged", ready, missing)
	}

	if _, err := svc.SaveChapter("th_1", "results", "# Results\n\nData.", "Ana Reyes", ""); err != nil {
		t.Fatalf("SaveChapter(): %v", err)
	}
	ready, missing, err = svc.Ready("th_1", required)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if !ready || len(missing) != 0 {
		t.Fatalf("ready=%v missing=%v, want complete", ready, missing)
	}
}

func TestConcurrentSaveChapter(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.EnsureThesisRepo("th_1", "Ana Reyes"); err != nil {
		t.Fatalf("EnsureThesisRepo() error = %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			body := fmt.Sprintf("# Introduction\n\nRevision %02d.", idx)
			if _, err := svc.SaveChapter("th_1", "introduction", body, "Ana Reyes", fmt.Sprintf("Revision %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent SaveChapter() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "th_1", "chapters", "introduction.md")); err != nil {
		t.Fatalf("chapter file missing: %v", err)
	}
	history, err := svc.History("th_1", "introduction", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("history length = %d, want %d", len(history), writers)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Introduction":          "introduction",
		"Review of Literature":  "review-of-literature",
		"  Chapter 3: Results ": "chapter-3-results",
		"---":                   "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
