package watch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"thesistrack/api/internal/workflow"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewHub(client)
}

func TestHubPublishAndWatch(t *testing.T) {
	hub := setupTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	record := workflow.SubmissionRecord{
		ID:        "sub_1",
		ThesisID:  "th_1",
		SubjectID: "th_1/chapter-3",
		Kind:      workflow.KindChapterReview,
		Status:    workflow.StatusInReview,
	}

	events, err := hub.Watch(ctx, record.ID)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := hub.Publish(ctx, record); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-events:
		if event.SubmissionID != "sub_1" {
			t.Errorf("expected submission sub_1, got %q", event.SubmissionID)
		}
		if event.Status != workflow.StatusInReview {
			t.Errorf("expected status %q, got %q", workflow.StatusInReview, event.Status)
		}
		if event.Record.SubjectID != "th_1/chapter-3" {
			t.Errorf("expected subject th_1/chapter-3, got %q", event.Record.SubjectID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubWatchIsolation(t *testing.T) {
	hub := setupTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := hub.Watch(ctx, "sub_watched")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	other := workflow.SubmissionRecord{ID: "sub_other", Status: workflow.StatusApproved}
	if err := hub.Publish(ctx, other); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-events:
		t.Fatalf("received event for unrelated submission: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHubWatchClosesOnCancel(t *testing.T) {
	hub := setupTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := hub.Watch(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel to close without delivering an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
