// Package watch fans out submission updates over Redis pub/sub so API
// instances can stream live status to connected clients. Delivery is
// at-least-once and carries the full record, so a consumer only ever needs
// the latest event.
package watch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"thesistrack/api/internal/workflow"
)

const channelPrefix = "thesistrack:watch:"

// Event is one published submission update.
type Event struct {
	SubmissionID string                    `json:"submissionId"`
	SubjectID    string                    `json:"subjectId"`
	ThesisID     string                    `json:"thesisId"`
	Status       workflow.Status           `json:"status"`
	Record       workflow.SubmissionRecord `json:"record"`
}

// Hub publishes and subscribes submission events.
type Hub struct {
	client *redis.Client
}

func NewHub(client *redis.Client) *Hub {
	return &Hub{client: client}
}

func channelFor(submissionID string) string {
	return channelPrefix + submissionID
}

// Publish sends the updated record to everyone watching it. Errors are
// returned, not fatal: a missed event degrades liveness, and the next poll
// or event carries the full state anyway.
func (h *Hub) Publish(ctx context.Context, record workflow.SubmissionRecord) error {
	payload, err := json.Marshal(Event{
		SubmissionID: record.ID,
		SubjectID:    record.SubjectID,
		ThesisID:     record.ThesisID,
		Status:       record.Status,
		Record:       record,
	})
	if err != nil {
		return fmt.Errorf("marshal watch event: %w", err)
	}
	if err := h.client.Publish(ctx, channelFor(record.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish watch event: %w", err)
	}
	return nil
}

// Watch subscribes to one submission's updates. The returned channel closes
// when ctx is canceled; the caller owns the context's lifetime.
func (h *Hub) Watch(ctx context.Context, submissionID string) (<-chan Event, error) {
	sub := h.client.Subscribe(ctx, channelFor(submissionID))
	// force the subscription onto the wire before we report success
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe watch channel: %w", err)
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}
