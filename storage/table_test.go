package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskboard/domain"
)

func TestTaskEntityAnnotationsAndRoundTrip(t *testing.T) {
	in := domain.Task{ID: "t1", Title: "A", Column: domain.ColumnDone, Position: 1000, Version: 3, CreatedAt: t0, UpdatedAt: t0}
	payload, err := encodeTaskEntity("board-1", in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(payload)
	for _, want := range []string{
		`"PartitionKey":"board-1"`,
		`"RowKey":"t1"`,
		`"Position@odata.type":"Edm.Double"`,
		`"Version":"3"`,
		`"Version@odata.type":"Edm.Int64"`,
		`"UpdatedAt@odata.type":"Edm.DateTime"`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("payload missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "Description") {
		t.Fatalf("absent description should be omitted: %s", s)
	}

	out, err := decodeTaskEntity(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "t1" || out.Version != 3 || out.Position != 1000 || out.Column != domain.ColumnDone || !out.UpdatedAt.Equal(t0) {
		t.Fatalf("unexpected task %+v", out)
	}
}

func TestStatusCode(t *testing.T) {
	if got := statusCode(&azcore.ResponseError{StatusCode: 412}); got != 412 {
		t.Fatalf("expected 412, got %d", got)
	}
	if got := statusCode(errors.New("boom")); got != 0 {
		t.Fatalf("expected 0 for plain errors, got %d", got)
	}
	if escapeODataString("o'brien") != "o''brien" {
		t.Fatalf("quote not escaped")
	}
}

type fakeQueue struct {
	messages []string
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestEventQueueExportsBoardEvents(t *testing.T) {
	fq := &fakeQueue{}
	q := &EventQueue{queue: fq}
	ctx := context.Background()

	task := domain.Task{ID: "t1", Title: "A", Column: domain.ColumnTodo, Position: 1000, Version: 1}
	if err := q.Publish(ctx, domain.TaskCreatedEvent(task, "corr")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.Publish(ctx, domain.RejectedEvent(domain.Rejection{Type: domain.CommandEditTask, Reason: domain.ReasonConflict})); err != nil {
		t.Fatalf("publish rejection: %v", err)
	}
	if err := q.Publish(ctx, domain.PresenceEvent(nil)); err != nil {
		t.Fatalf("publish presence: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected only the board event to be exported, got %d", len(fq.messages))
	}
	ev, err := domain.DecodeEvent([]byte(fq.messages[0]))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Name != domain.EventTaskCreated || ev.Task.ID != "t1" {
		t.Fatalf("unexpected exported event %+v", ev)
	}
}
