package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/storage"
)

type recordingRelay struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingRelay) Publish(ctx context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingRelay) Events(t *testing.T) []domain.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, 0, len(r.frames))
	for _, f := range r.frames {
		ev, err := domain.DecodeEvent(f)
		if err != nil {
			t.Fatalf("decode relayed frame: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

type failingRepo struct {
	domain.TaskRepository
	err error
}

func (f failingRepo) FindLastInColumn(ctx context.Context, col domain.Column) (*domain.Task, error) {
	return nil, f.err
}

func newTestRepo(t *testing.T) domain.TaskRepository {
	t.Helper()
	repo, err := storage.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestDeduper(t *testing.T) (*miniredis.Miniredis, *RedisDeduper) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return m, NewRedisDeduper(client, time.Minute)
}

func newTestDispatcher(t *testing.T, repo domain.TaskRepository, deduper Deduper) (*Dispatcher, *recordingRelay) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	relay := &recordingRelay{}
	hub := NewHub(logger, relay, nil)
	return NewDispatcher(domain.NewTaskService(repo), hub, deduper, logger), relay
}

func envelope(t *testing.T, cmd domain.Command, commandID string) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(cmd, commandID)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestExecuteCreateBroadcastsWithClientID(t *testing.T) {
	d, relay := newTestDispatcher(t, newTestRepo(t), nil)

	out := d.Execute(context.Background(), "user", envelope(t, domain.CreateTask{ClientID: "temp-1", Title: "write docs", Column: domain.ColumnTodo}, ""))
	if out.Rejection != nil {
		t.Fatalf("unexpected rejection: %+v", out.Rejection)
	}
	if out.Task == nil || out.Task.Position != domain.FirstPosition() {
		t.Fatalf("unexpected task: %+v", out.Task)
	}
	events := relay.Events(t)
	if len(events) != 1 || events[0].Name != domain.EventTaskCreated {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].ClientID != "temp-1" || events[0].Task.ID != out.Task.ID {
		t.Fatalf("created event does not correlate: %+v", events[0])
	}
}

func TestExecuteRejectionIsNotBroadcast(t *testing.T) {
	d, relay := newTestDispatcher(t, newTestRepo(t), nil)

	out := d.Execute(context.Background(), "user", envelope(t, domain.DeleteTask{ID: "missing"}, "c1"))
	if out.Rejection == nil {
		t.Fatalf("expected rejection")
	}
	r := out.Rejection
	if r.Reason != domain.ReasonNotFound || r.ID != "missing" || r.CommandID != "c1" || r.Type != domain.CommandDeleteTask {
		t.Fatalf("unexpected rejection: %+v", r)
	}
	if got := relay.Events(t); len(got) != 0 {
		t.Fatalf("rejection must not be broadcast, got %+v", got)
	}
}

func TestExecuteMoveStaleVersionRejected(t *testing.T) {
	d, relay := newTestDispatcher(t, newTestRepo(t), nil)
	ctx := context.Background()

	created := d.Execute(ctx, "user", envelope(t, domain.CreateTask{Title: "a", Column: domain.ColumnTodo}, ""))
	id := created.Task.ID
	at := time.Now().Add(time.Second)

	first := d.Execute(ctx, "alice", envelope(t, domain.MoveTask{ID: id, ToColumn: domain.ColumnInProgress, Version: 1, Timestamp: at}, ""))
	if first.Rejection != nil {
		t.Fatalf("first move rejected: %+v", first.Rejection)
	}
	second := d.Execute(ctx, "bob", envelope(t, domain.MoveTask{ID: id, ToColumn: domain.ColumnDone, Version: 1, Timestamp: at.Add(-time.Millisecond)}, ""))
	if second.Rejection == nil || second.Rejection.Reason != domain.ReasonConflict {
		t.Fatalf("expected conflict rejection, got %+v", second.Rejection)
	}

	events := relay.Events(t)
	if len(events) != 2 || events[1].Name != domain.EventTaskMoved || events[1].Task.Column != domain.ColumnInProgress {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestExecuteDuplicateCommand(t *testing.T) {
	_, deduper := newTestDeduper(t)
	d, relay := newTestDispatcher(t, newTestRepo(t), deduper)
	ctx := context.Background()
	env := envelope(t, domain.CreateTask{Title: "once", Column: domain.ColumnTodo}, "cmd-1")

	if out := d.Execute(ctx, "user", env); out.Rejection != nil {
		t.Fatalf("first attempt rejected: %+v", out.Rejection)
	}
	out := d.Execute(ctx, "user", env)
	if out.Rejection == nil || out.Rejection.Reason != domain.ReasonDuplicate {
		t.Fatalf("expected duplicate rejection, got %+v", out.Rejection)
	}
	if got := len(relay.Events(t)); got != 1 {
		t.Fatalf("expected a single broadcast, got %d", got)
	}

	// command ids are scoped per user
	if out := d.Execute(ctx, "other", env); out.Rejection != nil {
		t.Fatalf("other user's command rejected: %+v", out.Rejection)
	}
}

func TestExecuteStorageFailureReleasesCommandID(t *testing.T) {
	m, deduper := newTestDeduper(t)
	repo := failingRepo{TaskRepository: newTestRepo(t), err: errors.New("disk on fire")}
	d, _ := newTestDispatcher(t, repo, deduper)

	out := d.Execute(context.Background(), "user", envelope(t, domain.CreateTask{Title: "x", Column: domain.ColumnTodo}, "cmd-9"))
	if out.Rejection == nil || out.Rejection.Reason != domain.ReasonStorage {
		t.Fatalf("expected storage rejection, got %+v", out.Rejection)
	}
	if out.Rejection.Message != genericStorageMessage {
		t.Fatalf("storage details leaked to client: %q", out.Rejection.Message)
	}
	if m.Exists("cmd:user:cmd-9") {
		t.Fatalf("command id should be released after a storage failure")
	}
}

func TestExecuteDedupeUnavailableFailsOpen(t *testing.T) {
	m, deduper := newTestDeduper(t)
	m.Close()
	d, _ := newTestDispatcher(t, newTestRepo(t), deduper)

	out := d.Execute(context.Background(), "user", envelope(t, domain.CreateTask{Title: "x", Column: domain.ColumnTodo}, "cmd-1"))
	if out.Rejection != nil {
		t.Fatalf("expected command to proceed without dedupe, got %+v", out.Rejection)
	}
}

func TestExecuteJoinBoardRequiresSession(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestRepo(t), nil)

	out := d.Execute(context.Background(), "user", envelope(t, domain.JoinBoard{Name: "Ana"}, ""))
	if out.Rejection == nil || out.Rejection.Reason != domain.ReasonValidation {
		t.Fatalf("expected validation rejection, got %+v", out.Rejection)
	}
}

func TestExecuteReorderBroadcastsRenormalizedSiblings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, tk := range []domain.Task{
		{ID: "a", Title: "a", Column: domain.ColumnTodo, Position: 1000, Version: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Title: "b", Column: domain.ColumnTodo, Position: 1000 + 1e-7, Version: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "c", Title: "c", Column: domain.ColumnTodo, Position: 5000, Version: 1, CreatedAt: now, UpdatedAt: now},
	} {
		if _, err := repo.Create(ctx, tk); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	d, relay := newTestDispatcher(t, repo, nil)

	out := d.Execute(ctx, "user", envelope(t, domain.ReorderTask{ID: "c", PrevTaskID: domain.StringPtr("a"), NextTaskID: domain.StringPtr("b")}, ""))
	if out.Rejection != nil {
		t.Fatalf("unexpected rejection: %+v", out.Rejection)
	}
	events := relay.Events(t)
	if len(events) < 2 {
		t.Fatalf("expected renormalized siblings to be broadcast, got %+v", events)
	}
	for _, ev := range events {
		if ev.Name != domain.EventTaskReordered {
			t.Fatalf("unexpected event %s", ev.Name)
		}
	}

	tasks, err := d.svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a", "c", "b"}
	for i, tk := range tasks {
		if tk.ID != want[i] {
			t.Fatalf("unexpected order: %+v", tasks)
		}
	}
}

func TestExecuteLogsCommandMetrics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub(logger, nil, nil)
	d := NewDispatcher(domain.NewTaskService(newTestRepo(t)), hub, nil, logger)

	d.Execute(context.Background(), "user", envelope(t, domain.DeleteTask{ID: "nope"}, ""))

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != commandMetricsMsg {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Data["outcome"] != domain.ReasonNotFound || entry.Data["transport"] != transportREST {
		t.Fatalf("unexpected fields: %#v", entry.Data)
	}
	if entry.Level != log.InfoLevel {
		t.Fatalf("rejections should log at info, got %s", entry.Level)
	}
}
