package domain

import (
	"context"
	"errors"
	"sync"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	// conflicts makes the next N conditional updates fail as if another
	// writer committed first.
	conflicts int
	updates   int
	failWith  error
}

func newFakeStore(tasks ...Task) *fakeStore {
	f := &fakeStore{tasks: map[string]Task{}}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeStore) Create(ctx context.Context, t Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return Task{}, f.failWith
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return Task{}, f.failWith
	}
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) FindLastInColumn(ctx context.Context, col Column) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var last *Task
	for _, t := range f.tasks {
		if t.Column != col {
			continue
		}
		if last == nil || t.Position > last.Position {
			cp := t
			last = &cp
		}
	}
	return last, nil
}

func (f *fakeStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, patch TaskPatch) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if f.conflicts > 0 {
		f.conflicts--
		// simulate a concurrent writer bumping the version
		t.Version++
		f.tasks[id] = t
		return Task{}, ErrVersionConflict
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	t = patch.Apply(t)
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) ListColumn(ctx context.Context, col Column) ([]Task, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Column == col {
			out = append(out, t)
		}
	}
	return out, nil
}

var errBackend = errors.New("backend down")
