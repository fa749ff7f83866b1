package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskRepository is the durable store behind the command handlers.
type TaskRepository interface {
	Create(ctx context.Context, t Task) (Task, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Task, error)
	// FindLastInColumn returns the task with the highest position, or nil.
	FindLastInColumn(ctx context.Context, col Column) (*Task, error)
	// ConditionalUpdate applies patch only while the stored version equals
	// expectedVersion, returning ErrVersionConflict otherwise. The stored
	// version becomes expectedVersion+1.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, patch TaskPatch) (Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Task, error)
	ListColumn(ctx context.Context, col Column) ([]Task, error)
}

// DefaultMaxCASRetries bounds the read-arbitrate-write attempts per command.
const DefaultMaxCASRetries = 5

// TaskService executes task commands against a repository.
type TaskService struct {
	st         TaskRepository
	now        func() time.Time
	newID      func() string
	maxRetries int
}

// Option customizes a TaskService.
type Option func(*TaskService)

// WithClock overrides the time source used for arbitration and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// WithIDGenerator overrides how new task ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *TaskService) { s.newID = gen }
}

// WithMaxRetries sets how many times a lost conditional write is retried.
func WithMaxRetries(n int) Option {
	return func(s *TaskService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewTaskService(st TaskRepository, opts ...Option) *TaskService {
	s := &TaskService{
		st:         st,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		maxRetries: DefaultMaxCASRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of a positional command. Renormalized holds the other
// tasks of the column that were re-spaced after the write.
type Result struct {
	Task         Task
	Renormalized []Task
}

// Create appends a new task to the end of its column.
func (s *TaskService) Create(ctx context.Context, cmd CreateTask) (Task, error) {
	if err := cmd.Validate(); err != nil {
		return Task{}, err
	}
	last, err := s.st.FindLastInColumn(ctx, cmd.Column)
	if err != nil {
		return Task{}, storageFailure("find last in column", err)
	}
	pos := FirstPosition()
	if last != nil {
		pos = After(last.Position)
	}
	now := s.now()
	t := Task{
		ID:        s.newID(),
		Title:     cmd.Title,
		Column:    cmd.Column,
		Position:  pos,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cmd.Description != nil {
		t.Description = StringPtr(*cmd.Description)
	}
	created, err := s.st.Create(ctx, t)
	if err != nil {
		return Task{}, storageFailure("create", err)
	}
	return created, nil
}

// Edit merges title/description changes once arbitration accepts the claimed version.
func (s *TaskService) Edit(ctx context.Context, cmd EditTask) (Task, error) {
	if err := cmd.Validate(); err != nil {
		return Task{}, err
	}
	return s.update(ctx, cmd.ID, func(cur Task) (TaskPatch, error) {
		now := s.now()
		if !ResolveMoveWinner(cur, cmd.Version, now) {
			return TaskPatch{}, s.rejected(cur, cmd.Type(), cmd.Version)
		}
		patch := MergeEdit(cur, EditFields{Title: cmd.Title, Description: cmd.Description})
		patch.UpdatedAt = now
		return patch, nil
	})
}

// Move places a task between two positions of the target column. When the
// midpoint would collapse onto a neighbor, the column is re-spaced around the
// requested slot instead.
func (s *TaskService) Move(ctx context.Context, cmd MoveTask) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	arbitrate := func(cur Task) error {
		if !ResolveMoveWinner(cur, cmd.Version, cmd.Timestamp) {
			return s.rejected(cur, cmd.Type(), cmd.Version)
		}
		return nil
	}
	moved, err := s.update(ctx, cmd.ID, func(cur Task) (TaskPatch, error) {
		if err := arbitrate(cur); err != nil {
			return TaskPatch{}, err
		}
		pos := Between(cmd.PrevPosition, cmd.NextPosition)
		if NeedsRenormalize(cmd.PrevPosition, pos, cmd.NextPosition) {
			return TaskPatch{}, errCrowded
		}
		return TaskPatch{
			Column:    ColumnPtr(cmd.ToColumn),
			Position:  FloatPtr(pos),
			UpdatedAt: s.now(),
		}, nil
	})
	if errors.Is(err, errCrowded) {
		return s.placeInSlot(ctx, cmd.ID, cmd.ToColumn, arbitrate, func(siblings []Task) int {
			return InsertIndex(siblings, cmd.PrevPosition, cmd.NextPosition)
		})
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Task: moved}, nil
}

// Reorder places a task between two sibling tasks. It is not arbitrated
// against a client version; the write is still conditioned on the version read.
func (s *TaskService) Reorder(ctx context.Context, cmd ReorderTask) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	var col Column
	reordered, err := s.update(ctx, cmd.ID, func(cur Task) (TaskPatch, error) {
		col = cur.Column
		prev, err := s.neighborPosition(ctx, cmd.PrevTaskID)
		if err != nil {
			return TaskPatch{}, err
		}
		next, err := s.neighborPosition(ctx, cmd.NextTaskID)
		if err != nil {
			return TaskPatch{}, err
		}
		pos := Between(prev, next)
		if NeedsRenormalize(prev, pos, next) {
			return TaskPatch{}, errCrowded
		}
		return TaskPatch{Position: FloatPtr(pos), UpdatedAt: s.now()}, nil
	})
	if errors.Is(err, errCrowded) {
		return s.placeInSlot(ctx, cmd.ID, col, nil, func(siblings []Task) int {
			return neighborIndex(siblings, cmd.PrevTaskID, cmd.NextTaskID)
		})
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Task: reordered}, nil
}

// neighborIndex is the slot right after prevID, else right before nextID,
// else the end of the column.
func neighborIndex(siblings []Task, prevID, nextID *string) int {
	if prevID != nil {
		for i, t := range siblings {
			if t.ID == *prevID {
				return i + 1
			}
		}
	}
	if nextID != nil {
		for i, t := range siblings {
			if t.ID == *nextID {
				return i
			}
		}
	}
	return len(siblings)
}

var errCrowded = errors.New("neighbors too close")

// placeInSlot writes task id into column col at the slot index picks among
// its sorted siblings, then re-spaces the siblings around it. check, when
// set, arbitrates against the stored task on every attempt.
func (s *TaskService) placeInSlot(ctx context.Context, id string, col Column, check func(Task) error, index func([]Task) int) (Result, error) {
	tasks, err := s.st.ListColumn(ctx, col)
	if err != nil {
		return Result{}, storageFailure("list column", err)
	}
	siblings := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			siblings = append(siblings, t)
		}
	}
	SortTasks(siblings)
	slot, changes := RenormalizeAround(siblings, index(siblings))

	placed, err := s.update(ctx, id, func(cur Task) (TaskPatch, error) {
		if check != nil {
			if err := check(cur); err != nil {
				return TaskPatch{}, err
			}
		}
		return TaskPatch{Column: ColumnPtr(col), Position: FloatPtr(slot), UpdatedAt: s.now()}, nil
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Task: placed}
	res.Renormalized, err = s.applyPositions(ctx, col, changes)
	if err != nil {
		log.WithError(err).WithField("column", col).Error("renormalization failed")
	}
	log.WithFields(log.Fields{"column": col, "task": id, "changed": len(res.Renormalized)}).Info("column renormalized around placed task")
	return res, nil
}

// Delete removes a task unconditionally.
func (s *TaskService) Delete(ctx context.Context, cmd DeleteTask) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := s.st.Delete(ctx, cmd.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return storageFailure("delete", err)
	}
	return nil
}

// List returns every task in display order.
func (s *TaskService) List(ctx context.Context) ([]Task, error) {
	tasks, err := s.st.List(ctx)
	if err != nil {
		return nil, storageFailure("list", err)
	}
	SortTasks(tasks)
	return tasks, nil
}

// RenormalizeColumn re-spaces a column's positions, committing each change
// through the conditional write. Tasks deleted meanwhile are skipped.
func (s *TaskService) RenormalizeColumn(ctx context.Context, col Column) ([]Task, error) {
	tasks, err := s.st.ListColumn(ctx, col)
	if err != nil {
		return nil, storageFailure("list column", err)
	}
	out, err := s.applyPositions(ctx, col, Renormalize(tasks))
	log.WithFields(log.Fields{"column": col, "tasks": len(tasks), "changed": len(out)}).Info("column renormalized")
	return out, err
}

// applyPositions commits a renormalization plan. Tasks that left the column
// or were deleted meanwhile are skipped.
func (s *TaskService) applyPositions(ctx context.Context, col Column, changes []PositionChange) ([]Task, error) {
	out := make([]Task, 0, len(changes))
	for _, ch := range changes {
		target := ch.Position
		updated, err := s.update(ctx, ch.Task.ID, func(cur Task) (TaskPatch, error) {
			if cur.Column != col {
				return TaskPatch{}, errSkip
			}
			return TaskPatch{Position: FloatPtr(target), UpdatedAt: s.now()}, nil
		})
		if errors.Is(err, ErrNotFound) || errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

var errSkip = errors.New("skip")

// update runs read → decide → conditional write, restarting from the read
// whenever another writer commits in between.
func (s *TaskService) update(ctx context.Context, id string, decide func(cur Task) (TaskPatch, error)) (Task, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.st.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Task{}, ErrNotFound
			}
			return Task{}, storageFailure("get", err)
		}
		patch, err := decide(cur)
		if err != nil {
			return Task{}, err
		}
		updated, err := s.st.ConditionalUpdate(ctx, id, cur.Version, patch)
		if err == nil {
			return updated, nil
		}
		switch {
		case errors.Is(err, ErrNotFound):
			return Task{}, ErrNotFound
		case !errors.Is(err, ErrVersionConflict):
			return Task{}, storageFailure("conditional update", err)
		case attempt >= s.maxRetries:
			return Task{}, fmt.Errorf("%w: task %s changed %d times while updating", ErrConflictRejected, id, attempt)
		}
		log.WithFields(log.Fields{"task": id, "version": cur.Version, "attempt": attempt}).Debug("conditional update lost race, retrying")
	}
}

func (s *TaskService) neighborPosition(ctx context.Context, id *string) (*float64, error) {
	if id == nil || *id == "" {
		return nil, nil
	}
	t, err := s.st.Get(ctx, *id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.WithField("task", *id).Warn("reorder neighbor missing, treating as absent")
			return nil, nil
		}
		return nil, storageFailure("get neighbor", err)
	}
	return FloatPtr(t.Position), nil
}

func (s *TaskService) rejected(cur Task, t CommandType, incoming int64) error {
	log.WithFields(log.Fields{"task": cur.ID, "command": t, "stored": cur.Version, "incoming": incoming}).Info("stale write rejected")
	return fmt.Errorf("%w: %s of task %s at version %d, stored version %d", ErrConflictRejected, t, cur.ID, incoming, cur.Version)
}
