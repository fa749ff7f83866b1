package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// RedisRepository stores each task as a JSON string and keeps one sorted set
// per column scored by position.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository scopes all keys under the given board id.
func NewRedisRepository(client *redis.Client, boardID string) *RedisRepository {
	if client == nil {
		panic("storage.NewRedisRepository: client is nil")
	}
	return &RedisRepository{client: client, prefix: "board:" + boardID + ":"}
}

func (r *RedisRepository) taskKey(id string) string {
	return r.prefix + "task:" + id
}

func (r *RedisRepository) columnKey(col domain.Column) string {
	return r.prefix + "column:" + string(col)
}

func (r *RedisRepository) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	payload, err := sonic.Marshal(t)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.taskKey(t.ID), payload, 0)
		pipe.ZAdd(ctx, r.columnKey(t.Column), redis.Z{Score: t.Position, Member: t.ID})
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.client, r.taskKey(id))
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getTask(ctx context.Context, c stringGetter, key string) (domain.Task, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	if err := sonic.Unmarshal(data, &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return t, nil
}

func (r *RedisRepository) FindLastInColumn(ctx context.Context, col domain.Column) (*domain.Task, error) {
	ids, err := r.client.ZRevRange(ctx, r.columnKey(col), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	t, err := r.Get(ctx, ids[0])
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConditionalUpdate watches the task key so a concurrent commit aborts the
// transaction, which is reported as ErrVersionConflict.
func (r *RedisRepository) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, patch domain.TaskPatch) (domain.Task, error) {
	key := r.taskKey(id)
	var updated domain.Task
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getTask(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		updated = patch.Apply(cur)
		payload, err := sonic.Marshal(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if cur.Column != updated.Column {
				pipe.ZRem(ctx, r.columnKey(cur.Column), id)
			}
			pipe.ZAdd(ctx, r.columnKey(updated.Column), redis.Z{Score: updated.Position, Member: id})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Task{}, domain.ErrVersionConflict
	}
	if err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// maxDeleteAttempts bounds how often Delete restarts after losing its WATCH.
const maxDeleteAttempts = 5

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	key := r.taskKey(id)
	for attempt := 1; ; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := getTask(ctx, tx, key)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, r.columnKey(cur.Column), id)
				return nil
			})
			return err
		}, key)
		// deletes are unconditional, so a lost WATCH just means read again
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if attempt >= maxDeleteAttempts {
			return fmt.Errorf("delete task %s: %d concurrent writes: %w", id, attempt, err)
		}
	}
}

func (r *RedisRepository) List(ctx context.Context) ([]domain.Task, error) {
	tasks := []domain.Task{}
	for _, col := range domain.Columns {
		colTasks, err := r.ListColumn(ctx, col)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, colTasks...)
	}
	return tasks, nil
}

func (r *RedisRepository) ListColumn(ctx context.Context, col domain.Column) ([]domain.Task, error) {
	ids, err := r.client.ZRange(ctx, r.columnKey(col), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks := []domain.Task{}
	if len(ids) == 0 {
		return tasks, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.taskKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// index entry without a record; a delete is in flight
			continue
		}
		var t domain.Task
		if err := sonic.UnmarshalString(s, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		tasks = append(tasks, t)
	}
	domain.SortTasks(tasks)
	return tasks, nil
}
