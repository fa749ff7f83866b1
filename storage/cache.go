package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a repository with a Redis-backed snapshot of the full board.
// Every write evicts the snapshot and bumps a generation counter; a snapshot
// is only stored if the generation it was read under is still current.
// Per-task reads always go to the base store because they feed conditional
// writes.
type Cache struct {
	domain.TaskRepository
	redis  *redis.Client
	key    string
	genKey string
	ttl    time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.TaskRepository, client *redis.Client, boardID string, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base repository is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		TaskRepository: base,
		redis:          client,
		key:            "board:" + boardID + ":snapshot",
		genKey:         "board:" + boardID + ":gen",
		ttl:            ttl,
	}
}

func (c *Cache) List(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx, c.redis)
	tasks, err := c.TaskRepository.List(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := c.TaskRepository.Create(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return created, nil
}

func (c *Cache) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, patch domain.TaskPatch) (domain.Task, error) {
	updated, err := c.TaskRepository.ConditionalUpdate(ctx, id, expectedVersion, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return updated, nil
}

func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.TaskRepository.Delete(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) load(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, c.key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, c.key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) generation(ctx context.Context, r stringGetter) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	gen, err := r.Get(ctx, c.genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

// store saves tasks unless a write bumped the generation since gen was read.
func (c *Cache) store(ctx context.Context, gen int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	// a lost WATCH or a moved generation both mean the snapshot is stale
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		if cur, ok := c.generation(ctx, tx); !ok || cur != gen {
			return errStaleSnapshot
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key, data, c.ttl)
			return nil
		})
		return err
	}, c.genKey)
}

var errStaleSnapshot = errors.New("snapshot generation moved")

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
}
