package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightgate/freightgate/internal/domain"
	"github.com/freightgate/freightgate/internal/domain/task"
	"github.com/freightgate/freightgate/internal/domain/user"
	"github.com/freightgate/freightgate/internal/port/cache"
	"github.com/freightgate/freightgate/internal/port/database"
)

// TaskService serves task queries. Single-task reads go through a short-TTL
// cache; entries are invalidated by the dispatcher when a result arrives.
type TaskService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewTaskService creates a TaskService. c may be nil to disable caching.
func NewTaskService(store database.Store, c cache.Cache, ttl time.Duration) *TaskService {
	return &TaskService{store: store, cache: c, ttl: ttl}
}

// List returns the tasks visible to the caller: their own rows, or every row
// for admins.
func (s *TaskService) List(ctx context.Context, u *user.User) ([]task.Task, error) {
	if u.Role == user.RoleAdmin {
		return s.store.ListAllTasks(ctx)
	}
	return s.store.ListTasks(ctx, u.ID)
}

// Get returns a single task. Non-admin callers only see their own tasks.
func (s *TaskService) Get(ctx context.Context, u *user.User, id string) (*task.Task, error) {
	t, err := s.getCached(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != user.RoleAdmin && t.UserID != u.ID {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *TaskService) getCached(ctx context.Context, id string) (*task.Task, error) {
	if s.cache != nil {
		if data, ok, _ := s.cache.Get(ctx, taskCacheKey(id)); ok {
			var t task.Task
			if err := json.Unmarshal(data, &t); err == nil {
				return &t, nil
			}
			// Corrupt entry: fall through to the store.
			_ = s.cache.Delete(ctx, taskCacheKey(id))
		}
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(t); err == nil {
			if err := s.cache.Set(ctx, taskCacheKey(id), data, s.ttl); err != nil {
				slog.Debug("task cache set failed", "task_id", id, "error", err)
			}
		}
	}
	return t, nil
}
