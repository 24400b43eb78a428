// Package database defines the database store port (interface).
package database

import (
	"context"
	"encoding/json"

	"github.com/freightgate/freightgate/internal/domain/task"
	"github.com/freightgate/freightgate/internal/domain/user"
)

// Store is the port interface for database operations.
type Store interface {
	// Tasks
	ListTasks(ctx context.Context, userID string) ([]task.Task, error)
	ListAllTasks(ctx context.Context) ([]task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, t *task.Task) error
	UpdateTaskResult(ctx context.Context, id string, status task.Status, result json.RawMessage, errMsg string) error

	// Users
	GetUser(ctx context.Context, id string) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	CreateUser(ctx context.Context, u *user.User) error
}
