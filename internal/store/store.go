// Package store provides transactional persistence for Plans and Tasks,
// including the atomic conditional UPDATE that is the sole cluster-wide
// mutex for task claiming (§4.6 step 2, §9).
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsdeck/reprocessor/internal/domain"
)

// Store is the transactional persistence surface the worker loop, task
// executor, and plan/task operator operations are built on. It is
// implemented by both the sqlite and mysql backends (internal/store's
// sqlstore.go) against the same `?`-placeholder SQL text.
type Store interface {
	// CreatePlan inserts a new plan (DRAFT when Status is unset) and assigns its ID.
	CreatePlan(ctx context.Context, plan *domain.Plan) error
	// GetPlan returns a plan by id, or *PlanNotFoundError.
	GetPlan(ctx context.Context, planID int64) (*domain.Plan, error)
	// ListRunningPlans returns every plan with status=RUNNING (§4.5 step 1).
	ListRunningPlans(ctx context.Context) ([]*domain.Plan, error)
	// TransitionPlan applies the §4.3 state machine: validates the
	// transition, applies requeue/cancel side effects, and updates
	// updated_at, all within one transaction.
	TransitionPlan(ctx context.Context, planID int64, to domain.PlanStatus) (*domain.Plan, error)
	// CompletePlan sets the plan's terminal status (COMPLETED/FAILED) and
	// updated_at, used by the worker loop's completion aggregation.
	CompletePlan(ctx context.Context, planID int64, status domain.PlanStatus) error

	// CreateTask inserts a new task (PENDING when Status is unset) and assigns its ID.
	CreateTask(ctx context.Context, task *domain.Task) error
	// GetTask returns a task by id, or *TaskNotFoundError.
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	// ListPendingTasks returns up to limit PENDING tasks of planID ordered
	// by ascending task id (§4.5 step 3, §5 ordering guarantee).
	ListPendingTasks(ctx context.Context, planID int64, limit int) ([]*domain.Task, error)
	// ClaimTask performs the atomic conditional UPDATE of §4.6 step 2:
	// WHERE id=? AND status='PENDING' SET status='RUNNING',
	// started_at=now(), attempt=attempt+1. Returns claimed=false and a nil
	// error when zero rows matched (another worker won the claim).
	ClaimTask(ctx context.Context, taskID int64) (task *domain.Task, claimed bool, err error)
	// WriteTaskTerminal persists the executor's final write (§4.6 step 6).
	WriteTaskTerminal(ctx context.Context, taskID int64, status domain.TaskStatus, command, stdout, stderr string, exitCode *int) error
	// CancelTask implements the operator cancel operation (§4.4): no-op on
	// an already-terminal task.
	CancelTask(ctx context.Context, taskID int64) (*domain.Task, error)
	// RetryTask implements the operator retry operation (§4.4).
	RetryTask(ctx context.Context, taskID int64) (*domain.Task, error)
	// SetTaskPID records the CLI fallback child's process id (§4.6 step 5).
	SetTaskPID(ctx context.Context, taskID int64, pid int) error
	// PlanCompletionCounts computes the counts the worker loop's
	// completion check needs (§4.5 step 4).
	PlanCompletionCounts(ctx context.Context, planID int64) (PlanCompletionCounts, error)

	// CreateUser inserts a new authentication principal (§3: non-core,
	// referenced only for plan.created_by and the observer's active check).
	CreateUser(ctx context.Context, user *domain.User) error
	// GetUserByUsername returns a user by username, or *UserNotFoundError.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// Close releases the underlying connection pool.
	Close() error
}

// PlanNotFoundError indicates no plan exists with the requested id.
type PlanNotFoundError struct {
	PlanID int64
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("plan %d not found", e.PlanID)
}

// TaskNotFoundError indicates no task exists with the requested id.
type TaskNotFoundError struct {
	TaskID int64
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %d not found", e.TaskID)
}

// UserNotFoundError indicates no user exists with the requested username.
type UserNotFoundError struct {
	Username string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %q not found", e.Username)
}

// Open dispatches to NewSQLiteStore or NewMySQLStore based on dbURL's
// scheme ("sqlite://" or "mysql://"), matching the db_url convention used
// throughout configuration and documentation.
func Open(dbURL string) (Store, error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dbURL, "sqlite://"))
	case strings.HasPrefix(dbURL, "mysql://"):
		return NewMySQLStore(strings.TrimPrefix(dbURL, "mysql://"))
	default:
		return nil, fmt.Errorf("db_url %q has unsupported scheme (want sqlite:// or mysql://)", dbURL)
	}
}

// PlanCompletionCounts reports the aggregate task status counts used by
// the worker loop's plan-completion check (§4.5 step 4).
type PlanCompletionCounts struct {
	Total      int
	Terminal   int
	AnyFailed  bool
}
