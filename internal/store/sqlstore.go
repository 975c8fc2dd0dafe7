package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opsdeck/reprocessor/internal/domain"
)

// sqlStore implements Store against a *sqlx.DB using `?`-placeholder SQL
// text that both go-sql-driver/mysql and ncruces/go-sqlite3 accept
// natively (§14.1: "the one primitive that must be expressed as a single
// round-trip statement on both backends" is ClaimTask below).
type sqlStore struct {
	db *sqlx.DB
}

var _ Store = (*sqlStore)(nil)

const planColumns = `id, name, description, status, oozie_url, use_rest, max_concurrency, created_by, created_at, updated_at`

const taskColumns = `id, plan_id, name, type, job_id, action, date, coordinator, wf_fail_nodes, wf_skip_nodes,
	refresh, failed_flag, extra_props, status, attempt, command, stdout, stderr, exit_code, pid, started_at, ended_at`

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	now := time.Now().UTC()
	if plan.Status == "" {
		plan.Status = domain.PlanDraft
	}
	plan.CreatedAt = now
	plan.UpdatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (name, description, status, oozie_url, use_rest, max_concurrency, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.Name, plan.Description, string(plan.Status), plan.OozieURL, plan.UseREST,
		plan.MaxConcurrency, plan.CreatedBy, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted plan id: %w", err)
	}
	plan.ID = id
	return nil
}

func (s *sqlStore) GetPlan(ctx context.Context, planID int64) (*domain.Plan, error) {
	var m planModel
	err := s.db.GetContext(ctx, &m, `SELECT `+planColumns+` FROM plans WHERE id = ?`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &PlanNotFoundError{PlanID: planID}
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	return m.toDomain(), nil
}

func (s *sqlStore) ListRunningPlans(ctx context.Context) ([]*domain.Plan, error) {
	var rows []planModel
	err := s.db.SelectContext(ctx, &rows, `SELECT `+planColumns+` FROM plans WHERE status = ? ORDER BY id`, string(domain.PlanRunning))
	if err != nil {
		return nil, fmt.Errorf("listing running plans: %w", err)
	}
	plans := make([]*domain.Plan, 0, len(rows))
	for i := range rows {
		plans = append(plans, rows[i].toDomain())
	}
	return plans, nil
}

// TransitionPlan validates and applies the §4.3 state machine inside one
// transaction: the status check, side effects (requeue/cancel), and the
// updated_at bump all commit or roll back together.
func (s *sqlStore) TransitionPlan(ctx context.Context, planID int64, to domain.PlanStatus) (*domain.Plan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var m planModel
	if err := tx.GetContext(ctx, &m, `SELECT `+planColumns+` FROM plans WHERE id = ?`, planID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &PlanNotFoundError{PlanID: planID}
		}
		return nil, fmt.Errorf("querying plan for transition: %w", err)
	}
	from := domain.PlanStatus(m.Status)

	if !domain.CanTransition(from, to) {
		return nil, &domain.IllegalTransition{From: from, To: to}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`, string(to), now, planID); err != nil {
		return nil, fmt.Errorf("updating plan status: %w", err)
	}

	if domain.RequeuesTasksOnEntry(from, to) {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE plan_id = ? AND status IN (?, ?, ?)`,
			string(domain.TaskPending), planID, string(domain.TaskFailed), string(domain.TaskCanceled), string(domain.TaskSkipped),
		)
		if err != nil {
			return nil, fmt.Errorf("requeuing tasks on transition: %w", err)
		}
	}

	if domain.CancelsPendingOnEntry(to) {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE plan_id = ? AND status = ?`,
			string(domain.TaskCanceled), planID, string(domain.TaskPending),
		)
		if err != nil {
			return nil, fmt.Errorf("cancelling pending tasks on transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	m.Status = string(to)
	m.UpdatedAt = now
	return m.toDomain(), nil
}

func (s *sqlStore) CompletePlan(ctx context.Context, planID int64, status domain.PlanStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("completing plan: %w", err)
	}
	return nil
}

func (s *sqlStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (plan_id, name, type, job_id, action, date, coordinator, wf_fail_nodes, wf_skip_nodes,
			refresh, failed_flag, extra_props, status, attempt, command, stdout, stderr, exit_code, pid, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.PlanID, task.Name, string(task.Type), task.JobID, task.Action, task.Date, task.Coordinator,
		task.WFFailNodes, task.WFSkipNodes, task.Refresh, task.Failed, marshalExtraProps(task.ExtraProps),
		string(task.Status), task.Attempt, task.Command, task.Stdout, task.Stderr, task.ExitCode, task.PID, task.StartedAt, task.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted task id: %w", err)
	}
	task.ID = id
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	var m taskModel
	err := s.db.GetContext(ctx, &m, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &TaskNotFoundError{TaskID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return m.toDomain(), nil
}

func (s *sqlStore) ListPendingTasks(ctx context.Context, planID int64, limit int) ([]*domain.Task, error) {
	var rows []taskModel
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? AND status = ? ORDER BY id ASC LIMIT ?`,
		planID, string(domain.TaskPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	tasks := make([]*domain.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toDomain())
	}
	return tasks, nil
}

// ClaimTask is the sole cluster-wide mutex for task execution (§4.6 step 2,
// §9): a worker only ever "owns" a task if this conditional UPDATE reports
// exactly one row affected. No SELECT-then-UPDATE: every concurrent worker
// issues this same statement and at most one of them claims the row.
func (s *sqlStore) ClaimTask(ctx context.Context, taskID int64) (*domain.Task, bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, attempt = attempt + 1 WHERE id = ? AND status = ?`,
		string(domain.TaskRunning), now, taskID, string(domain.TaskPending),
	)
	if err != nil {
		return nil, false, fmt.Errorf("claiming task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("reading claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, false, nil
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, fmt.Errorf("reloading claimed task: %w", err)
	}
	return task, true, nil
}

func (s *sqlStore) WriteTaskTerminal(ctx context.Context, taskID int64, status domain.TaskStatus, command, stdout, stderr string, exitCode *int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, command = ?, stdout = ?, stderr = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
		string(status), command, stdout, stderr, exitCode, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("writing task terminal state: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, ended_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(domain.TaskCanceled), time.Now().UTC(), taskID, string(domain.TaskPending), string(domain.TaskRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("cancelling task: %w", err)
	}
	// §4.4: cancel is a no-op on an already-terminal task; a RUNNING task is
	// marked CANCELED but its child process is not killed. The
	// rows-affected count is intentionally unchecked here, unlike ClaimTask,
	// because a no-op cancel is success, not a lost race.
	_, _ = result.RowsAffected()
	return s.GetTask(ctx, taskID)
}

// RetryTask implements §4.4's literal retry semantics: set PENDING,
// increment attempt, clear stdout, stderr, exit_code, pid, started_at and
// ended_at (command keeps its last value). Unlike
// CancelTask, this is unconditional — the operator may retry a task from
// any status, not only terminal ones.
func (s *sqlStore) RetryTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempt = attempt + 1, stdout = '', stderr = '',
			exit_code = NULL, pid = NULL, started_at = NULL, ended_at = NULL WHERE id = ?`,
		string(domain.TaskPending), taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("retrying task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

// SetTaskPID records the CLI fallback child process id (§4.6 step 5), so
// an operator inspecting a RUNNING task's row can correlate it with `ps`.
func (s *sqlStore) SetTaskPID(ctx context.Context, taskID int64, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET pid = ? WHERE id = ?`, pid, taskID)
	if err != nil {
		return fmt.Errorf("setting task pid: %w", err)
	}
	return nil
}

func (s *sqlStore) PlanCompletionCounts(ctx context.Context, planID int64) (PlanCompletionCounts, error) {
	var counts PlanCompletionCounts
	err := s.db.GetContext(ctx, &counts.Total, `SELECT COUNT(*) FROM tasks WHERE plan_id = ?`, planID)
	if err != nil {
		return PlanCompletionCounts{}, fmt.Errorf("counting tasks: %w", err)
	}
	err = s.db.GetContext(ctx, &counts.Terminal,
		`SELECT COUNT(*) FROM tasks WHERE plan_id = ? AND status IN (?, ?, ?, ?)`,
		planID, string(domain.TaskSuccess), string(domain.TaskFailed), string(domain.TaskCanceled), string(domain.TaskSkipped),
	)
	if err != nil {
		return PlanCompletionCounts{}, fmt.Errorf("counting terminal tasks: %w", err)
	}
	var failedCount int
	err = s.db.GetContext(ctx, &failedCount, `SELECT COUNT(*) FROM tasks WHERE plan_id = ? AND status = ?`, planID, string(domain.TaskFailed))
	if err != nil {
		return PlanCompletionCounts{}, fmt.Errorf("counting failed tasks: %w", err)
	}
	counts.AnyFailed = failedCount > 0
	return counts, nil
}

const userColumns = `id, username, password, role, active, created_at`

func (s *sqlStore) CreateUser(ctx context.Context, user *domain.User) error {
	user.CreatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password, role, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Username, user.Password, string(user.Role), user.Active, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted user id: %w", err)
	}
	user.ID = id
	return nil
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var m userModel
	err := s.db.GetContext(ctx, &m, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &UserNotFoundError{Username: username}
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return m.toDomain(), nil
}
