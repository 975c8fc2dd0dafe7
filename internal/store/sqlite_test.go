package store

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/reprocessor/internal/domain"
)

func openTestStore(t *testing.T) *sqlStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*sqlStore)
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestNewSQLiteStore_CreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestNewSQLiteStore_PreMigrationBackup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestNewSQLiteStore_WALAndPragmas(t *testing.T) {
	s := openTestStore(t)

	var journalMode string
	require.NoError(t, s.db.Get(&journalMode, "PRAGMA journal_mode"))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, s.db.Get(&foreignKeys, "PRAGMA foreign_keys"))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, s.db.Get(&busyTimeout, "PRAGMA busy_timeout"))
	require.Equal(t, 5000, busyTimeout)
}

func TestSQLiteStore_CreateAndGetPlan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "nightly-rerun", MaxConcurrency: 4, CreatedBy: "alice"}
	require.NoError(t, s.CreatePlan(ctx, plan))
	require.NotZero(t, plan.ID)
	require.Equal(t, domain.PlanDraft, plan.Status)

	got, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, plan.Name, got.Name)
	require.Equal(t, domain.PlanDraft, got.Status)
}

func TestSQLiteStore_GetPlan_NotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetPlan(ctx, 999)
	var notFound *PlanNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSQLiteStore_TransitionPlan_RequeuesOnReentry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanStopped}
	require.NoError(t, s.CreatePlan(ctx, plan))

	task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1", Status: domain.TaskFailed}
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.TransitionPlan(ctx, plan.ID, domain.PlanRunning)
	require.NoError(t, err)

	reloaded, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, reloaded.Status)
	require.Equal(t, 0, reloaded.Attempt, "re-queue on plan re-entry must not touch attempt; only retry() does")
}

func TestSQLiteStore_TransitionPlan_CancelsPendingOnStop(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))

	task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.TransitionPlan(ctx, plan.ID, domain.PlanStopped)
	require.NoError(t, err)

	reloaded, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCanceled, reloaded.Status)
}

func TestSQLiteStore_TransitionPlan_RejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanDraft}
	require.NoError(t, s.CreatePlan(ctx, plan))

	_, err := s.TransitionPlan(ctx, plan.ID, domain.PlanPaused)
	var illegal *domain.IllegalTransition
	require.ErrorAs(t, err, &illegal)
}

func TestSQLiteStore_ClaimTask_SucceedsOncePerTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))
	task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, ok, err := s.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.TaskRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempt)

	_, ok, err = s.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok, "a second claim of the same task must fail")
}

func TestSQLiteStore_ListPendingTasks_AscendingOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTask(ctx, &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W"}))
	}

	tasks, err := s.ListPendingTasks(ctx, plan.ID, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i := 1; i < len(tasks); i++ {
		require.Less(t, tasks[i-1].ID, tasks[i].ID)
	}
}

func TestSQLiteStore_WriteTaskTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))
	task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}
	require.NoError(t, s.CreateTask(ctx, task))

	exitCode := 0
	require.NoError(t, s.WriteTaskTerminal(ctx, task.ID, domain.TaskSuccess, "oozie job -rerun W-1", "ok", "", &exitCode))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, got.Status)
	require.Equal(t, "ok", got.Stdout)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.EndedAt)
}

func TestSQLiteStore_CancelTask_NoopWhenTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))
	task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.WriteTaskTerminal(ctx, task.ID, domain.TaskSuccess, "", "", "", nil))

	got, err := s.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, got.Status, "cancel must not override a terminal status")
}

func TestSQLiteStore_RetryTask_ResetsOutputsAndIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))
	task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.WriteTaskTerminal(ctx, task.ID, domain.TaskFailed, "cmd", "out", "boom", nil))
	require.NoError(t, s.SetTaskPID(ctx, task.ID, 4242))

	retried, err := s.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, retried.Status)
	require.Equal(t, 1, retried.Attempt)
	require.Empty(t, retried.Stdout)
	require.Empty(t, retried.Stderr)
	require.Nil(t, retried.ExitCode)
	require.Nil(t, retried.PID)
	require.Nil(t, retried.EndedAt)
}

func TestSQLiteStore_CreateAndGetUserByUsername(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	user := &domain.User{Username: "alice", Password: "hashed", Role: domain.RoleAdmin, Active: true}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NotZero(t, user.ID)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin, got.Role)
	require.True(t, got.Active)

	_, err = s.GetUserByUsername(ctx, "nobody")
	var notFound *UserNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSQLiteStore_PlanCompletionCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
	require.NoError(t, s.CreatePlan(ctx, plan))
	require.NoError(t, s.CreateTask(ctx, &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}))
	t2 := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-2"}
	require.NoError(t, s.CreateTask(ctx, t2))
	require.NoError(t, s.WriteTaskTerminal(ctx, t2.ID, domain.TaskFailed, "", "", "boom", nil))

	counts, err := s.PlanCompletionCounts(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Total)
	require.Equal(t, 1, counts.Terminal)
	require.True(t, counts.AnyFailed)
}
