package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/opsdeck/reprocessor/internal/domain"
)

// TestClaimTask_ExactlyOnceUnderConcurrency checks §8 invariant 3: for
// any number of concurrent claimers racing a single PENDING task, exactly
// one observes claimed=true, regardless of how many goroutines contend.
func TestClaimTask_ExactlyOnceUnderConcurrency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(2, 16).Draw(rt, "workers")

		ctx := context.Background()
		dbPath := filepath.Join(t.TempDir(), "claim.db")
		s, err := NewSQLiteStore(dbPath)
		if err != nil {
			rt.Fatalf("opening store: %v", err)
		}
		defer s.Close()

		plan := &domain.Plan{Name: "p", Status: domain.PlanRunning}
		if err := s.CreatePlan(ctx, plan); err != nil {
			rt.Fatalf("creating plan: %v", err)
		}
		task := &domain.Task{PlanID: plan.ID, Type: domain.TaskWorkflow, JobID: "W-1"}
		if err := s.CreateTask(ctx, task); err != nil {
			rt.Fatalf("creating task: %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		claims := 0
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				_, ok, err := s.ClaimTask(ctx, task.ID)
				if err != nil {
					return
				}
				if ok {
					mu.Lock()
					claims++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if claims != 1 {
			rt.Fatalf("expected exactly one successful claim across %d workers, got %d", workers, claims)
		}
	})
}
