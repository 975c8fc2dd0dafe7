package domain

import "testing"

func TestTask_Validate_CoordinatorRequiresActionOrDate(t *testing.T) {
	task := &Task{Type: TaskCoordinator, JobID: "C-1"}
	if err := task.Validate(); err == nil {
		t.Error("expected error for coordinator task with neither action nor date")
	}

	task.Action = "1-3"
	if err := task.Validate(); err != nil {
		t.Errorf("expected no error with action set, got %v", err)
	}
}

func TestTask_Validate_BundleRequiresCoordinatorOrDate(t *testing.T) {
	task := &Task{Type: TaskBundle, JobID: "B-1"}
	if err := task.Validate(); err == nil {
		t.Error("expected error for bundle task with neither coordinator nor date")
	}

	task.Date = "2026-01-01"
	if err := task.Validate(); err != nil {
		t.Errorf("expected no error with date set, got %v", err)
	}
}

func TestTask_Validate_WorkflowHasNoExtraRequirement(t *testing.T) {
	task := &Task{Type: TaskWorkflow, JobID: "W-1"}
	if err := task.Validate(); err != nil {
		t.Errorf("expected no error for workflow task, got %v", err)
	}
}

func TestTask_Validate_UnknownType(t *testing.T) {
	task := &Task{Type: "bogus", JobID: "X-1"}
	if err := task.Validate(); err == nil {
		t.Error("expected error for unknown task type")
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskSuccess, TaskFailed, TaskCanceled, TaskSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []TaskStatus{TaskPending, TaskRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}
