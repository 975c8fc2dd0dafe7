// Package domain holds the Plan/Task/User entities and the state-machine
// rules that govern their lifecycles, independent of how they are stored
// or transported.
package domain

import (
	"fmt"
	"time"
)

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "DRAFT"
	PlanRunning   PlanStatus = "RUNNING"
	PlanPaused    PlanStatus = "PAUSED"
	PlanStopped   PlanStatus = "STOPPED"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanFailed    PlanStatus = "FAILED"
)

// ValidPlanStatus reports whether s is one of the enumerated plan statuses.
func ValidPlanStatus(s PlanStatus) bool {
	switch s {
	case PlanDraft, PlanRunning, PlanPaused, PlanStopped, PlanCompleted, PlanFailed:
		return true
	default:
		return false
	}
}

// MaxConcurrencyCeiling is the upper bound on Plan.MaxConcurrency (invariant 1).
const MaxConcurrencyCeiling = 64

// Plan is the unit of reprocessing work: an ordered set of Tasks driven
// through a status lifecycle by the worker loop and operator actions.
type Plan struct {
	ID             int64
	Name           string
	Description    string
	Status         PlanStatus
	OozieURL       string
	UseREST        bool
	MaxConcurrency int
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// planTransitions encodes the allowed plan status transitions from §4.3.
// Self-transitions are always permitted (checked separately in Transition)
// and are not listed here.
var planTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanDraft:     {PlanRunning: true, PlanStopped: true},
	PlanRunning:   {PlanPaused: true, PlanStopped: true},
	PlanPaused:    {PlanRunning: true, PlanStopped: true},
	PlanStopped:   {PlanRunning: true},
	PlanFailed:    {PlanRunning: true},
	PlanCompleted: {PlanRunning: true},
}

// CanTransition reports whether moving a plan from 'from' to 'to' is
// permitted by §4.3. Self-transitions are always permitted.
func CanTransition(from, to PlanStatus) bool {
	if from == to {
		return true
	}
	targets, ok := planTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// RequeuesTasksOnEntry reports whether entering 'to' from 'from' must
// re-queue the plan's FAILED/CANCELED/SKIPPED tasks back to PENDING
// (§4.3 side effect: to RUNNING from a terminal plan state).
func RequeuesTasksOnEntry(from, to PlanStatus) bool {
	if to != PlanRunning {
		return false
	}
	switch from {
	case PlanStopped, PlanFailed, PlanCompleted:
		return true
	default:
		return false
	}
}

// CancelsPendingOnEntry reports whether entering 'to' must cancel every
// PENDING task of the plan in the same transaction (§4.3: to STOPPED from
// any source).
func CancelsPendingOnEntry(to PlanStatus) bool {
	return to == PlanStopped
}

// IllegalTransition indicates a requested plan status transition is not
// permitted from the plan's current status. Callers at the HTTP boundary
// map this to 409.
type IllegalTransition struct {
	From, To PlanStatus
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s -> %s", e.From, e.To)
}
