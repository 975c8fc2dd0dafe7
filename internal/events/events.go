// Package events defines the JSON payload shape for the reprocessing
// manager's event bus: one flat object per message, `{event: <kind>,
// ...context}` (§4.7), published and received through internal/pubsub's
// Bus[Event].
package events

import "time"

// Kind enumerates the recognized event kinds (§4.7).
type Kind string

const (
	PlanCreated     Kind = "plan_created"
	PlanStatus      Kind = "plan_status"
	PlanStopped     Kind = "plan_stopped"
	PlanCompleted   Kind = "plan_completed"
	TaskStarted     Kind = "task_started"
	TaskFinished    Kind = "task_finished"
	TaskCanceled    Kind = "task_canceled"
	TaskRetried     Kind = "task_retried"
	WorkerHeartbeat Kind = "worker_heartbeat"
)

// Event is the flat JSON object published for every state change. Only
// the fields relevant to Kind are populated; the rest are omitted.
type Event struct {
	Kind      Kind      `json:"event"`
	PlanID    int64     `json:"plan_id,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
