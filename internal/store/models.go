package store

import (
	"encoding/json"
	"time"

	"github.com/opsdeck/reprocessor/internal/domain"
)

// planModel is the sqlx row shape for the plans table; boolean and
// enum columns are stored as their SQL-native types and converted on
// the way in/out of domain.Plan.
type planModel struct {
	ID             int64     `db:"id"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	Status         string    `db:"status"`
	OozieURL       string    `db:"oozie_url"`
	UseREST        bool      `db:"use_rest"`
	MaxConcurrency int       `db:"max_concurrency"`
	CreatedBy      string    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (m *planModel) toDomain() *domain.Plan {
	return &domain.Plan{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		Status:         domain.PlanStatus(m.Status),
		OozieURL:       m.OozieURL,
		UseREST:        m.UseREST,
		MaxConcurrency: m.MaxConcurrency,
		CreatedBy:      m.CreatedBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// taskModel is the sqlx row shape for the tasks table. extra_props is
// stored as a JSON object column, mirroring the teacher's Labels
// pattern for map-valued fields (internal/infrastructure/sqlite/models.go).
type taskModel struct {
	ID          int64  `db:"id"`
	PlanID      int64  `db:"plan_id"`
	Name        string `db:"name"`
	Type        string `db:"type"`
	JobID       string `db:"job_id"`
	Action      string `db:"action"`
	Date        string `db:"date"`
	Coordinator string `db:"coordinator"`
	WFFailNodes bool   `db:"wf_fail_nodes"`
	WFSkipNodes string `db:"wf_skip_nodes"`
	Refresh     bool   `db:"refresh"`
	FailedFlag  bool   `db:"failed_flag"`
	ExtraProps  string `db:"extra_props"`
	Status      string `db:"status"`
	Attempt     int    `db:"attempt"`
	Command     string `db:"command"`
	Stdout      string     `db:"stdout"`
	Stderr      string     `db:"stderr"`
	ExitCode    *int       `db:"exit_code"`
	PID         *int       `db:"pid"`
	StartedAt   *time.Time `db:"started_at"`
	EndedAt     *time.Time `db:"ended_at"`
}

func (m *taskModel) toDomain() *domain.Task {
	var extraProps map[string]string
	_ = json.Unmarshal([]byte(m.ExtraProps), &extraProps)
	return &domain.Task{
		ID:          m.ID,
		PlanID:      m.PlanID,
		Name:        m.Name,
		Type:        domain.TaskType(m.Type),
		JobID:       m.JobID,
		Action:      m.Action,
		Date:        m.Date,
		Coordinator: m.Coordinator,
		WFFailNodes: m.WFFailNodes,
		WFSkipNodes: m.WFSkipNodes,
		Refresh:     m.Refresh,
		Failed:      m.FailedFlag,
		ExtraProps:  extraProps,
		Status:      domain.TaskStatus(m.Status),
		Attempt:     m.Attempt,
		Command:     m.Command,
		Stdout:      m.Stdout,
		Stderr:      m.Stderr,
		ExitCode:    m.ExitCode,
		PID:         m.PID,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
	}
}

// userModel is the sqlx row shape for the users table.
type userModel struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (m *userModel) toDomain() *domain.User {
	return &domain.User{
		ID:        m.ID,
		Username:  m.Username,
		Password:  m.Password,
		Role:      domain.UserRole(m.Role),
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
	}
}

func marshalExtraProps(props map[string]string) string {
	if len(props) == 0 {
		return "{}"
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "{}"
	}
	return string(b)
}
