package domain

import "time"

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

const (
	AgentActive  = "active"
	AgentBusy    = "busy"
	AgentOffline = "offline"
	AgentError   = "error"
)

const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	SessionActive       = "active"
	SessionDisconnected = "disconnected"
)

var (
	AgentStatuses = []string{AgentActive, AgentBusy, AgentOffline, AgentError}
	TaskStatuses  = []string{TaskTodo, TaskInProgress, TaskBlocked, TaskCompleted, TaskCancelled}
	Priorities    = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
)

// PriorityRank orders priorities; unknown values rank lowest.
func PriorityRank(p string) int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TaskOpen reports whether a task still counts as outstanding work.
func TaskOpen(status string) bool {
	return status != TaskCompleted && status != TaskCancelled
}

type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Capabilities []string       `json:"capabilities"`
	Status       string         `json:"status" enum:"active,busy,offline,error"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	LastSeen     string         `json:"lastSeen"`
}

type Task struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type"`
	Status       string         `json:"status" enum:"todo,in_progress,blocked,completed,cancelled"`
	Priority     string         `json:"priority" enum:"low,medium,high,urgent"`
	AssignedTo   *string        `json:"assignedTo,omitempty"`
	CreatedBy    *string        `json:"createdBy,omitempty"`
	Dependencies []string       `json:"dependencies"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
	StartedAt    *string        `json:"startedAt,omitempty"`
	CompletedAt  *string        `json:"completedAt,omitempty"`
}

// Message is immutable apart from ReadAt. A nil ToAgent is a project-wide broadcast.
type Message struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	FromAgent   string         `json:"fromAgent"`
	FromName    string         `json:"fromAgentName,omitempty"`
	ToAgent     *string        `json:"toAgent,omitempty"`
	ToName      string         `json:"toAgentName,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	ContextRefs []string       `json:"contextRefs"`
	TaskRefs    []string       `json:"taskRefs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReadAt      *string        `json:"readAt,omitempty"`
	CreatedAt   string         `json:"createdAt"`
}

// Session is keyed by (AgentID, SessionName, ProjectID).
type Session struct {
	AgentID      string `json:"agentId"`
	AgentName    string `json:"agentName,omitempty"`
	AgentStatus  string `json:"agentStatus,omitempty"`
	SessionName  string `json:"sessionId"`
	ProjectID    string `json:"projectId"`
	Status       string `json:"status" enum:"active,disconnected"`
	StartedAt    string `json:"startedAt"`
	LastActivity string `json:"lastActivity"`
}

const (
	ConflictWorkload     = "workload"
	ConflictDependency   = "dependency"
	ConflictAvailability = "availability"

	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Conflict is an advisory finding; it is never persisted.
type Conflict struct {
	Type       string `json:"type" enum:"workload,dependency,availability"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

type ConflictReport struct {
	TaskID      string     `json:"taskId"`
	AgentID     string     `json:"agentId"`
	HasConflict bool       `json:"hasConflict"`
	Conflicts   []Conflict `json:"conflicts"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"projectId,omitempty"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId,omitempty"`
	Payload    map[string]any `json:"payload"`
}
