package gateway

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
)

// Request structs carry their argument schema in tags. Fields without omitempty are
// required; itemMaxLength caps each string of a list.
type AgentRegisterRequest struct {
	Name         string         `json:"name" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Unique agent name"`
	Type         string         `json:"type,omitempty" maxLength:"100" doc:"Agent type, e.g. coder or reviewer"`
	Capabilities []string       `json:"capabilities,omitempty" maxItems:"50" nullable:"false" itemMaxLength:"100" doc:"Capability labels"`
	Metadata     map[string]any `json:"metadata,omitempty" doc:"Free-form key/value metadata"`
}

type ProjectRequest struct {
	ProjectID string `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
}

type AgentStatusRequest struct {
	AgentID  string         `json:"agentId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Agent id or name"`
	Status   string         `json:"status" enum:"active,busy,offline,error" doc:"New status"`
	Metadata map[string]any `json:"metadata,omitempty" doc:"Free-form key/value metadata"`
}

type TaskCreateRequest struct {
	Title        string         `json:"title" maxLength:"200" pattern:"\\S" patternDescription:"non-blank" doc:"Task title"`
	Description  string         `json:"description,omitempty" maxLength:"5000" doc:"Longer description"`
	Type         string         `json:"type,omitempty" maxLength:"100" doc:"Task type; defaults to general"`
	Priority     string         `json:"priority,omitempty" enum:"low,medium,high,urgent" doc:"Priority; defaults to medium"`
	AssignedTo   string         `json:"assignedTo,omitempty" maxLength:"100" doc:"Assignee id or name"`
	CreatedBy    string         `json:"createdBy,omitempty" maxLength:"100" doc:"Creator id or name"`
	Tags         []string       `json:"tags,omitempty" maxItems:"50" nullable:"false" itemMaxLength:"50" doc:"Tags"`
	Dependencies []string       `json:"dependencies,omitempty" maxItems:"50" nullable:"false" itemMaxLength:"100" doc:"Ids of tasks this one depends on"`
	ProjectID    string         `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
	Metadata     map[string]any `json:"metadata,omitempty" doc:"Free-form key/value metadata"`
}

type TaskListRequest struct {
	ProjectID  string `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
	AssignedTo string `json:"assignedTo,omitempty" maxLength:"100" doc:"Assignee id or name"`
	Status     string `json:"status,omitempty" enum:"todo,in_progress,blocked,completed,cancelled" doc:"Status filter"`
	Type       string `json:"type,omitempty" maxLength:"100" doc:"Type filter"`
	Limit      int    `json:"limit,omitempty" minimum:"0" maximum:"500" doc:"Maximum number of results"`
}

type TaskUpdateRequest struct {
	TaskID     string         `json:"taskId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Task id"`
	Status     string         `json:"status" enum:"todo,in_progress,blocked,completed,cancelled" doc:"New status"`
	AssignedTo string         `json:"assignedTo,omitempty" maxLength:"100" doc:"New assignee id or name"`
	Metadata   map[string]any `json:"metadata,omitempty" doc:"Free-form key/value metadata"`
}

type AgentMessageRequest struct {
	FromAgentID string         `json:"fromAgentId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Sender id or name"`
	Content     string         `json:"content" maxLength:"10000" pattern:"\\S" patternDescription:"non-blank" doc:"Message body"`
	ToAgentID   string         `json:"toAgentId,omitempty" maxLength:"100" doc:"Recipient id or name; omit to broadcast"`
	MessageType string         `json:"messageType,omitempty" maxLength:"50" doc:"Message type; defaults to info"`
	Title       string         `json:"title,omitempty" maxLength:"200" doc:"Short title"`
	ContextRefs []string       `json:"contextRefs,omitempty" maxItems:"50" nullable:"false" itemMaxLength:"100" doc:"Related context references"`
	TaskRefs    []string       `json:"taskRefs,omitempty" maxItems:"50" nullable:"false" itemMaxLength:"100" doc:"Related task ids"`
	ProjectID   string         `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
	Metadata    map[string]any `json:"metadata,omitempty" doc:"Free-form key/value metadata"`
}

type AgentMessagesRequest struct {
	ProjectID   string `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
	AgentID     string `json:"agentId,omitempty" maxLength:"100" doc:"Include direct messages to this agent"`
	MessageType string `json:"messageType,omitempty" maxLength:"50" doc:"Type filter"`
	UnreadOnly  bool   `json:"unreadOnly,omitempty" doc:"Only messages not yet marked read"`
	Limit       int    `json:"limit,omitempty" minimum:"0" maximum:"500" doc:"Maximum number of results"`
}

type SessionRequest struct {
	AgentID   string `json:"agentId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Agent id or name"`
	SessionID string `json:"sessionId,omitempty" maxLength:"100" doc:"Session name; defaults to default"`
	ProjectID string `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
}

type MessageReadRequest struct {
	MessageIDs []string `json:"messageIds,omitempty" maxItems:"50" nullable:"false" itemMaxLength:"100" doc:"Message ids"`
	AgentID    string   `json:"agentId,omitempty" maxLength:"100" doc:"Recipient id or name"`
	ProjectID  string   `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
}

func (r *MessageReadRequest) validate() []FieldError {
	if len(r.MessageIDs) == 0 && r.AgentID == "" {
		return []FieldError{{Field: "messageIds", Reason: "either messageIds or agentId is required"}}
	}
	return nil
}

type TaskConflictsRequest struct {
	TaskID  string `json:"taskId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Task id"`
	AgentID string `json:"agentId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Candidate id or name"`
}

type TaskResolveConflictRequest struct {
	TaskID   string         `json:"taskId" maxLength:"100" pattern:"\\S" patternDescription:"non-blank" doc:"Task id"`
	Strategy string         `json:"strategy" enum:"reassign,split,priority,defer" doc:"Resolution strategy"`
	Params   map[string]any `json:"params,omitempty" doc:"reassign: agentId; split: parts; priority: priority; defer: reason, until"`
}

type EventsTailRequest struct {
	ProjectID  string `json:"projectId,omitempty" maxLength:"100" doc:"Project scope; defaults to the configured project"`
	Type       string `json:"type,omitempty" maxLength:"100" doc:"Event type filter"`
	EntityKind string `json:"entityKind,omitempty" enum:"agent,task,message,session" doc:"Entity kind filter"`
	EntityID   string `json:"entityId,omitempty" maxLength:"100" doc:"Entity id filter"`
	Limit      int    `json:"limit,omitempty" minimum:"0" maximum:"500" doc:"Maximum number of results"`
}

type AgentList struct {
	Agents []domain.Agent `json:"agents"`
	Count  int            `json:"count"`
}

type TaskList struct {
	Tasks []domain.Task `json:"tasks"`
	Count int           `json:"count"`
}

type MessageList struct {
	Messages []domain.Message `json:"messages"`
	Count    int              `json:"count"`
}

type SessionList struct {
	Sessions []domain.Session `json:"sessions"`
	Count    int              `json:"count"`
}

type EventList struct {
	Events []domain.Event `json:"events"`
	Count  int            `json:"count"`
}

type MarkReadResult struct {
	Updated int64 `json:"updated"`
}

// Catalog returns every operation the gateway serves.
func Catalog() []Operation {
	reg := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	return []Operation{
		define(reg, "agent_register", "Register an agent by unique name, or refresh an existing registration.",
			func(ctx context.Context, e engine.Engine, r *AgentRegisterRequest) (any, error) {
				return e.RegisterAgent(ctx, engine.RegisterAgentOptions{
					Name:         r.Name,
					Type:         r.Type,
					Capabilities: r.Capabilities,
					Metadata:     r.Metadata,
				})
			}),
		define(reg, "agent_list", "List agents, most recently seen first. With projectId, only agents working in that project.",
			func(ctx context.Context, e engine.Engine, r *ProjectRequest) (any, error) {
				agents, err := e.ListAgents(ctx, r.ProjectID)
				if err != nil {
					return nil, err
				}
				return AgentList{Agents: agents, Count: len(agents)}, nil
			}),
		define(reg, "agent_status", "Set an agent's status.",
			func(ctx context.Context, e engine.Engine, r *AgentStatusRequest) (any, error) {
				return e.UpdateAgentStatus(ctx, engine.AgentStatusOptions{
					Agent:    domain.ParseAgentRef(r.AgentID),
					Status:   r.Status,
					Metadata: r.Metadata,
				})
			}),
		define(reg, "task_create", "Create a task. An assignee is checked for conflicts and the report is returned with the task.",
			func(ctx context.Context, e engine.Engine, r *TaskCreateRequest) (any, error) {
				return e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:    r.ProjectID,
					Title:        r.Title,
					Description:  r.Description,
					Type:         r.Type,
					Priority:     r.Priority,
					AssignedTo:   domain.ParseAgentRef(r.AssignedTo),
					CreatedBy:    domain.ParseAgentRef(r.CreatedBy),
					Tags:         r.Tags,
					Dependencies: r.Dependencies,
					Metadata:     r.Metadata,
				})
			}),
		define(reg, "task_list", "List tasks by priority, newest first within a priority.",
			func(ctx context.Context, e engine.Engine, r *TaskListRequest) (any, error) {
				tasks, err := e.ListTasks(ctx, engine.TaskListOptions{
					ProjectID:  r.ProjectID,
					AssignedTo: domain.ParseAgentRef(r.AssignedTo),
					Status:     r.Status,
					Type:       r.Type,
					Limit:      r.Limit,
				})
				if err != nil {
					return nil, err
				}
				return TaskList{Tasks: tasks, Count: len(tasks)}, nil
			}),
		define(reg, "task_update", "Set a task's status and optionally assign it. Any status may follow any other.",
			func(ctx context.Context, e engine.Engine, r *TaskUpdateRequest) (any, error) {
				return e.UpdateTaskStatus(ctx, engine.TaskUpdateOptions{
					ID:         r.TaskID,
					Status:     r.Status,
					AssignedTo: domain.ParseAgentRef(r.AssignedTo),
					Metadata:   r.Metadata,
				})
			}),
		define(reg, "agent_message", "Send a message. Without a resolvable recipient it is broadcast to the project.",
			func(ctx context.Context, e engine.Engine, r *AgentMessageRequest) (any, error) {
				return e.SendMessage(ctx, engine.SendMessageOptions{
					ProjectID:   r.ProjectID,
					From:        domain.ParseAgentRef(r.FromAgentID),
					To:          domain.ParseAgentRef(r.ToAgentID),
					Type:        r.MessageType,
					Title:       r.Title,
					Content:     r.Content,
					ContextRefs: r.ContextRefs,
					TaskRefs:    r.TaskRefs,
					Metadata:    r.Metadata,
				})
			}),
		define(reg, "agent_messages", "Read messages, newest first. Broadcasts are always included.",
			func(ctx context.Context, e engine.Engine, r *AgentMessagesRequest) (any, error) {
				msgs, err := e.QueryMessages(ctx, engine.MessageQueryOptions{
					ProjectID:  r.ProjectID,
					Agent:      domain.ParseAgentRef(r.AgentID),
					Type:       r.MessageType,
					UnreadOnly: r.UnreadOnly,
					Limit:      r.Limit,
				})
				if err != nil {
					return nil, err
				}
				return MessageList{Messages: msgs, Count: len(msgs)}, nil
			}),
		define(reg, "agent_join", "Mark an agent present in a session.",
			func(ctx context.Context, e engine.Engine, r *SessionRequest) (any, error) {
				return e.JoinSession(ctx, r.options())
			}),
		define(reg, "agent_leave", "Mark an agent's session disconnected.",
			func(ctx context.Context, e engine.Engine, r *SessionRequest) (any, error) {
				return e.LeaveSession(ctx, r.options())
			}),
		define(reg, "agent_sessions", "List active sessions, most recent activity first.",
			func(ctx context.Context, e engine.Engine, r *ProjectRequest) (any, error) {
				sessions, err := e.ListActiveSessions(ctx, r.ProjectID)
				if err != nil {
					return nil, err
				}
				return SessionList{Sessions: sessions, Count: len(sessions)}, nil
			}),
		define(reg, "message_read", "Mark messages read by id, or every unread direct message of an agent.",
			func(ctx context.Context, e engine.Engine, r *MessageReadRequest) (any, error) {
				n, err := e.MarkRead(ctx, engine.MarkReadOptions{
					ProjectID:  r.ProjectID,
					MessageIDs: r.MessageIDs,
					Agent:      domain.ParseAgentRef(r.AgentID),
				})
				if err != nil {
					return nil, err
				}
				return MarkReadResult{Updated: n}, nil
			}),
		define(reg, "task_conflicts", "Check whether assigning an agent to a task would conflict. Changes nothing.",
			func(ctx context.Context, e engine.Engine, r *TaskConflictsRequest) (any, error) {
				return e.CheckConflicts(ctx, r.TaskID, domain.ParseAgentRef(r.AgentID))
			}),
		define(reg, "task_resolve_conflict", "Apply a conflict resolution strategy to a task.",
			func(ctx context.Context, e engine.Engine, r *TaskResolveConflictRequest) (any, error) {
				return e.ResolveConflict(ctx, engine.ResolveConflictOptions{
					TaskID:   r.TaskID,
					Strategy: r.Strategy,
					Params:   r.Params,
				})
			}),
		define(reg, "events_tail", "Show recent events, newest first.",
			func(ctx context.Context, e engine.Engine, r *EventsTailRequest) (any, error) {
				evts, err := e.TailEvents(ctx, engine.TailOptions{
					ProjectID:  r.ProjectID,
					Type:       r.Type,
					EntityKind: r.EntityKind,
					EntityID:   r.EntityID,
					Limit:      r.Limit,
				})
				if err != nil {
					return nil, err
				}
				return EventList{Events: evts, Count: len(evts)}, nil
			}),
	}
}

func (r *SessionRequest) options() engine.SessionOptions {
	return engine.SessionOptions{
		Agent:       domain.ParseAgentRef(r.AgentID),
		SessionName: r.SessionID,
		ProjectID:   r.ProjectID,
	}
}
