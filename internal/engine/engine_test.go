package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/db"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/migrate"
	"switchboard/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "swb.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	eng := engine.New(conn, nil, "proj-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) register(t *testing.T, name string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Name: name, Type: "coder"})
	require.NoError(t, err)
	return a
}

func (env testEnv) createTask(t *testing.T, opts engine.TaskCreateOptions) engine.TaskResult {
	t.Helper()
	res, err := env.Engine.CreateTask(env.Ctx, opts)
	require.NoError(t, err)
	return res
}

func conflictTypes(r *domain.ConflictReport) []string {
	if r == nil {
		return nil
	}
	var types []string
	for _, c := range r.Conflicts {
		types = append(types, c.Type)
	}
	return types
}

func TestRegisterAgentIsIdempotentByName(t *testing.T) {
	env := newTestEnv(t)
	first := env.register(t, "alice")
	assert.Equal(t, domain.AgentActive, first.Status)
	_, err := env.Engine.UpdateAgentStatus(env.Ctx, engine.AgentStatusOptions{Agent: domain.ByName("alice"), Status: domain.AgentBusy})
	require.NoError(t, err)

	second, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		Name:         "alice",
		Type:         "reviewer",
		Capabilities: []string{"go", "sql", "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "reviewer", second.Type)
	assert.Equal(t, []string{"go", "sql"}, second.Capabilities)
	assert.Equal(t, domain.AgentBusy, second.Status, "re-registration keeps status")

	agents, err := env.Engine.ListAgents(env.Ctx, "")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestRegisterAgentRequiresName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{})
	var inv *engine.InvalidInputError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "name", inv.Field)
}

func TestResolveByIDAndName(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")

	id, err := env.Engine.ResolveAgent(env.Ctx, domain.ParseAgentRef("alice"), true)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id)

	id, err = env.Engine.ResolveAgent(env.Ctx, domain.ParseAgentRef(alice.ID), true)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id)

	id, err = env.Engine.ResolveAgent(env.Ctx, domain.ByName("nobody"), false)
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = env.Engine.ResolveAgent(env.Ctx, domain.ByID(domain.NewID()), true)
	var unresolved *engine.UnresolvedAgentError
	require.ErrorAs(t, err, &unresolved)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestResolveUUIDShapedName(t *testing.T) {
	env := newTestEnv(t)
	name := domain.NewID()
	a := env.register(t, name)
	id, err := env.Engine.ResolveAgent(env.Ctx, domain.ParseAgentRef(name), true)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)
}

func TestUpdateAgentStatusValidates(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	_, err := env.Engine.UpdateAgentStatus(env.Ctx, engine.AgentStatusOptions{Agent: domain.ByName("alice"), Status: "sleeping"})
	var inv *engine.InvalidInputError
	require.ErrorAs(t, err, &inv)

	_, err = env.Engine.UpdateAgentStatus(env.Ctx, engine.AgentStatusOptions{Agent: domain.ByName("ghost"), Status: domain.AgentBusy})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateTaskDefaultsAndSoftAssignee(t *testing.T) {
	env := newTestEnv(t)
	res := env.createTask(t, engine.TaskCreateOptions{Title: "write docs", AssignedTo: domain.ByName("ghost")})
	assert.Equal(t, domain.TaskTodo, res.Task.Status)
	assert.Equal(t, domain.PriorityMedium, res.Task.Priority)
	assert.Equal(t, "proj-1", res.Task.ProjectID)
	assert.Nil(t, res.Task.AssignedTo)
	assert.Nil(t, res.Conflicts)

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Priority: "critical"})
	var inv *engine.InvalidInputError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "priority", inv.Field)
}

func TestWorkloadConflictAtThreeOpenHighTasks(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bob")
	for i := 0; i < 2; i++ {
		env.createTask(t, engine.TaskCreateOptions{Title: "hot", Priority: domain.PriorityHigh, AssignedTo: domain.ByName("bob")})
	}
	third := env.createTask(t, engine.TaskCreateOptions{Title: "hot", Priority: domain.PriorityUrgent, AssignedTo: domain.ByName("bob")})
	require.NotNil(t, third.Conflicts)
	assert.False(t, third.Conflicts.HasConflict, "two open high tasks are below the limit")

	fourth := env.createTask(t, engine.TaskCreateOptions{Title: "hot", Priority: domain.PriorityLow, AssignedTo: domain.ByName("bob")})
	require.NotNil(t, fourth.Conflicts)
	assert.True(t, fourth.Conflicts.HasConflict)
	require.Len(t, fourth.Conflicts.Conflicts, 1)
	assert.Equal(t, domain.ConflictWorkload, fourth.Conflicts.Conflicts[0].Type)
	assert.Equal(t, domain.SeverityMedium, fourth.Conflicts.Conflicts[0].Severity)
	assert.Equal(t, "bob", derefName(t, env, fourth.Task.AssignedTo))
}

func derefName(t *testing.T, env testEnv, id *string) string {
	t.Helper()
	require.NotNil(t, id)
	a, err := env.Engine.GetAgent(env.Ctx, domain.ByID(*id))
	require.NoError(t, err)
	return a.Name
}

func TestDependencyConflictClearsOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bob")
	dep := env.createTask(t, engine.TaskCreateOptions{Title: "schema", AssignedTo: domain.ByName("bob")})
	main := env.createTask(t, engine.TaskCreateOptions{Title: "api", Dependencies: []string{dep.Task.ID, "missing-task"}})
	assert.ElementsMatch(t, []string{dep.Task.ID, "missing-task"}, main.Task.Dependencies)

	report, err := env.Engine.CheckConflicts(env.Ctx, main.Task.ID, domain.ByName("bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{domain.ConflictDependency}, conflictTypes(&report))
	assert.Equal(t, domain.SeverityHigh, report.Conflicts[0].Severity)

	done, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskUpdateOptions{ID: dep.Task.ID, Status: domain.TaskCompleted})
	require.NoError(t, err)
	require.NotNil(t, done.Task.CompletedAt)

	res, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskUpdateOptions{
		ID:         main.Task.ID,
		Status:     domain.TaskInProgress,
		AssignedTo: domain.ByName("bob"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Conflicts)
	assert.False(t, res.Conflicts.HasConflict)
	assert.NotNil(t, res.Task.StartedAt)
}

func TestAvailabilityConflict(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bob")
	_, err := env.Engine.UpdateAgentStatus(env.Ctx, engine.AgentStatusOptions{Agent: domain.ByName("bob"), Status: domain.AgentOffline})
	require.NoError(t, err)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	report, err := env.Engine.CheckConflicts(env.Ctx, task.Task.ID, domain.ByName("bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{domain.ConflictAvailability}, conflictTypes(&report))

	_, err = env.Engine.CheckConflicts(env.Ctx, task.Task.ID, domain.ByName("ghost"))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateTaskIsPermissiveAndMergesMetadata(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t", Metadata: map[string]any{"a": "1", "b": "2"}})

	res, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskUpdateOptions{ID: task.Task.ID, Status: domain.TaskCompleted})
	require.NoError(t, err)
	res, err = env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskUpdateOptions{
		ID:       task.Task.ID,
		Status:   domain.TaskTodo,
		Metadata: map[string]any{"b": nil, "c": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTodo, res.Task.Status)
	assert.Equal(t, map[string]any{"a": "1", "c": "3"}, res.Task.Metadata)

	_, err = env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskUpdateOptions{ID: "nope", Status: domain.TaskTodo})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListTasksOrderAndFilters(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bob")
	low := env.createTask(t, engine.TaskCreateOptions{Title: "low", Priority: domain.PriorityLow})
	urgent := env.createTask(t, engine.TaskCreateOptions{Title: "urgent", Priority: domain.PriorityUrgent, AssignedTo: domain.ByName("bob")})
	med1 := env.createTask(t, engine.TaskCreateOptions{Title: "m1"})
	med2 := env.createTask(t, engine.TaskCreateOptions{Title: "m2"})
	env.createTask(t, engine.TaskCreateOptions{Title: "elsewhere", ProjectID: "proj-2"})

	tasks, err := env.Engine.ListTasks(env.Ctx, engine.TaskListOptions{})
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{urgent.Task.ID, med2.Task.ID, med1.Task.ID, low.Task.ID}, ids)

	mine, err := env.Engine.ListTasks(env.Ctx, engine.TaskListOptions{AssignedTo: domain.ByName("bob")})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, urgent.Task.ID, mine[0].ID)

	none, err := env.Engine.ListTasks(env.Ctx, engine.TaskListOptions{AssignedTo: domain.ByName("ghost")})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := env.Engine.ListTasks(env.Ctx, engine.TaskListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestResolveConflictStrategies(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bob")
	carol := env.register(t, "carol")
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t", AssignedTo: domain.ByName("bob")})

	got, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		TaskID:   task.Task.ID,
		Strategy: engine.StrategyReassign,
		Params:   map[string]any{"agentId": "carol"},
	})
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, carol.ID, *got.AssignedTo)
	assert.Contains(t, got.Metadata, "conflictResolution")

	got, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		TaskID:   task.Task.ID,
		Strategy: engine.StrategyDefer,
		Params:   map[string]any{"reason": "waiting on review"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBlocked, got.Status)
	assert.Equal(t, "waiting on review", got.Metadata["deferReason"])

	got, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		TaskID:   task.Task.ID,
		Strategy: engine.StrategyPriority,
		Params:   map[string]any{"priority": domain.PriorityLow},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, got.Priority)

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{TaskID: task.Task.ID, Strategy: "ignore"})
	var inv *engine.InvalidInputError
	assert.ErrorAs(t, err, &inv)
}

func TestBroadcastsAreAlwaysVisible(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	bob := env.register(t, "bob")
	env.register(t, "carol")

	direct, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: domain.ByName("alice"), To: domain.ByName("bob"), Content: "hi bob"})
	require.NoError(t, err)
	require.NotNil(t, direct.ToAgent)
	assert.Equal(t, bob.ID, *direct.ToAgent)
	assert.Equal(t, "info", direct.Type)
	assert.Equal(t, "alice", direct.FromName)

	broadcast, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: domain.ByName("alice"), Content: "hi all"})
	require.NoError(t, err)
	assert.Nil(t, broadcast.ToAgent)

	misaddressed, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: domain.ByName("alice"), To: domain.ByName("dave"), Content: "hi dave"})
	require.NoError(t, err)
	assert.Nil(t, misaddressed.ToAgent, "unknown recipient becomes a broadcast")

	forBob, err := env.Engine.QueryMessages(env.Ctx, engine.MessageQueryOptions{Agent: domain.ByName("bob")})
	require.NoError(t, err)
	assert.Equal(t, []string{misaddressed.ID, broadcast.ID, direct.ID}, messageIDs(forBob))

	forCarol, err := env.Engine.QueryMessages(env.Ctx, engine.MessageQueryOptions{Agent: domain.ByName("carol")})
	require.NoError(t, err)
	assert.Equal(t, []string{misaddressed.ID, broadcast.ID}, messageIDs(forCarol))

	forGhost, err := env.Engine.QueryMessages(env.Ctx, engine.MessageQueryOptions{Agent: domain.ByName("ghost")})
	require.NoError(t, err)
	assert.Equal(t, []string{misaddressed.ID, broadcast.ID}, messageIDs(forGhost))

	_, err = env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: domain.ByName("ghost"), Content: "boo"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func messageIDs(msgs []domain.Message) []string {
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.register(t, "bob")
	direct, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: domain.ByName("alice"), To: domain.ByName("bob"), Content: "one"})
	require.NoError(t, err)
	broadcast, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: domain.ByName("alice"), Content: "two"})
	require.NoError(t, err)

	n, err := env.Engine.MarkRead(env.Ctx, engine.MarkReadOptions{Agent: domain.ByName("bob")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	unread, err := env.Engine.QueryMessages(env.Ctx, engine.MessageQueryOptions{Agent: domain.ByName("bob"), UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{broadcast.ID}, messageIDs(unread))

	n, err = env.Engine.MarkRead(env.Ctx, engine.MarkReadOptions{MessageIDs: []string{broadcast.ID, direct.ID}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "already-read messages are not counted")

	_, err = env.Engine.MarkRead(env.Ctx, engine.MarkReadOptions{})
	var inv *engine.InvalidInputError
	assert.ErrorAs(t, err, &inv)
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.register(t, "bob")

	s, err := env.Engine.JoinSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("alice")})
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultSessionName, s.SessionName)
	assert.Equal(t, domain.SessionActive, s.Status)
	_, err = env.Engine.JoinSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("bob"), SessionName: "review"})
	require.NoError(t, err)

	active, err := env.Engine.ListActiveSessions(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "bob", active[0].AgentName)

	left, err := env.Engine.LeaveSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("bob"), SessionName: "review"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, left.Status)

	active, err = env.Engine.ListActiveSessions(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].AgentName)

	rejoined, err := env.Engine.JoinSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("bob"), SessionName: "review"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, rejoined.Status)
	assert.Greater(t, rejoined.StartedAt, left.StartedAt)

	_, err = env.Engine.LeaveSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("alice"), SessionName: "never"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.JoinSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("ghost")})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestProjectScopedAgentList(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.register(t, "bob")
	env.register(t, "idle")
	env.createTask(t, engine.TaskCreateOptions{Title: "t", ProjectID: "alpha", AssignedTo: domain.ByName("alice")})
	_, err := env.Engine.JoinSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("bob"), ProjectID: "alpha"})
	require.NoError(t, err)

	agents, err := env.Engine.ListAgents(env.Ctx, "alpha")
	require.NoError(t, err)
	var names []string
	for _, a := range agents {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)

	all, err := env.Engine.ListAgents(env.Ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEventsRecordMutations(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.createTask(t, engine.TaskCreateOptions{Title: "t", CreatedBy: domain.ByName("alice")})

	evts, err := env.Engine.TailEvents(env.Ctx, engine.TailOptions{})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "task.created", evts[0].Type)
	assert.Equal(t, "agent.registered", evts[1].Type)

	after, err := env.Engine.EventsAfter(env.Ctx, evts[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, evts[0].ID, after[0].ID)

	latest, err := env.Engine.LatestEventID(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, evts[0].ID, latest)
}

// The coordination walkthrough: register, assign, message, join, complete.
func TestCoordinationScenario(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	created := env.createTask(t, engine.TaskCreateOptions{
		Title:      "Implement login",
		Priority:   domain.PriorityHigh,
		AssignedTo: domain.ByName("bob"),
		CreatedBy:  domain.ByName("alice"),
	})
	require.NotNil(t, created.Task.AssignedTo)
	assert.Equal(t, bob.ID, *created.Task.AssignedTo)
	require.NotNil(t, created.Task.CreatedBy)
	assert.Equal(t, alice.ID, *created.Task.CreatedBy)
	assert.False(t, created.Conflicts.HasConflict)

	_, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		From:     domain.ByName("alice"),
		To:       domain.ByID(bob.ID),
		Content:  "login is yours",
		TaskRefs: []string{created.Task.ID},
	})
	require.NoError(t, err)
	_, err = env.Engine.JoinSession(env.Ctx, engine.SessionOptions{Agent: domain.ByName("bob")})
	require.NoError(t, err)

	inbox, err := env.Engine.QueryMessages(env.Ctx, engine.MessageQueryOptions{Agent: domain.ByName("bob")})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, []string{created.Task.ID}, inbox[0].TaskRefs)

	res, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskUpdateOptions{ID: created.Task.ID, Status: domain.TaskCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, res.Task.Status)

	open, err := env.Engine.ListTasks(env.Ctx, engine.TaskListOptions{AssignedTo: domain.ByName("bob"), Status: domain.TaskTodo})
	require.NoError(t, err)
	assert.Empty(t, open)
}
