package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("phaseline-test")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedTemplate(t *testing.T, env testEnv) domain.Template {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "openup-small",
		Version: "1",
		Phases: []engine.TemplatePhaseSpec{
			{Name: "Inception", Order: 1, MandatoryArtifacts: []string{"vision", "risk-list"}},
			{Name: "Construction", Order: 2, MandatoryArtifacts: []string{"build"}},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func seedActiveProject(t *testing.T, env testEnv, code string) (domain.Project, []domain.Phase) {
	t.Helper()
	tpl := seedTemplate(t, env)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Code: code, Name: "Test project", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	p, phases, err := env.Engine.ApplyTemplate(env.Ctx, p.ID, tpl.ID, "tester")
	if err != nil {
		t.Fatalf("apply template: %v", err)
	}
	return p, phases
}

func TestProjectCodeRules(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "1bad", Name: "x", ActorID: "tester"})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for leading digit, got %v", err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "alpha-1", Name: "x", ActorID: "tester"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "alpha-1", Name: "y", ActorID: "tester"})
	var cerr engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected conflict for duplicate code, got %v", err)
	}
}

func TestArchiveCycle(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedActiveProject(t, env, "arch")
	p, err := env.Engine.ArchiveProject(env.Ctx, p.ID, "tester")
	if err != nil || p.Status != "archived" {
		t.Fatalf("archive: %v status=%s", err, p.Status)
	}
	if p.ArchivedAt == nil {
		t.Fatalf("expected archived_at stamp")
	}
	// archived is a siding, not an end state
	p, err = env.Engine.UnarchiveProject(env.Ctx, p.ID, "tester")
	if err != nil || p.Status != "active" {
		t.Fatalf("unarchive: %v status=%s", err, p.Status)
	}
	if p.ArchivedAt != nil {
		t.Fatalf("expected archived_at cleared")
	}
	// archiving a created project is invalid
	fresh, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "fresh", Name: "f", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ArchiveProject(env.Ctx, fresh.ID, "tester")
	var terr engine.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestDeleteOnlyBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "del", Name: "d", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("delete created project: %v", err)
	}
	active, _ := seedActiveProject(t, env, "keep")
	err = env.Engine.DeleteProject(env.Ctx, active.ID, "tester")
	var cerr engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected conflict deleting active project, got %v", err)
	}
}

func TestPhaseTransitions(t *testing.T) {
	env := newTestEnv(t)
	_, phases := seedActiveProject(t, env, "phases")
	ph := phases[0]
	ph, err := env.Engine.SetPhaseStatus(env.Ctx, ph.ID, "in_progress", "tester")
	if err != nil || ph.Status != "in_progress" {
		t.Fatalf("start phase: %v", err)
	}
	ph, err = env.Engine.SetPhaseStatus(env.Ctx, ph.ID, "completed", "tester")
	if err != nil || ph.Status != "completed" {
		t.Fatalf("complete phase: %v", err)
	}
	// completed is terminal
	_, err = env.Engine.SetPhaseStatus(env.Ctx, ph.ID, "in_progress", "tester")
	var terr engine.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}
	// skipping straight to completed is allowed
	if _, err := env.Engine.SetPhaseStatus(env.Ctx, phases[1].ID, "completed", "tester"); err != nil {
		t.Fatalf("skip to completed: %v", err)
	}
}

func TestDefectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedActiveProject(t, env, "defects")
	d, err := env.Engine.CreateDefect(env.Ctx, engine.DefectCreateOptions{
		ProjectID: p.ID, Title: "broken build", Severity: "high", ActorID: "tester",
	})
	if err != nil || d.Status != "new" {
		t.Fatalf("create defect: %v", err)
	}
	// assigning requires an assignee
	_, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "assigned", ActorID: "tester"})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error without assignee, got %v", err)
	}
	d, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "assigned", AssigneeID: "dev-1", ActorID: "tester"})
	if err != nil || d.Status != "assigned" {
		t.Fatalf("assign: %v", err)
	}
	d, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "fixed", ActorID: "tester"})
	if err != nil || d.Status != "fixed" {
		t.Fatalf("fix: %v", err)
	}
	// reopen path
	d, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "assigned", AssigneeID: "dev-2", ActorID: "tester"})
	if err != nil || d.Status != "assigned" {
		t.Fatalf("reopen: %v", err)
	}
	d, _ = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "fixed", ActorID: "tester"})
	d, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "closed", ActorID: "tester"})
	if err != nil || d.Status != "closed" {
		t.Fatalf("close: %v", err)
	}
	// closed is terminal
	_, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "assigned", AssigneeID: "dev-1", ActorID: "tester"})
	var terr engine.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error on closed defect, got %v", err)
	}
}

func TestTaskCompletion(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "tasks")
	tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: p.ID, PhaseID: phases[0].ID, Title: "write vision", ActorID: "tester",
	})
	if err != nil || tk.Status != "open" {
		t.Fatalf("create task: %v", err)
	}
	tk, err = env.Engine.CompleteTask(env.Ctx, tk.ID, "tester")
	if err != nil || tk.Status != "done" {
		t.Fatalf("complete: %v", err)
	}
	if tk.CompletedAt == nil {
		t.Fatalf("expected completed_at stamp")
	}
	_, err = env.Engine.CompleteTask(env.Ctx, tk.ID, "tester")
	var terr engine.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error on done task, got %v", err)
	}
	// phase of another project rejected
	other, otherPhases := seedActiveProject(t, env, "tasks2")
	_ = other
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: p.ID, PhaseID: otherPhases[0].ID, Title: "cross", ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for cross-project phase, got %v", err)
	}
}

func TestIterationDates(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedActiveProject(t, env, "iters")
	it, err := env.Engine.CreateIteration(env.Ctx, engine.IterationCreateOptions{
		ProjectID: p.ID, Name: "I1", StartDate: "2024-01-08", EndDate: "2024-01-19", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create iteration: %v", err)
	}
	if it.Name != "I1" {
		t.Fatalf("unexpected iteration %+v", it)
	}
	_, err = env.Engine.CreateIteration(env.Ctx, engine.IterationCreateOptions{
		ProjectID: p.ID, Name: "I2", StartDate: "2024-02-01", EndDate: "2024-01-19", ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for end before start, got %v", err)
	}
}

func TestEventsAppendedOnMutations(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "evented")
	if _, err := env.Engine.SetPhaseStatus(env.Ctx, phases[0].ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE project_id=?`, p.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			t.Fatal(err)
		}
		types[et] = true
	}
	for _, want := range []string{"project.created", "project.template_applied", "phase.status_changed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
