package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/engine"
)

func checkByName(t *testing.T, v engine.ClosureValidation, name string) engine.ClosureCheck {
	t.Helper()
	for _, c := range v.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not in %+v", name, v.Checks)
	return engine.ClosureCheck{}
}

func TestClosureChecklistProgression(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "closing")

	v, err := env.Engine.ValidateClosure(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	require.Len(t, v.Checks, 4)
	assert.Equal(t, "all_phases_completed", v.Checks[0].Name)
	assert.Equal(t, "mandatory_artifacts_delivered", v.Checks[1].Name)
	assert.Equal(t, "no_open_severe_defects", v.Checks[2].Name)
	assert.Equal(t, "project_closable", v.Checks[3].Name)
	assert.False(t, checkByName(t, v, "all_phases_completed").Passed)
	assert.True(t, checkByName(t, v, "project_closable").Passed)

	// an undelivered mandatory artifact holds the second check down
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		PhaseID: phases[0].ID, Type: "vision", Name: "Vision doc", IsMandatory: true, ActorID: "tester",
	})
	require.NoError(t, err)
	for _, ph := range phases {
		_, err := env.Engine.SetPhaseStatus(env.Ctx, ph.ID, "completed", "tester")
		require.NoError(t, err)
	}

	v, err = env.Engine.ValidateClosure(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, checkByName(t, v, "all_phases_completed").Passed)
	missing := checkByName(t, v, "mandatory_artifacts_delivered")
	assert.False(t, missing.Passed)
	assert.Contains(t, missing.Detail, "Inception/Vision doc")

	_, err = env.Engine.AddArtifactVersion(env.Ctx, a.ID, "tester", "ref-1")
	require.NoError(t, err)

	v, err = env.Engine.ValidateClosure(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, v.IsValid)
}

func TestCloseBlockedBySevereDefect(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "blocked")
	for _, ph := range phases {
		_, err := env.Engine.SetPhaseStatus(env.Ctx, ph.ID, "completed", "tester")
		require.NoError(t, err)
	}
	d, err := env.Engine.CreateDefect(env.Ctx, engine.DefectCreateOptions{
		ProjectID: p.ID, Title: "crash on start", Severity: "critical", ActorID: "tester",
	})
	require.NoError(t, err)

	_, err = env.Engine.CloseProject(env.Ctx, p.ID, engine.ProjectCloseOptions{ActorID: "tester"})
	var blocked engine.ClosureBlockedError
	require.ErrorAs(t, err, &blocked)
	names := make([]string, 0, len(blocked.Failed))
	for _, c := range blocked.Failed {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "no_open_severe_defects")

	// resolving the defect clears the path
	d, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "assigned", AssigneeID: "dev-1", ActorID: "tester"})
	require.NoError(t, err)
	d, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "fixed", ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.UpdateDefect(env.Ctx, d.ID, engine.DefectUpdateOptions{Status: "closed", ActorID: "tester"})
	require.NoError(t, err)

	p, err = env.Engine.CloseProject(env.Ctx, p.ID, engine.ProjectCloseOptions{ActorID: "tester", Notes: "all done"})
	require.NoError(t, err)
	assert.Equal(t, "closed", p.Status)
	require.NotNil(t, p.ClosedAt)
	require.NotNil(t, p.ClosedBy)
	assert.Equal(t, "tester", *p.ClosedBy)
	assert.False(t, p.ClosureForced)

	// closed is terminal
	_, err = env.Engine.CloseProject(env.Ctx, p.ID, engine.ProjectCloseOptions{ActorID: "tester"})
	var cerr engine.ConflictError
	require.ErrorAs(t, err, &cerr)
	_, err = env.Engine.CreateDefect(env.Ctx, engine.DefectCreateOptions{
		ProjectID: p.ID, Title: "late report", Severity: "low", ActorID: "tester",
	})
	require.ErrorAs(t, err, &cerr)
}

func TestForceClose(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedActiveProject(t, env, "forced")

	_, err := env.Engine.ForceCloseProject(env.Ctx, p.ID, engine.ProjectCloseOptions{ActorID: "tester"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	p, err = env.Engine.ForceCloseProject(env.Ctx, p.ID, engine.ProjectCloseOptions{
		ActorID:       "tester",
		Justification: "contract cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, "closed", p.Status)
	assert.True(t, p.ClosureForced)
	require.NotNil(t, p.Justification)
	assert.Equal(t, "contract cancelled", *p.Justification)

	var evtType string
	err = env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT type FROM events WHERE project_id=? AND entity_kind='project' ORDER BY id DESC LIMIT 1`, p.ID).Scan(&evtType)
	require.NoError(t, err)
	assert.Equal(t, "project.force_closed", evtType)
}

func TestForceCloseOnlyActive(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.ProjectCloseOptions{ActorID: "tester", Justification: "shutting down"}

	// a project that never left created has nothing to close
	created, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "fresh", Name: "f", ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.ForceCloseProject(env.Ctx, created.ID, opts)
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	// archived projects must be unarchived before any close, forced included
	p, _ := seedActiveProject(t, env, "shelved")
	_, err = env.Engine.ArchiveProject(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ForceCloseProject(env.Ctx, p.ID, opts)
	require.ErrorAs(t, err, &terr)

	_, err = env.Engine.UnarchiveProject(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	p, err = env.Engine.ForceCloseProject(env.Ctx, p.ID, opts)
	require.NoError(t, err)
	assert.Equal(t, "closed", p.Status)
}
