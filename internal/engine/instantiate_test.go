package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/engine"
)

func TestApplyTemplateInstantiatesPhases(t *testing.T) {
	env := newTestEnv(t)
	tpl := seedTemplate(t, env)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "inst", Name: "i", ActorID: "tester"})
	require.NoError(t, err)

	p, phases, err := env.Engine.ApplyTemplate(env.Ctx, p.ID, tpl.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, "active", p.Status)
	require.NotNil(t, p.TemplateID)
	assert.Equal(t, tpl.ID, *p.TemplateID)
	require.Len(t, phases, 2)
	assert.Equal(t, "Inception", phases[0].Name)
	assert.Equal(t, "not_started", phases[0].Status)
	assert.Equal(t, []string{"vision", "risk-list"}, phases[0].MandatoryArtifacts)

	// a project is instantiated at most once
	_, _, err = env.Engine.ApplyTemplate(env.Ctx, p.ID, tpl.ID, "tester")
	var cerr engine.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestPhaseSnapshotSurvivesTemplatePhaseRemoval(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "snapshot")

	// wiping the template's phase rows must not touch the project copy
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	proj, err := env.Engine.Repo.GetProjectTx(env.Ctx, tx, p.ID)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.DeleteTemplatePhasesTx(env.Ctx, tx, *proj.TemplateID))
	require.NoError(t, tx.Commit())

	got, err := env.Engine.Repo.ListPhases(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, len(phases))
	assert.Equal(t, []string{"vision", "risk-list"}, got[0].MandatoryArtifacts)
}

func TestApplyDefaultTemplate(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "defapply", Name: "d", ActorID: "tester"})
	require.NoError(t, err)

	// no default set yet
	_, _, err = env.Engine.ApplyDefaultTemplate(env.Ctx, p.ID, "tester")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	tpl := seedTemplate(t, env)
	_, err = env.Engine.SetDefaultTemplate(env.Ctx, tpl.ID, "tester")
	require.NoError(t, err)

	p, phases, err := env.Engine.ApplyDefaultTemplate(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, tpl.ID, *p.TemplateID)
	assert.Len(t, phases, 2)
}
