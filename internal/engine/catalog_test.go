package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/engine"
)

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.TemplateCreateOptions
	}{
		{"no phases", engine.TemplateCreateOptions{Name: "t", ActorID: "tester"}},
		{"duplicate order", engine.TemplateCreateOptions{Name: "t", Phases: []engine.TemplatePhaseSpec{
			{Name: "A", Order: 1}, {Name: "B", Order: 1},
		}}},
		{"duplicate name", engine.TemplateCreateOptions{Name: "t", Phases: []engine.TemplatePhaseSpec{
			{Name: "A", Order: 1}, {Name: "A", Order: 2},
		}}},
		{"zero order", engine.TemplateCreateOptions{Name: "t", Phases: []engine.TemplatePhaseSpec{
			{Name: "A", Order: 0},
		}}},
		{"unknown artifact type", engine.TemplateCreateOptions{Name: "t", Phases: []engine.TemplatePhaseSpec{
			{Name: "A", Order: 1, MandatoryArtifacts: []string{"nonsense"}},
		}}},
		{"bad version", engine.TemplateCreateOptions{Name: "t", Version: "v1.beta", Phases: []engine.TemplatePhaseSpec{
			{Name: "A", Order: 1},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTemplate(env.Ctx, tc.opts)
			var verr engine.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestTemplateNameVersionUnique(t *testing.T) {
	env := newTestEnv(t)
	phases := []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1}}
	_, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "dup", Version: "1", Phases: phases, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "dup", Version: "1", Phases: phases, ActorID: "tester"})
	var cerr engine.ConflictError
	require.ErrorAs(t, err, &cerr)
	// same name under a different version is fine
	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "dup", Version: "2", Phases: phases, ActorID: "tester"})
	require.NoError(t, err)
}

func TestDefaultTemplateSwap(t *testing.T) {
	env := newTestEnv(t)
	phases := []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1}}
	t1, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "first", Phases: phases, ActorID: "tester"})
	require.NoError(t, err)
	t2, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "second", Phases: phases, ActorID: "tester"})
	require.NoError(t, err)

	_, err = env.Engine.SetDefaultTemplate(env.Ctx, t1.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SetDefaultTemplate(env.Ctx, t2.ID, "tester")
	require.NoError(t, err)

	items, err := env.Engine.Repo.ListTemplates(env.Ctx)
	require.NoError(t, err)
	var defaults []int64
	for _, tpl := range items {
		if tpl.IsDefault {
			defaults = append(defaults, tpl.ID)
		}
	}
	require.Equal(t, []int64{t2.ID}, defaults)

	// promoting the current default is a no-op
	got, err := env.Engine.SetDefaultTemplate(env.Ctx, t2.ID, "tester")
	require.NoError(t, err)
	assert.True(t, got.IsDefault)
}

func TestTemplateFrozenOnceUsed(t *testing.T) {
	env := newTestEnv(t)
	desc := "updated"
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:   "editable",
		Phases: []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1}},
	})
	require.NoError(t, err)
	tpl, err = env.Engine.UpdateTemplate(env.Ctx, tpl.ID, engine.TemplateUpdateOptions{
		Description: &desc,
		Phases: []engine.TemplatePhaseSpec{
			{Name: "Inception", Order: 1},
			{Name: "Elaboration", Order: 2, MandatoryArtifacts: []string{"architecture-notebook"}},
		},
		ActorID: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, "updated", tpl.Description)
	assert.Len(t, tpl.Phases, 2)

	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "frozen", Name: "f", ActorID: "tester"})
	require.NoError(t, err)
	_, _, err = env.Engine.ApplyTemplate(env.Ctx, p.ID, tpl.ID, "tester")
	require.NoError(t, err)

	_, err = env.Engine.UpdateTemplate(env.Ctx, tpl.ID, engine.TemplateUpdateOptions{Description: &desc, ActorID: "tester"})
	var cerr engine.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestTemplateVersionClone(t *testing.T) {
	env := newTestEnv(t)
	src := seedTemplate(t, env)
	clone, err := env.Engine.CreateTemplateVersion(env.Ctx, src.ID, "2", "tester")
	require.NoError(t, err)
	assert.Equal(t, src.Name, clone.Name)
	assert.Equal(t, "2", clone.Version)
	assert.False(t, clone.IsDefault)
	require.Len(t, clone.Phases, len(src.Phases))
	for i := range src.Phases {
		assert.Equal(t, src.Phases[i].Name, clone.Phases[i].Name)
		assert.Equal(t, src.Phases[i].MandatoryArtifacts, clone.Phases[i].MandatoryArtifacts)
	}
	_, err = env.Engine.CreateTemplateVersion(env.Ctx, src.ID, "not-a-version", "tester")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTemplateConfigurationPayload(t *testing.T) {
	env := newTestEnv(t)
	phases := []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1}}

	_, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "cfg", Configuration: "{not json", Phases: phases, ActorID: "tester",
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "cfg", Configuration: `{"iteration_weeks":2}`, Phases: phases, ActorID: "tester",
	})
	require.NoError(t, err)
	got, err := env.Engine.Repo.GetTemplate(env.Ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"iteration_weeks":2}`, got.ConfigJSON)

	newCfg := `{"iteration_weeks":3}`
	tpl, err = env.Engine.UpdateTemplate(env.Ctx, tpl.ID, engine.TemplateUpdateOptions{Configuration: &newCfg, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, newCfg, tpl.ConfigJSON)

	// new versions clone the configuration with the rest of the definition
	clone, err := env.Engine.CreateTemplateVersion(env.Ctx, tpl.ID, "2", "tester")
	require.NoError(t, err)
	assert.Equal(t, newCfg, clone.ConfigJSON)
}

func TestCompareTemplatesConfiguration(t *testing.T) {
	env := newTestEnv(t)
	phases := []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1}}
	a, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "cmp-cfg", Version: "1", Configuration: `{"iteration_weeks":2}`, Phases: phases, ActorID: "tester",
	})
	require.NoError(t, err)
	b, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "cmp-cfg", Version: "2", Configuration: `{"iteration_weeks":4}`, Phases: phases, ActorID: "tester",
	})
	require.NoError(t, err)

	diffs, err := env.Engine.CompareTemplates(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)
	var cfgDiff *engine.TemplateDiff
	for i, d := range diffs {
		if d.Field == "configuration" {
			cfgDiff = &diffs[i]
		}
	}
	require.NotNil(t, cfgDiff)
	assert.Equal(t, `{"iteration_weeks":2}`, cfgDiff.Value1)
	assert.Equal(t, `{"iteration_weeks":4}`, cfgDiff.Value2)
}

func TestCompareMandatorySetOrderInsensitive(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "cmp-set", Version: "1",
		Phases:  []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1, MandatoryArtifacts: []string{"vision", "risk-list"}}},
		ActorID: "tester",
	})
	require.NoError(t, err)
	b, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name: "cmp-set", Version: "2",
		Phases:  []engine.TemplatePhaseSpec{{Name: "Inception", Order: 1, MandatoryArtifacts: []string{"risk-list", "vision"}}},
		ActorID: "tester",
	})
	require.NoError(t, err)

	diffs, err := env.Engine.CompareTemplates(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)
	for _, d := range diffs {
		assert.NotEqual(t, "phase[1].mandatory_artifacts", d.Field)
	}
}

func TestCompareTemplates(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "cmp",
		Version: "1",
		Phases: []engine.TemplatePhaseSpec{
			{Name: "Inception", Order: 1, MandatoryArtifacts: []string{"vision"}},
			{Name: "Construction", Order: 2},
		},
		ActorID: "tester",
	})
	require.NoError(t, err)
	b, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "cmp",
		Version: "2",
		Phases: []engine.TemplatePhaseSpec{
			{Name: "Inception", Order: 1, MandatoryArtifacts: []string{"vision", "risk-list"}},
			{Name: "Transition", Order: 2},
			{Name: "Wrap-up", Order: 3},
		},
		ActorID: "tester",
	})
	require.NoError(t, err)

	diffs, err := env.Engine.CompareTemplates(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)
	fields := map[string]bool{}
	for _, d := range diffs {
		fields[d.Field] = true
	}
	assert.True(t, fields["version"])
	assert.True(t, fields["phase_count"])
	assert.True(t, fields["phase[1].mandatory_artifacts"])
	assert.True(t, fields["phase[2].name"])
	assert.True(t, fields["phase[3]"])
	assert.False(t, fields["name"])

	same, err := env.Engine.CompareTemplates(env.Ctx, a.ID, a.ID)
	require.NoError(t, err)
	assert.Empty(t, same)
}
