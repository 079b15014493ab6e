package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func seedWorkflow(t *testing.T, env testEnv, name string, steps ...string) domain.Workflow {
	t.Helper()
	specs := make([]engine.WorkflowStepSpec, 0, len(steps))
	for i, s := range steps {
		specs = append(specs, engine.WorkflowStepSpec{Name: s, Order: i + 1})
	}
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{Name: name, Steps: specs, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func TestWorkflowStepValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{Name: "empty", ActorID: "tester"})
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		Name: "dup",
		Steps: []engine.WorkflowStepSpec{
			{Name: "draft", Order: 1},
			{Name: "review", Order: 1},
		},
		ActorID: "tester",
	})
	assert.ErrorAs(t, err, &verr)
}

func TestArtifactReviewWalk(t *testing.T) {
	env := newTestEnv(t)
	_, phases := seedActiveProject(t, env, "review")
	w := seedWorkflow(t, env, "three-step", "draft", "review", "approve")

	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		PhaseID: phases[0].ID, Type: "vision", Name: "Vision doc", WorkflowID: w.ID, ActorID: "tester",
	})
	require.NoError(t, err)
	require.Equal(t, "pending", a.Status)
	require.NotNil(t, a.CurrentStepID)
	assert.Equal(t, w.Steps[0].ID, *a.CurrentStepID)

	a, err = env.Engine.AdvanceArtifact(env.Ctx, a.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, "in_review", a.Status)
	assert.Equal(t, w.Steps[1].ID, *a.CurrentStepID)

	// completing before the last step is rejected
	_, err = env.Engine.CompleteArtifact(env.Ctx, a.ID, "tester")
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	a, err = env.Engine.AdvanceArtifact(env.Ctx, a.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, w.Steps[2].ID, *a.CurrentStepID)

	// no step beyond the last
	_, err = env.Engine.AdvanceArtifact(env.Ctx, a.ID, "tester")
	require.ErrorAs(t, err, &terr)

	a, err = env.Engine.CompleteArtifact(env.Ctx, a.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, "approved", a.Status)

	// approved is terminal
	_, err = env.Engine.CompleteArtifact(env.Ctx, a.ID, "tester")
	require.ErrorAs(t, err, &terr)
}

func TestAdvanceRequiresWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, phases := seedActiveProject(t, env, "unbound")
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		PhaseID: phases[0].ID, Type: "glossary", Name: "Glossary", ActorID: "tester",
	})
	require.NoError(t, err)
	assert.Nil(t, a.WorkflowID)

	_, err = env.Engine.AdvanceArtifact(env.Ctx, a.ID, "tester")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestUnboundArtifactEntersReviewOnDelivery(t *testing.T) {
	env := newTestEnv(t)
	_, phases := seedActiveProject(t, env, "deliver")
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		PhaseID: phases[0].ID, Type: "vision", Name: "Vision doc", ActorID: "tester",
	})
	require.NoError(t, err)
	require.Nil(t, a.WorkflowID)
	require.Equal(t, "pending", a.Status)

	// delivery opens the review even without a workflow bound
	_, err = env.Engine.AddArtifactVersion(env.Ctx, a.ID, "tester", "docs/vision.md")
	require.NoError(t, err)
	got, err := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_review", got.Status)

	_, err = env.Engine.AddArtifactVersion(env.Ctx, a.ID, "tester", "docs/vision-2.md")
	require.NoError(t, err)
	got, err = env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_review", got.Status)
}

func TestRebindPendingOnly(t *testing.T) {
	env := newTestEnv(t)
	_, phases := seedActiveProject(t, env, "rebind")
	w1 := seedWorkflow(t, env, "short", "draft", "approve")
	w2 := seedWorkflow(t, env, "long", "draft", "review", "approve")

	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		PhaseID: phases[0].ID, Type: "risk-list", Name: "Risks", WorkflowID: w1.ID, ActorID: "tester",
	})
	require.NoError(t, err)

	a, err = env.Engine.RebindWorkflow(env.Ctx, a.ID, w2.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, w2.ID, *a.WorkflowID)
	assert.Equal(t, w2.Steps[0].ID, *a.CurrentStepID)

	// rebinding to the same workflow at the first step changes nothing
	a, err = env.Engine.RebindWorkflow(env.Ctx, a.ID, w2.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, w2.Steps[0].ID, *a.CurrentStepID)

	// once in review the binding is locked
	_, err = env.Engine.AdvanceArtifact(env.Ctx, a.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.RebindWorkflow(env.Ctx, a.ID, w1.ID, "tester")
	var cerr engine.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestArtifactVersionHistory(t *testing.T) {
	env := newTestEnv(t)
	_, phases := seedActiveProject(t, env, "versions")
	w := seedWorkflow(t, env, "review", "draft", "approve")
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		PhaseID: phases[0].ID, Type: "vision", Name: "Vision doc", WorkflowID: w.ID, ActorID: "tester",
	})
	require.NoError(t, err)

	v1, err := env.Engine.AddArtifactVersion(env.Ctx, a.ID, "author-1", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	// the first submission of a bound artifact opens the review
	got, err := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_review", got.Status)

	v2, err := env.Engine.AddArtifactVersion(env.Ctx, a.ID, "author-2", "ref-2")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	versions, err := env.Engine.Repo.ListArtifactVersions(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "author-1", versions[0].AuthorID)
	assert.Equal(t, "author-2", versions[1].AuthorID)

	_, err = env.Engine.AddArtifactVersion(env.Ctx, a.ID, "", "ref-3")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}
