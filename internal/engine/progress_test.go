package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/engine"
)

func TestProgressRollup(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "progress")

	// three tasks in phase one, two of them done
	var last int64
	for i := 0; i < 3; i++ {
		tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			ProjectID: p.ID, PhaseID: phases[0].ID, Title: "work", ActorID: "tester",
		})
		require.NoError(t, err)
		last = tk.ID
		if i < 2 {
			_, err = env.Engine.CompleteTask(env.Ctx, tk.ID, "tester")
			require.NoError(t, err)
		}
	}
	_ = last

	pr, err := env.Engine.Progress(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pr.Phases, 2)

	// 2/3 rounds to 67
	assert.Equal(t, 3, pr.Phases[0].TotalTasks)
	assert.Equal(t, 2, pr.Phases[0].CompletedTasks)
	assert.Equal(t, 67, pr.Phases[0].PercentageCompleted)

	// a phase without tasks reports 0 and stays in the denominator
	assert.Equal(t, 0, pr.Phases[1].TotalTasks)
	assert.Equal(t, 0, pr.Phases[1].PercentageCompleted)

	// (67 + 0) / 2 rounds to 34
	assert.Equal(t, 34, pr.PercentageCompleted)
}

func TestProgressEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Code: "empty", Name: "e", ActorID: "tester"})
	require.NoError(t, err)
	pr, err := env.Engine.Progress(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pr.PercentageCompleted)
	assert.Empty(t, pr.Phases)
}

func TestProgressRecentIterations(t *testing.T) {
	env := newTestEnv(t)
	p, phases := seedActiveProject(t, env, "iterprog")
	it, err := env.Engine.CreateIteration(env.Ctx, engine.IterationCreateOptions{
		ProjectID: p.ID, Name: "I1", StartDate: "2024-01-08", EndDate: "2024-01-19", ActorID: "tester",
	})
	require.NoError(t, err)
	tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: p.ID, PhaseID: phases[0].ID, IterationID: it.ID, Title: "iter work", ActorID: "tester",
	})
	require.NoError(t, err)
	_, err = env.Engine.CompleteTask(env.Ctx, tk.ID, "tester")
	require.NoError(t, err)

	pr, err := env.Engine.Progress(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pr.RecentIterations, 1)
	assert.Equal(t, "I1", pr.RecentIterations[0].Name)
	assert.Equal(t, 1, pr.RecentIterations[0].TotalTasks)
	assert.Equal(t, 1, pr.RecentIterations[0].CompletedTasks)
	assert.Equal(t, 100, pr.RecentIterations[0].PercentageCompleted)
}
