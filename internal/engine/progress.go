package engine

import (
	"context"
	"math"

	"phaseline/internal/domain"
)

// Tracker is the read-side task projection the progress rollup consumes.
type Tracker interface {
	PhaseTaskCounts(ctx context.Context, phaseID int64) (total, completed int, err error)
	RecentIterations(ctx context.Context, projectID int64, limit int) ([]domain.IterationSummary, error)
}

// PhaseProgress is the rollup for a single phase.
type PhaseProgress struct {
	PhaseID             int64  `json:"phase_id"`
	Name                string `json:"name"`
	Order               int    `json:"order"`
	Status              string `json:"status"`
	TotalTasks          int    `json:"total_tasks"`
	CompletedTasks      int    `json:"completed_tasks"`
	PercentageCompleted int    `json:"percentage_completed"`
}

// ProjectProgress is the full project rollup: per-phase task percentages,
// their equal-weight average, and the recent iteration summaries.
type ProjectProgress struct {
	ProjectID           int64                     `json:"project_id"`
	PercentageCompleted int                       `json:"percentage_completed"`
	Phases              []PhaseProgress           `json:"phases"`
	RecentIterations    []domain.IterationSummary `json:"recent_iterations,omitempty"`
}

func roundPercent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// Progress computes the project rollup. Every phase weighs the same in the
// project percentage; a phase with no tasks counts as 0 and stays in the
// denominator.
func (e Engine) Progress(ctx context.Context, projectID int64) (ProjectProgress, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectProgress{}, projectErr(projectID, err)
	}
	phases, err := e.Repo.ListPhases(ctx, projectID)
	if err != nil {
		return ProjectProgress{}, err
	}

	out := ProjectProgress{ProjectID: p.ID}
	sum := 0
	for _, ph := range phases {
		total, completed, err := e.Tracker.PhaseTaskCounts(ctx, ph.ID)
		if err != nil {
			return ProjectProgress{}, err
		}
		pp := PhaseProgress{
			PhaseID:             ph.ID,
			Name:                ph.Name,
			Order:               ph.Order,
			Status:              ph.Status,
			TotalTasks:          total,
			CompletedTasks:      completed,
			PercentageCompleted: roundPercent(completed, total),
		}
		sum += pp.PercentageCompleted
		out.Phases = append(out.Phases, pp)
	}
	if len(phases) > 0 {
		out.PercentageCompleted = int(math.Round(float64(sum) / float64(len(phases))))
	}
	its, err := e.Tracker.RecentIterations(ctx, projectID, e.Config.RecentIterationLimit())
	if err != nil {
		return ProjectProgress{}, err
	}
	out.RecentIterations = its
	return out, nil
}
