package engine

import (
	"context"
	"database/sql"
	"fmt"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// WorkflowStepSpec is one step definition inside a workflow request.
type WorkflowStepSpec struct {
	Name  string
	Order int
}

// WorkflowCreateOptions are parameters for defining a review workflow.
type WorkflowCreateOptions struct {
	Name    string
	Steps   []WorkflowStepSpec
	ActorID string
}

func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.Workflow, error) {
	if opts.Name == "" {
		return domain.Workflow{}, ValidationError{Msg: "name is required"}
	}
	if len(opts.Steps) == 0 {
		return domain.Workflow{}, ValidationError{Msg: "a workflow needs at least one step"}
	}
	seen := map[int]bool{}
	for _, s := range opts.Steps {
		if s.Name == "" {
			return domain.Workflow{}, ValidationError{Msg: "step name is required"}
		}
		if s.Order < 1 {
			return domain.Workflow{}, ValidationError{Msg: fmt.Sprintf("step %q has order %d; orders start at 1", s.Name, s.Order)}
		}
		if seen[s.Order] {
			return domain.Workflow{}, ValidationError{Msg: fmt.Sprintf("duplicate step order %d", s.Order)}
		}
		seen[s.Order] = true
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w := domain.Workflow{Name: opts.Name, CreatedAt: e.nowRFC3339()}
	w.ID, err = e.Repo.InsertWorkflowTx(ctx, tx, w)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	for _, s := range opts.Steps {
		ws := domain.WorkflowStep{WorkflowID: w.ID, Name: s.Name, Order: s.Order}
		ws.ID, err = e.Repo.InsertWorkflowStepTx(ctx, tx, ws)
		if err != nil {
			return domain.Workflow{}, fmt.Errorf("insert workflow step: %w", err)
		}
		w.Steps = append(w.Steps, ws)
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", 0, "workflow", fmt.Sprint(w.ID), opts.ActorID, events.EventPayload{"name": w.Name, "steps": len(w.Steps)}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// ArtifactCreateOptions are parameters for registering an artifact under a phase.
type ArtifactCreateOptions struct {
	PhaseID     int64
	Type        string
	Name        string
	IsMandatory bool
	WorkflowID  int64
	ActorID     string
}

func (e Engine) CreateArtifact(ctx context.Context, opts ArtifactCreateOptions) (domain.Artifact, error) {
	if opts.Name == "" {
		return domain.Artifact{}, ValidationError{Msg: "name is required"}
	}
	if !e.Config.KnownArtifactType(opts.Type) {
		return domain.Artifact{}, ValidationError{Msg: fmt.Sprintf("unknown artifact type %q", opts.Type)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, opts.PhaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Artifact{}, NotFoundError{Kind: "phase", ID: opts.PhaseID}
		}
		return domain.Artifact{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, ph.ProjectID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Artifact{}, err
	}
	a := domain.Artifact{
		PhaseID:     opts.PhaseID,
		Type:        opts.Type,
		Name:        opts.Name,
		IsMandatory: opts.IsMandatory,
		Status:      "pending",
		CreatedAt:   e.nowRFC3339(),
	}
	if opts.WorkflowID != 0 {
		w, err := e.Repo.GetWorkflowTx(ctx, tx, opts.WorkflowID)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.Artifact{}, NotFoundError{Kind: "workflow", ID: opts.WorkflowID}
			}
			return domain.Artifact{}, err
		}
		a.WorkflowID = &w.ID
		a.CurrentStepID = &w.Steps[0].ID
	}
	a.ID, err = e.Repo.InsertArtifactTx(ctx, tx, a)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "artifact.created", ph.ProjectID, "artifact", fmt.Sprint(a.ID), opts.ActorID, events.EventPayload{"type": a.Type, "mandatory": a.IsMandatory}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// loadArtifactForReview resolves the artifact, its project and its bound
// workflow inside tx, rejecting closed projects and unbound artifacts.
func (e Engine) loadArtifactForReview(ctx context.Context, tx *sql.Tx, artifactID int64) (domain.Artifact, domain.Phase, domain.Workflow, error) {
	a, err := e.Repo.GetArtifactTx(ctx, tx, artifactID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, NotFoundError{Kind: "artifact", ID: artifactID}
		}
		return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, err
	}
	ph, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
	if err != nil {
		return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, ph.ProjectID)
	if err != nil {
		return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, err
	}
	if a.WorkflowID == nil {
		return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, ValidationError{Msg: fmt.Sprintf("artifact %d has no workflow bound", artifactID)}
	}
	w, err := e.Repo.GetWorkflowTx(ctx, tx, *a.WorkflowID)
	if err != nil {
		return domain.Artifact{}, domain.Phase{}, domain.Workflow{}, err
	}
	return a, ph, w, nil
}

func stepIndex(w domain.Workflow, stepID int64) int {
	for i, s := range w.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// AdvanceArtifact moves a bound artifact one workflow step forward. Leaving
// the first step moves a still-pending artifact into review.
func (e Engine) AdvanceArtifact(ctx context.Context, artifactID int64, actorID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, ph, w, err := e.loadArtifactForReview(ctx, tx, artifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	i := stepIndex(w, *a.CurrentStepID)
	if i < 0 {
		return domain.Artifact{}, fmt.Errorf("artifact %d step %d not in workflow %d", artifactID, *a.CurrentStepID, w.ID)
	}
	if i == len(w.Steps)-1 {
		return domain.Artifact{}, InvalidTransitionError{Entity: "artifact", From: w.Steps[i].Name, To: "beyond last step"}
	}
	next := w.Steps[i+1]
	a.CurrentStepID = &next.ID
	if a.Status == "pending" {
		a.Status = "in_review"
	}
	if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.advanced", ph.ProjectID, "artifact", fmt.Sprint(a.ID), actorID, events.EventPayload{"step": next.Name}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// CompleteArtifact approves an artifact sitting at its workflow's last step.
func (e Engine) CompleteArtifact(ctx context.Context, artifactID int64, actorID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, ph, w, err := e.loadArtifactForReview(ctx, tx, artifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if a.Status == "approved" {
		return domain.Artifact{}, InvalidTransitionError{Entity: "artifact", From: "approved", To: "approved"}
	}
	i := stepIndex(w, *a.CurrentStepID)
	if i != len(w.Steps)-1 {
		return domain.Artifact{}, InvalidTransitionError{Entity: "artifact", From: w.Steps[i].Name, To: "approved"}
	}
	a.Status = "approved"
	if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.approved", ph.ProjectID, "artifact", fmt.Sprint(a.ID), actorID, nil); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// RebindWorkflow swaps the workflow of a still-pending artifact, resetting it
// to the new workflow's first step. Rebinding to the current workflow is a
// no-op.
func (e Engine) RebindWorkflow(ctx context.Context, artifactID, workflowID int64, actorID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArtifactTx(ctx, tx, artifactID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Artifact{}, NotFoundError{Kind: "artifact", ID: artifactID}
		}
		return domain.Artifact{}, err
	}
	ph, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
	if err != nil {
		return domain.Artifact{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, ph.ProjectID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Artifact{}, err
	}
	if a.Status != "pending" {
		return domain.Artifact{}, ConflictError{Msg: fmt.Sprintf("artifact %d is %s; only pending artifacts can be rebound", artifactID, a.Status)}
	}
	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Artifact{}, NotFoundError{Kind: "workflow", ID: workflowID}
		}
		return domain.Artifact{}, err
	}
	first := w.Steps[0].ID
	if a.WorkflowID != nil && *a.WorkflowID == workflowID && a.CurrentStepID != nil && *a.CurrentStepID == first {
		return a, nil
	}
	a.WorkflowID = &w.ID
	a.CurrentStepID = &first
	if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.workflow_rebound", ph.ProjectID, "artifact", fmt.Sprint(a.ID), actorID, events.EventPayload{"workflow_id": workflowID}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// AddArtifactVersion appends the next version to an artifact's history.
// Version rows are never rewritten. The first version of a pending artifact
// moves it into review whether or not a workflow is bound.
func (e Engine) AddArtifactVersion(ctx context.Context, artifactID int64, authorID, contentRef string) (domain.ArtifactVersion, error) {
	if authorID == "" {
		return domain.ArtifactVersion{}, ValidationError{Msg: "author is required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArtifactTx(ctx, tx, artifactID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.ArtifactVersion{}, NotFoundError{Kind: "artifact", ID: artifactID}
		}
		return domain.ArtifactVersion{}, err
	}
	ph, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, ph.ProjectID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.ArtifactVersion{}, err
	}
	n, err := e.Repo.CountArtifactVersionsTx(ctx, tx, artifactID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.EnsureActor(ctx, tx, authorID, now); err != nil {
		return domain.ArtifactVersion{}, err
	}
	v := domain.ArtifactVersion{
		ArtifactID: artifactID,
		Version:    n + 1,
		AuthorID:   authorID,
		ContentRef: contentRef,
		CreatedAt:  now,
	}
	v.ID, err = e.Repo.InsertArtifactVersionTx(ctx, tx, v)
	if err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("insert artifact version: %w", err)
	}
	if a.Status == "pending" {
		a.Status = "in_review"
		if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
			return domain.ArtifactVersion{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "artifact.version_added", ph.ProjectID, "artifact", fmt.Sprint(a.ID), authorID, events.EventPayload{"version": v.Version}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}
