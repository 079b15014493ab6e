package engine

import (
	"context"
	"fmt"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// ApplyTemplate instantiates a template onto a freshly created project: one
// phase row per template phase, with the mandatory artifact set copied into
// the phase so later template edits cannot reach back into the project. The
// copy, the template binding and the move to active commit atomically.
func (e Engine) ApplyTemplate(ctx context.Context, projectID, templateID int64, actorID string) (domain.Project, []domain.Phase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, nil, projectErr(projectID, err)
	}
	if p.Status != "created" {
		return domain.Project{}, nil, ConflictError{Msg: fmt.Sprintf("project %d is %s; templates only apply to unstarted projects", projectID, p.Status)}
	}
	n, err := e.Repo.CountPhasesTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	if n > 0 {
		return domain.Project{}, nil, ConflictError{Msg: fmt.Sprintf("project %d already has phases", projectID)}
	}
	t, err := e.Repo.GetTemplateTx(ctx, tx, templateID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Project{}, nil, NotFoundError{Kind: "template", ID: templateID}
		}
		return domain.Project{}, nil, err
	}
	if len(t.Phases) == 0 {
		return domain.Project{}, nil, ValidationError{Msg: fmt.Sprintf("template %d has no phases", templateID)}
	}

	now := e.nowRFC3339()
	phases := make([]domain.Phase, 0, len(t.Phases))
	for _, tp := range t.Phases {
		ph := domain.Phase{
			ProjectID:          projectID,
			Name:               tp.Name,
			Order:              tp.Order,
			Status:             "not_started",
			MandatoryArtifacts: append([]string(nil), tp.MandatoryArtifacts...),
			CreatedAt:          now,
		}
		ph.ID, err = e.Repo.InsertPhaseTx(ctx, tx, ph)
		if err != nil {
			return domain.Project{}, nil, fmt.Errorf("insert phase: %w", err)
		}
		phases = append(phases, ph)
	}
	p.TemplateID = &templateID
	p.Status = "active"
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, "project.template_applied", p.ID, "project", fmt.Sprint(p.ID), actorID, events.EventPayload{"template_id": templateID, "phases": len(phases)}); err != nil {
		return domain.Project{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, nil, err
	}
	return p, phases, nil
}

// ApplyDefaultTemplate resolves the instance default and applies it.
func (e Engine) ApplyDefaultTemplate(ctx context.Context, projectID int64, actorID string) (domain.Project, []domain.Phase, error) {
	t, err := e.Repo.GetDefaultTemplate(ctx)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Project{}, nil, ValidationError{Msg: "no default template is set"}
		}
		return domain.Project{}, nil, err
	}
	return e.ApplyTemplate(ctx, projectID, t.ID, actorID)
}
