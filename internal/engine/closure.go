package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// closureChecklist derives the four closure checks inside tx, in their fixed
// order: phases done, mandatory artifacts delivered, no open severe defects,
// project in a closable state.
func (e Engine) closureChecklist(ctx context.Context, tx *sql.Tx, p domain.Project) (ClosureValidation, error) {
	var v ClosureValidation

	phases, err := e.Repo.ListPhasesTx(ctx, tx, p.ID)
	if err != nil {
		return v, err
	}
	var openPhases []string
	for _, ph := range phases {
		if ph.Status != "completed" {
			openPhases = append(openPhases, ph.Name)
		}
	}
	check := ClosureCheck{Name: "all_phases_completed", Passed: len(phases) > 0 && len(openPhases) == 0}
	switch {
	case len(phases) == 0:
		check.Detail = "project has no phases"
	case len(openPhases) > 0:
		check.Detail = "incomplete: " + strings.Join(openPhases, ", ")
	default:
		check.Detail = fmt.Sprintf("%d phases completed", len(phases))
	}
	v.Checks = append(v.Checks, check)

	missing, err := e.Repo.UndeliveredMandatoryArtifactsTx(ctx, tx, p.ID)
	if err != nil {
		return v, err
	}
	check = ClosureCheck{Name: "mandatory_artifacts_delivered", Passed: len(missing) == 0}
	if len(missing) > 0 {
		check.Detail = "missing: " + strings.Join(missing, ", ")
	} else {
		check.Detail = "all mandatory artifacts have at least one version"
	}
	v.Checks = append(v.Checks, check)

	severe, err := e.Repo.CountOpenSevereDefectsTx(ctx, tx, p.ID)
	if err != nil {
		return v, err
	}
	check = ClosureCheck{Name: "no_open_severe_defects", Passed: severe == 0}
	if severe > 0 {
		check.Detail = fmt.Sprintf("%d open high/critical defects", severe)
	} else {
		check.Detail = "no open high or critical defects"
	}
	v.Checks = append(v.Checks, check)

	check = ClosureCheck{Name: "project_closable", Passed: p.Status == "active", Detail: "status is " + p.Status}
	v.Checks = append(v.Checks, check)

	v.IsValid = true
	for _, c := range v.Checks {
		if !c.Passed {
			v.IsValid = false
			break
		}
	}
	return v, nil
}

// ValidateClosure runs the closure checklist without changing anything.
func (e Engine) ValidateClosure(ctx context.Context, projectID int64) (ClosureValidation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClosureValidation{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return ClosureValidation{}, projectErr(projectID, err)
	}
	return e.closureChecklist(ctx, tx, p)
}

// ProjectCloseOptions carry the closing actor and optional notes. For a
// forced close, Justification is required.
type ProjectCloseOptions struct {
	ActorID       string
	Notes         string
	Justification string
}

// CloseProject closes a project once every checklist entry passes. The
// checklist is re-derived inside the closing transaction so a defect filed
// between validate and close still blocks it.
func (e Engine) CloseProject(ctx context.Context, projectID int64, opts ProjectCloseOptions) (domain.Project, error) {
	return e.closeProject(ctx, projectID, opts, false)
}

// ForceCloseProject bypasses the checklist. The justification lands on the
// project row and in the audit log.
func (e Engine) ForceCloseProject(ctx context.Context, projectID int64, opts ProjectCloseOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Justification) == "" {
		return domain.Project{}, ValidationError{Msg: "justification is required to force-close"}
	}
	return e.closeProject(ctx, projectID, opts, true)
}

func (e Engine) closeProject(ctx context.Context, projectID int64, opts ProjectCloseOptions, forced bool) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, projectErr(projectID, err)
	}
	if p.Status == "closed" {
		return domain.Project{}, ConflictError{Msg: fmt.Sprintf("project %d is already closed", projectID)}
	}
	if !forced {
		v, err := e.closureChecklist(ctx, tx, p)
		if err != nil {
			return domain.Project{}, err
		}
		if !v.IsValid {
			return domain.Project{}, ClosureBlockedError{Failed: v.FailedChecks()}
		}
	} else if p.Status != "active" {
		// Forcing bypasses the checklist, not the lifecycle. Archived
		// projects must be unarchived first; created ones have nothing
		// to close.
		return domain.Project{}, InvalidTransitionError{Entity: "project", From: p.Status, To: "closed"}
	}

	now := e.nowRFC3339()
	p.Status = "closed"
	p.ClosedAt = &now
	p.ClosureForced = forced
	if opts.ActorID != "" {
		actor := opts.ActorID
		p.ClosedBy = &actor
	}
	if opts.Notes != "" {
		notes := opts.Notes
		p.ClosureNotes = &notes
	}
	evtType := "project.closed"
	payload := events.EventPayload{}
	if forced {
		evtType = "project.force_closed"
		just := opts.Justification
		p.Justification = &just
		payload["justification"] = just
	}
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, p.ID, "project", fmt.Sprint(p.ID), opts.ActorID, payload); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}
