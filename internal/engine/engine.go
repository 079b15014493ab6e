package engine

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Tracker Tracker
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Tracker: r,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

var projectCodeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{1,31}$`)

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Code        string
	Name        string
	Description string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, ValidationError{Msg: "name is required"}
	}
	if !projectCodeRe.MatchString(opts.Code) {
		return domain.Project{}, ValidationError{Msg: fmt.Sprintf("invalid project code %q", opts.Code)}
	}
	exists, err := e.Repo.ProjectCodeExists(ctx, opts.Code)
	if err != nil {
		return domain.Project{}, err
	}
	if exists {
		return domain.Project{}, ConflictError{Msg: fmt.Sprintf("project code %q already in use", opts.Code)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		Code:        opts.Code,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      "created",
		CreatedAt:   e.nowRFC3339(),
	}
	p.ID, err = e.Repo.InsertProjectTx(ctx, tx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if opts.ActorID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, p.ID, opts.ActorID, "owner"); err != nil {
			return domain.Project{}, fmt.Errorf("assign owner: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", fmt.Sprint(p.ID), opts.ActorID, events.EventPayload{"code": p.Code, "name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpdateProject changes name and description. Closed projects are immutable.
func (e Engine) UpdateProject(ctx context.Context, projectID int64, name, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, projectErr(projectID, err)
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Project{}, err
	}
	if name != "" {
		p.Name = name
	}
	if description != "" {
		p.Description = description
	}
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", fmt.Sprint(p.ID), actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) ArchiveProject(ctx context.Context, projectID int64, actorID string) (domain.Project, error) {
	return e.setArchived(ctx, projectID, actorID, true)
}

func (e Engine) UnarchiveProject(ctx context.Context, projectID int64, actorID string) (domain.Project, error) {
	return e.setArchived(ctx, projectID, actorID, false)
}

func (e Engine) setArchived(ctx context.Context, projectID int64, actorID string, archive bool) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, projectErr(projectID, err)
	}
	evtType := "project.archived"
	switch {
	case archive && p.Status == "active":
		now := e.nowRFC3339()
		p.Status = "archived"
		p.ArchivedAt = &now
	case !archive && p.Status == "archived":
		p.Status = "active"
		p.ArchivedAt = nil
		evtType = "project.unarchived"
	default:
		to := "archived"
		if !archive {
			to = "active"
		}
		return domain.Project{}, InvalidTransitionError{Entity: "project", From: p.Status, To: to}
	}
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, p.ID, "project", fmt.Sprint(p.ID), actorID, nil); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeleteProject removes a project that never left the created state. Anything
// with instantiated phases keeps its history and must be archived instead.
func (e Engine) DeleteProject(ctx context.Context, projectID int64, actorID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return projectErr(projectID, err)
	}
	if p.Status != "created" {
		return ConflictError{Msg: fmt.Sprintf("project %d is %s; only unstarted projects can be deleted", projectID, p.Status)}
	}
	n, err := e.Repo.CountPhases(ctx, projectID)
	if err != nil {
		return err
	}
	if n > 0 {
		return ConflictError{Msg: fmt.Sprintf("project %d has %d phases; archive it instead", projectID, n)}
	}
	return e.Repo.DeleteProject(ctx, projectID)
}

func ensureProjectMutable(p domain.Project) error {
	if p.Status == "closed" {
		return ConflictError{Msg: fmt.Sprintf("project %d is closed", p.ID)}
	}
	return nil
}

func projectErr(id int64, err error) error {
	if err == repo.ErrNotFound {
		return NotFoundError{Kind: "project", ID: id}
	}
	return err
}

// ensurePhaseTransition is the phase state table. Phases only move forward;
// completion straight from not_started covers phases with no tracked work.
func ensurePhaseTransition(from, to string) error {
	ok := false
	switch from {
	case "not_started":
		ok = to == "in_progress" || to == "completed"
	case "in_progress":
		ok = to == "completed"
	}
	if !ok {
		return InvalidTransitionError{Entity: "phase", From: from, To: to}
	}
	return nil
}

func (e Engine) SetPhaseStatus(ctx context.Context, phaseID int64, status, actorID string) (domain.Phase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Phase{}, NotFoundError{Kind: "phase", ID: phaseID}
		}
		return domain.Phase{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, ph.ProjectID)
	if err != nil {
		return domain.Phase{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Phase{}, err
	}
	if err := ensurePhaseTransition(ph.Status, status); err != nil {
		return domain.Phase{}, err
	}
	prev := ph.Status
	ph.Status = status
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, ph.ID, status); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.status_changed", ph.ProjectID, "phase", fmt.Sprint(ph.ID), actorID, events.EventPayload{"from": prev, "to": status}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return ph, nil
}

// DefectCreateOptions are parameters for reporting a defect.
type DefectCreateOptions struct {
	ProjectID  int64
	ArtifactID int64
	Title      string
	Severity   string
	ActorID    string
}

func validSeverity(s string) bool {
	switch s {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}

func (e Engine) CreateDefect(ctx context.Context, opts DefectCreateOptions) (domain.Defect, error) {
	if opts.Title == "" {
		return domain.Defect{}, ValidationError{Msg: "title is required"}
	}
	if !validSeverity(opts.Severity) {
		return domain.Defect{}, ValidationError{Msg: fmt.Sprintf("unknown severity %q", opts.Severity)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Defect{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Defect{}, projectErr(opts.ProjectID, err)
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Defect{}, err
	}
	d := domain.Defect{
		ProjectID: opts.ProjectID,
		Title:     opts.Title,
		Severity:  opts.Severity,
		Status:    "new",
		CreatedAt: e.nowRFC3339(),
	}
	d.UpdatedAt = d.CreatedAt
	if opts.ArtifactID != 0 {
		a, err := e.Repo.GetArtifactTx(ctx, tx, opts.ArtifactID)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.Defect{}, NotFoundError{Kind: "artifact", ID: opts.ArtifactID}
			}
			return domain.Defect{}, err
		}
		ph, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
		if err != nil {
			return domain.Defect{}, err
		}
		if ph.ProjectID != opts.ProjectID {
			return domain.Defect{}, ValidationError{Msg: fmt.Sprintf("artifact %d is not in project %d", opts.ArtifactID, opts.ProjectID)}
		}
		d.ArtifactID = &opts.ArtifactID
	}
	d.ID, err = e.Repo.InsertDefectTx(ctx, tx, d)
	if err != nil {
		return domain.Defect{}, fmt.Errorf("insert defect: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "defect.created", d.ProjectID, "defect", fmt.Sprint(d.ID), opts.ActorID, events.EventPayload{"severity": d.Severity}); err != nil {
		return domain.Defect{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Defect{}, err
	}
	return d, nil
}

// ensureDefectTransition is the defect state table. The one backward edge is
// the reopen of a fix that did not hold.
func ensureDefectTransition(from, to string) error {
	ok := false
	switch from {
	case "new":
		ok = to == "assigned"
	case "assigned":
		ok = to == "fixed"
	case "fixed":
		ok = to == "closed" || to == "assigned"
	}
	if !ok {
		return InvalidTransitionError{Entity: "defect", From: from, To: to}
	}
	return nil
}

// DefectUpdateOptions carries a status move and/or a reassignment.
type DefectUpdateOptions struct {
	Status     string
	AssigneeID string
	ActorID    string
}

func (e Engine) UpdateDefect(ctx context.Context, defectID int64, opts DefectUpdateOptions) (domain.Defect, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Defect{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDefectTx(ctx, tx, defectID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Defect{}, NotFoundError{Kind: "defect", ID: defectID}
		}
		return domain.Defect{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, d.ProjectID)
	if err != nil {
		return domain.Defect{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Defect{}, err
	}
	prev := d.Status
	if opts.Status != "" && opts.Status != d.Status {
		if err := ensureDefectTransition(d.Status, opts.Status); err != nil {
			return domain.Defect{}, err
		}
		d.Status = opts.Status
	}
	if opts.AssigneeID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, opts.AssigneeID, e.nowRFC3339()); err != nil {
			return domain.Defect{}, err
		}
		d.AssigneeID = &opts.AssigneeID
	}
	if d.Status == "assigned" && d.AssigneeID == nil {
		return domain.Defect{}, ValidationError{Msg: "assignee is required to assign a defect"}
	}
	d.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateDefectTx(ctx, tx, d); err != nil {
		return domain.Defect{}, err
	}
	if err := e.Events.Append(ctx, tx, "defect.updated", d.ProjectID, "defect", fmt.Sprint(d.ID), opts.ActorID, events.EventPayload{"from": prev, "to": d.Status}); err != nil {
		return domain.Defect{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Defect{}, err
	}
	return d, nil
}

// TaskCreateOptions are parameters for creating a tracked task inside a phase.
type TaskCreateOptions struct {
	ProjectID   int64
	PhaseID     int64
	IterationID int64
	Title       string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, ValidationError{Msg: "title is required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, projectErr(opts.ProjectID, err)
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Task{}, err
	}
	ph, err := e.Repo.GetPhaseTx(ctx, tx, opts.PhaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Task{}, NotFoundError{Kind: "phase", ID: opts.PhaseID}
		}
		return domain.Task{}, err
	}
	if ph.ProjectID != opts.ProjectID {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("phase %d is not in project %d", opts.PhaseID, opts.ProjectID)}
	}
	t := domain.Task{
		ProjectID: opts.ProjectID,
		PhaseID:   opts.PhaseID,
		Title:     opts.Title,
		Status:    "open",
		CreatedAt: e.nowRFC3339(),
	}
	if opts.IterationID != 0 {
		it, err := e.Repo.GetIterationTx(ctx, tx, opts.IterationID)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.Task{}, NotFoundError{Kind: "iteration", ID: opts.IterationID}
			}
			return domain.Task{}, err
		}
		if it.ProjectID != opts.ProjectID {
			return domain.Task{}, ValidationError{Msg: fmt.Sprintf("iteration %d is not in project %d", opts.IterationID, opts.ProjectID)}
		}
		t.IterationID = &opts.IterationID
	}
	t.ID, err = e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", fmt.Sprint(t.ID), opts.ActorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) CompleteTask(ctx context.Context, taskID int64, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Task{}, NotFoundError{Kind: "task", ID: taskID}
		}
		return domain.Task{}, err
	}
	if t.Status == "done" {
		return domain.Task{}, InvalidTransitionError{Entity: "task", From: "done", To: "done"}
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, t.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Task{}, err
	}
	now := e.nowRFC3339()
	t.Status = "done"
	t.CompletedAt = &now
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.ProjectID, "task", fmt.Sprint(t.ID), actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// IterationCreateOptions are parameters for opening an iteration.
type IterationCreateOptions struct {
	ProjectID int64
	Name      string
	StartDate string
	EndDate   string
	ActorID   string
}

func (e Engine) CreateIteration(ctx context.Context, opts IterationCreateOptions) (domain.Iteration, error) {
	if opts.Name == "" {
		return domain.Iteration{}, ValidationError{Msg: "name is required"}
	}
	for _, d := range []string{opts.StartDate, opts.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return domain.Iteration{}, ValidationError{Msg: fmt.Sprintf("invalid date %q", d)}
		}
	}
	if opts.StartDate != "" && opts.EndDate != "" && opts.EndDate < opts.StartDate {
		return domain.Iteration{}, ValidationError{Msg: "end date precedes start date"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Iteration{}, projectErr(opts.ProjectID, err)
	}
	if err := ensureProjectMutable(p); err != nil {
		return domain.Iteration{}, err
	}
	it := domain.Iteration{
		ProjectID: opts.ProjectID,
		Name:      opts.Name,
		StartDate: opts.StartDate,
		EndDate:   opts.EndDate,
		CreatedAt: e.nowRFC3339(),
	}
	it.ID, err = e.Repo.InsertIterationTx(ctx, tx, it)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("insert iteration: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "iteration.created", it.ProjectID, "iteration", fmt.Sprint(it.ID), opts.ActorID, nil); err != nil {
		return domain.Iteration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Iteration{}, err
	}
	return it, nil
}
