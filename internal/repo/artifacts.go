package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const artifactCols = `id,phase_id,type,name,is_mandatory,workflow_id,current_step_id,status,created_at`

func scanArtifact(row projectScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var mandatory int
	var workflowID, stepID sql.NullInt64
	err := row.Scan(&a.ID, &a.PhaseID, &a.Type, &a.Name, &mandatory, &workflowID, &stepID, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsMandatory = mandatory != 0
	if workflowID.Valid {
		a.WorkflowID = &workflowID.Int64
	}
	if stepID.Valid {
		a.CurrentStepID = &stepID.Int64
	}
	return a, nil
}

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO artifacts(phase_id,type,name,is_mandatory,workflow_id,current_step_id,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.PhaseID, a.Type, a.Name, boolToInt(a.IsMandatory), nullableInt64Ptr(a.WorkflowID), nullableInt64Ptr(a.CurrentStepID), a.Status, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetArtifact(ctx context.Context, id int64) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Artifact, error) {
	return scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) ListArtifactsByPhase(ctx context.Context, phaseID int64) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE phase_id=? ORDER BY created_at ASC, id ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateArtifactTx rewrites workflow binding and status.
func (r Repo) UpdateArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET workflow_id=?, current_step_id=?, status=? WHERE id=?`,
		nullableInt64Ptr(a.WorkflowID), nullableInt64Ptr(a.CurrentStepID), a.Status, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertArtifactVersionTx(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO artifact_versions(artifact_id,version,author_id,content_ref,created_at) VALUES (?,?,?,?,?)`,
		v.ArtifactID, v.Version, v.AuthorID, nullable(v.ContentRef), v.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListArtifactVersions(ctx context.Context, artifactID int64) ([]domain.ArtifactVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,artifact_id,version,author_id,COALESCE(content_ref,''),created_at FROM artifact_versions WHERE artifact_id=? ORDER BY version ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactVersion
	for rows.Next() {
		var v domain.ArtifactVersion
		if err := rows.Scan(&v.ID, &v.ArtifactID, &v.Version, &v.AuthorID, &v.ContentRef, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) CountArtifactVersionsTx(ctx context.Context, tx *sql.Tx, artifactID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM artifact_versions WHERE artifact_id=?`, artifactID).Scan(&n)
	return n, err
}

// UndeliveredMandatoryArtifactsTx lists mandatory artifacts of the project
// that have no version yet, by phase name and artifact name.
func (r Repo) UndeliveredMandatoryArtifactsTx(ctx context.Context, tx *sql.Tx, projectID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT p.name || '/' || a.name
FROM artifacts a
JOIN phases p ON p.id=a.phase_id
WHERE p.project_id=? AND a.is_mandatory=1
  AND NOT EXISTS (SELECT 1 FROM artifact_versions v WHERE v.artifact_id=a.id)
ORDER BY p.phase_order ASC, a.id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO workflows(name,created_at) VALUES (?,?)`, w.Name, w.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertWorkflowStepTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_id,name,step_order) VALUES (?,?,?)`,
		s.WorkflowID, s.Name, s.Order)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetWorkflow loads a workflow together with its ordered steps.
func (r Repo) GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error) {
	return r.getWorkflow(ctx, r.DB.QueryRowContext, r.DB.QueryContext, id)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Workflow, error) {
	return r.getWorkflow(ctx, tx.QueryRowContext, tx.QueryContext, id)
}

func (r Repo) getWorkflow(ctx context.Context, queryRow rowQueryFunc, query queryFunc, id int64) (domain.Workflow, error) {
	var w domain.Workflow
	err := queryRow(ctx, `SELECT id,name,created_at FROM workflows WHERE id=?`, id).Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	rows, err := query(ctx, `SELECT id,workflow_id,name,step_order FROM workflow_steps WHERE workflow_id=? ORDER BY step_order ASC`, id)
	if err != nil {
		return w, err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.WorkflowStep
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Name, &s.Order); err != nil {
			return w, err
		}
		w.Steps = append(w.Steps, s)
	}
	return w, rows.Err()
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM workflows ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
