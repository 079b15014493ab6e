package repo

import (
	"context"
	"database/sql"
	"strings"

	"phaseline/internal/domain"
)

const defectCols = `id,project_id,artifact_id,title,severity,status,assignee_id,created_at,updated_at`

func scanDefect(row projectScanner) (domain.Defect, error) {
	var d domain.Defect
	var artifactID sql.NullInt64
	var assignee sql.NullString
	err := row.Scan(&d.ID, &d.ProjectID, &artifactID, &d.Title, &d.Severity, &d.Status, &assignee, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if artifactID.Valid {
		d.ArtifactID = &artifactID.Int64
	}
	if assignee.Valid {
		d.AssigneeID = &assignee.String
	}
	return d, nil
}

func (r Repo) InsertDefectTx(ctx context.Context, tx *sql.Tx, d domain.Defect) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO defects(project_id,artifact_id,title,severity,status,assignee_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ProjectID, nullableInt64Ptr(d.ArtifactID), d.Title, d.Severity, d.Status, nullableStringPtr(d.AssigneeID), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDefect(ctx context.Context, id int64) (domain.Defect, error) {
	return scanDefect(r.DB.QueryRowContext(ctx, `SELECT `+defectCols+` FROM defects WHERE id=?`, id))
}

func (r Repo) GetDefectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Defect, error) {
	return scanDefect(tx.QueryRowContext(ctx, `SELECT `+defectCols+` FROM defects WHERE id=?`, id))
}

func (r Repo) UpdateDefectTx(ctx context.Context, tx *sql.Tx, d domain.Defect) error {
	res, err := tx.ExecContext(ctx, `UPDATE defects SET status=?, assignee_id=?, updated_at=? WHERE id=?`,
		d.Status, nullableStringPtr(d.AssigneeID), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DefectFilters struct {
	ProjectID int64
	Status    string
	Severity  string
}

func (r Repo) ListDefects(ctx context.Context, f DefectFilters) ([]domain.Defect, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	query := `SELECT ` + defectCols + ` FROM defects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountOpenSevereDefectsTx counts High/Critical defects that are still New or Assigned.
func (r Repo) CountOpenSevereDefectsTx(ctx context.Context, tx *sql.Tx, projectID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM defects WHERE project_id=? AND status IN ('new','assigned') AND severity IN ('high','critical')`, projectID).Scan(&n)
	return n, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id,phase_id,iteration_id,title,status,created_at,completed_at) VALUES (?,?,?,?,?,?,?)`,
		t.ProjectID, t.PhaseID, nullableInt64Ptr(t.IterationID), t.Title, t.Status, t.CreatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return r.getTask(ctx, r.DB.QueryRowContext, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return r.getTask(ctx, tx.QueryRowContext, id)
}

func (r Repo) getTask(ctx context.Context, queryRow rowQueryFunc, id int64) (domain.Task, error) {
	var t domain.Task
	var iterationID sql.NullInt64
	var completedAt sql.NullString
	err := queryRow(ctx, `SELECT id,project_id,phase_id,iteration_id,title,status,created_at,completed_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &t.PhaseID, &iterationID, &t.Title, &t.Status, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if iterationID.Valid {
		t.IterationID = &iterationID.Int64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, iteration_id=?, completed_at=? WHERE id=?`,
		t.Title, t.Status, nullableInt64Ptr(t.IterationID), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, projectID int64, phaseID int64) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if phaseID != 0 {
		clauses = append(clauses, "phase_id=?")
		args = append(args, phaseID)
	}
	query := `SELECT id,project_id,phase_id,iteration_id,title,status,created_at,completed_at FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var iterationID sql.NullInt64
		var completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.PhaseID, &iterationID, &t.Title, &t.Status, &t.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if iterationID.Valid {
			t.IterationID = &iterationID.Int64
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertIterationTx(ctx context.Context, tx *sql.Tx, it domain.Iteration) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO iterations(project_id,name,start_date,end_date,created_at) VALUES (?,?,?,?,?)`,
		it.ProjectID, it.Name, nullable(it.StartDate), nullable(it.EndDate), it.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetIteration(ctx context.Context, id int64) (domain.Iteration, error) {
	return r.getIteration(ctx, r.DB.QueryRowContext, id)
}

func (r Repo) GetIterationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Iteration, error) {
	return r.getIteration(ctx, tx.QueryRowContext, id)
}

func (r Repo) getIteration(ctx context.Context, queryRow rowQueryFunc, id int64) (domain.Iteration, error) {
	var it domain.Iteration
	var start, end sql.NullString
	err := queryRow(ctx, `SELECT id,project_id,name,start_date,end_date,created_at FROM iterations WHERE id=?`, id).
		Scan(&it.ID, &it.ProjectID, &it.Name, &start, &end, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if start.Valid {
		it.StartDate = start.String
	}
	if end.Valid {
		it.EndDate = end.String
	}
	return it, nil
}

func (r Repo) ListIterations(ctx context.Context, projectID int64) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,start_date,end_date,created_at FROM iterations WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		var it domain.Iteration
		var start, end sql.NullString
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Name, &start, &end, &it.CreatedAt); err != nil {
			return nil, err
		}
		if start.Valid {
			it.StartDate = start.String
		}
		if end.Valid {
			it.EndDate = end.String
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// PhaseTaskCounts is the tracker projection the progress rollup reads.
func (r Repo) PhaseTaskCounts(ctx context.Context, phaseID int64) (total, completed int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT count(*), count(CASE WHEN status='done' THEN 1 END) FROM tasks WHERE phase_id=?`, phaseID).
		Scan(&total, &completed)
	return total, completed, err
}

// RecentIterations returns the newest iterations with their task completion rollup.
func (r Repo) RecentIterations(ctx context.Context, projectID int64, limit int) ([]domain.IterationSummary, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT i.id, i.name, COALESCE(i.start_date,''), COALESCE(i.end_date,''),
       count(t.id), count(CASE WHEN t.status='done' THEN 1 END)
FROM iterations i
LEFT JOIN tasks t ON t.iteration_id=i.id
WHERE i.project_id=?
GROUP BY i.id
ORDER BY i.created_at DESC, i.id DESC
LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IterationSummary
	for rows.Next() {
		var s domain.IterationSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.StartDate, &s.EndDate, &s.TotalTasks, &s.CompletedTasks); err != nil {
			return nil, err
		}
		if s.TotalTasks > 0 {
			s.PercentageCompleted = int(float64(s.CompletedTasks)/float64(s.TotalTasks)*100 + 0.5)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
