package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a sqlite unique constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const projectCols = `id,code,name,COALESCE(description,'') AS description,template_id,status,archived_at,closed_at,closed_by,closure_notes,closure_forced,justification,created_at`

type projectScanner interface {
	Scan(dest ...any) error
}

func scanProject(row projectScanner) (domain.Project, error) {
	var p domain.Project
	var templateID sql.NullInt64
	var archivedAt, closedAt, closedBy, closureNotes, justification sql.NullString
	var forced int
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &templateID, &p.Status,
		&archivedAt, &closedAt, &closedBy, &closureNotes, &forced, &justification, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if templateID.Valid {
		p.TemplateID = &templateID.Int64
	}
	if archivedAt.Valid {
		p.ArchivedAt = &archivedAt.String
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.String
	}
	if closedBy.Valid {
		p.ClosedBy = &closedBy.String
	}
	if closureNotes.Valid {
		p.ClosureNotes = &closureNotes.String
	}
	if justification.Valid {
		p.Justification = &justification.String
	}
	p.ClosureForced = forced != 0
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(code,name,description,template_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		p.Code, p.Name, nullable(p.Description), nullableInt64Ptr(p.TemplateID), p.Status, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByCode(ctx context.Context, code string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE code=?`, code))
}

func (r Repo) ProjectCodeExists(ctx context.Context, code string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE code=? LIMIT 1`, code)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	query := `SELECT ` + projectCols + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectTx rewrites the project's mutable columns.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?, description=?, template_id=?, status=?, archived_at=?, closed_at=?, closed_by=?, closure_notes=?, closure_forced=?, justification=? WHERE id=?`,
		p.Name, nullable(p.Description), nullableInt64Ptr(p.TemplateID), p.Status,
		nullableStringPtr(p.ArchivedAt), nullableStringPtr(p.ClosedAt), nullableStringPtr(p.ClosedBy),
		nullableStringPtr(p.ClosureNotes), boolToInt(p.ClosureForced), nullableStringPtr(p.Justification), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const phaseCols = `id,project_id,name,phase_order,status,mandatory_artifacts_json,created_at`

func scanPhase(row projectScanner) (domain.Phase, error) {
	var ph domain.Phase
	var mandatory string
	err := row.Scan(&ph.ID, &ph.ProjectID, &ph.Name, &ph.Order, &ph.Status, &mandatory, &ph.CreatedAt)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	if err != nil {
		return ph, err
	}
	ph.MandatoryArtifacts, err = decodeStringSet(mandatory)
	return ph, err
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) (int64, error) {
	mandatory, err := encodeStringSet(ph.MandatoryArtifacts)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO phases(project_id,name,phase_order,status,mandatory_artifacts_json,created_at) VALUES (?,?,?,?,?,?)`,
		ph.ProjectID, ph.Name, ph.Order, ph.Status, mandatory, ph.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetPhase(ctx context.Context, id int64) (domain.Phase, error) {
	return scanPhase(r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id))
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Phase, error) {
	return scanPhase(tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id))
}

func (r Repo) ListPhases(ctx context.Context, projectID int64) ([]domain.Phase, error) {
	return r.listPhases(ctx, r.DB.QueryContext, projectID)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, projectID int64) ([]domain.Phase, error) {
	return r.listPhases(ctx, tx.QueryContext, projectID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listPhases(ctx context.Context, query queryFunc, projectID int64) ([]domain.Phase, error) {
	rows, err := query(ctx, `SELECT `+phaseCols+` FROM phases WHERE project_id=? ORDER BY phase_order ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		ph, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) CountPhases(ctx context.Context, projectID int64) (int, error) {
	return r.countPhases(ctx, r.DB.QueryRowContext, projectID)
}

func (r Repo) CountPhasesTx(ctx context.Context, tx *sql.Tx, projectID int64) (int, error) {
	return r.countPhases(ctx, tx.QueryRowContext, projectID)
}

type rowQueryFunc func(ctx context.Context, query string, args ...any) *sql.Row

func (r Repo) countPhases(ctx context.Context, queryRow rowQueryFunc, projectID int64) (int, error) {
	var n int
	err := queryRow(ctx, `SELECT count(*) FROM phases WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func encodeStringSet(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode string set: %w", err)
	}
	return string(b), nil
}

func decodeStringSet(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode string set: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
