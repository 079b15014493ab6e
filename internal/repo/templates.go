package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const templateCols = `id,name,COALESCE(description,'') AS description,version,COALESCE(config_json,'') AS config_json,is_default,created_at`

func scanTemplate(row projectScanner) (domain.Template, error) {
	var t domain.Template
	var isDefault int
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Version, &t.ConfigJSON, &isDefault, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsDefault = isDefault != 0
	return t, nil
}

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO templates(name,description,version,config_json,is_default,created_at) VALUES (?,?,?,?,?,?)`,
		t.Name, nullable(t.Description), t.Version, nullable(t.ConfigJSON), boolToInt(t.IsDefault), t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertTemplatePhaseTx(ctx context.Context, tx *sql.Tx, tp domain.TemplatePhase) (int64, error) {
	mandatory, err := encodeStringSet(tp.MandatoryArtifacts)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO template_phases(template_id,name,phase_order,mandatory_artifacts_json) VALUES (?,?,?,?)`,
		tp.TemplateID, tp.Name, tp.Order, mandatory)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTemplate loads a template together with its ordered phases.
func (r Repo) GetTemplate(ctx context.Context, id int64) (domain.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Phases, err = r.listTemplatePhases(ctx, r.DB.QueryContext, id)
	return t, err
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Template, error) {
	t, err := scanTemplate(tx.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Phases, err = r.listTemplatePhases(ctx, tx.QueryContext, id)
	return t, err
}

func (r Repo) listTemplatePhases(ctx context.Context, query queryFunc, templateID int64) ([]domain.TemplatePhase, error) {
	rows, err := query(ctx, `SELECT id,template_id,name,phase_order,mandatory_artifacts_json FROM template_phases WHERE template_id=? ORDER BY phase_order ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplatePhase
	for rows.Next() {
		var tp domain.TemplatePhase
		var mandatory string
		if err := rows.Scan(&tp.ID, &tp.TemplateID, &tp.Name, &tp.Order, &mandatory); err != nil {
			return nil, err
		}
		tp.MandatoryArtifacts, err = decodeStringSet(mandatory)
		if err != nil {
			return nil, err
		}
		res = append(res, tp)
	}
	return res, rows.Err()
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateCols+` FROM templates ORDER BY name ASC, version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetDefaultTemplate returns the current default, ErrNotFound when none is set.
func (r Repo) GetDefaultTemplate(ctx context.Context) (domain.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE is_default=1 LIMIT 1`))
	if err != nil {
		return t, err
	}
	t.Phases, err = r.listTemplatePhases(ctx, r.DB.QueryContext, t.ID)
	return t, err
}

// SwapDefaultTemplateTx clears any existing default and marks the given row.
// Both updates belong to the caller's transaction so the swap is atomic.
func (r Repo) SwapDefaultTemplateTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE templates SET is_default=0 WHERE is_default=1`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE templates SET is_default=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	res, err := tx.ExecContext(ctx, `UPDATE templates SET name=?, description=?, config_json=? WHERE id=?`,
		t.Name, nullable(t.Description), nullable(t.ConfigJSON), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTemplatePhasesTx(ctx context.Context, tx *sql.Tx, templateID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM template_phases WHERE template_id=?`, templateID)
	return err
}

// CountProjectsByTemplate reports how many projects were instantiated from the template.
func (r Repo) CountProjectsByTemplate(ctx context.Context, templateID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}

func (r Repo) CountProjectsByTemplateTx(ctx context.Context, tx *sql.Tx, templateID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}
