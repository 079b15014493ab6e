package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"phaseline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL. Grants at repo.InstanceScope
// apply to every project.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, projectID int64, actorID, perm string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id IN (?, ?) AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, repo.InstanceScope, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless the actor holds perm for the project
// (or instance-wide).
func (s Service) Require(ctx context.Context, projectID int64, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, projectID int64, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT role_id FROM actor_roles WHERE project_id IN (?, ?) AND actor_id=?`,
		projectID, repo.InstanceScope, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, projectID int64, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id IN (?, ?) AND ar.actor_id=?
ORDER BY rp.permission_id`, projectID, repo.InstanceScope, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
