package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/platform/db"
	"github.com/spicemill/spicemill/internal/shared"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// ErrUnknownRole indicates an assignment names a role that does not exist.
var ErrUnknownRole = errors.New("rbac: unknown role")

// Service orchestrates RBAC operations.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// LoadActor resolves an actor with its roles and effective permissions.
func (s *Service) LoadActor(ctx context.Context, id int64) (shared.Actor, error) {
	actor := shared.Actor{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT name, status FROM actors WHERE id=$1`, id).Scan(&actor.Name, &actor.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Actor{}, ErrNotFound
		}
		return shared.Actor{}, err
	}
	actor.Roles, err = s.queryStrings(ctx, `SELECT r.name FROM actor_roles ar JOIN roles r ON r.id = ar.role_id
WHERE ar.actor_id=$1 ORDER BY r.name`, id)
	if err != nil {
		return shared.Actor{}, err
	}
	actor.Permissions, err = s.EffectivePermissions(ctx, id)
	if err != nil {
		return shared.Actor{}, err
	}
	return actor, nil
}

// EffectivePermissions returns deduplicated permission names for an actor.
func (s *Service) EffectivePermissions(ctx context.Context, actorID int64) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT p.name FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id = ar.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ar.actor_id=$1 ORDER BY p.name`, actorID)
}

// ListRoles returns all roles ordered by name with their permission names.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT r.id, r.name, COALESCE(r.description, ''), r.created_at,
COALESCE(array_agg(p.name ORDER BY p.name) FILTER (WHERE p.name IS NOT NULL), '{}')
FROM roles r
LEFT JOIN role_permissions rp ON rp.role_id = r.id
LEFT JOIN permissions p ON p.id = rp.permission_id
GROUP BY r.id ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := []Role{}
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.Permissions); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, COALESCE(description, '') FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsurePermission upserts a permission ensuring description is stored.
func (s *Service) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	p := Permission{Name: strings.TrimSpace(strings.ToLower(name)), Description: strings.TrimSpace(description)}
	err := s.pool.QueryRow(ctx, `INSERT INTO permissions (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description=EXCLUDED.description RETURNING id`, p.Name, p.Description).Scan(&p.ID)
	return p, err
}

// SetActorRoles replaces the roles held by an actor.
func (s *Service) SetActorRoles(ctx context.Context, actorID int64, roles []string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM actors WHERE id=$1)`, actorID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM actor_roles WHERE actor_id=$1`, actorID); err != nil {
			return err
		}
		for _, name := range normalizePermissions(roles) {
			tag, err := tx.Exec(ctx, `INSERT INTO actor_roles (actor_id, role_id) SELECT $1, id FROM roles WHERE name=$2`, actorID, name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrUnknownRole, name)
			}
		}
		return nil
	})
}

func (s *Service) queryStrings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
