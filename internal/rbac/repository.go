package rbac

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-crm/internal/platform/db"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
)

// PGRepository resolves permissions in PostgreSQL. Role-derived grants come
// from role_permissions joined through user_roles; direct grants from
// user_permissions.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Keys are lowered so cached and authoritative answers agree.
const effectivePermissionsCTE = `WITH granted AS (
		SELECT lower(p.key) AS key, p.name, 'role' AS source, 0 AS rank
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role = ur.role
		JOIN permissions p ON p.key = rp.permission_key
		WHERE ur.user_id = $1
		UNION ALL
		SELECT lower(p.key) AS key, p.name, 'direct' AS source, 1 AS rank
		FROM user_permissions up
		JOIN permissions p ON p.key = up.permission_key
		WHERE up.user_id = $1
	)`

// ListPermissions returns the flattened grant set de-duplicated by key.
func (r *PGRepository) ListPermissions(ctx context.Context, principalID string) ([]Permission, error) {
	query := effectivePermissionsCTE + `
	SELECT DISTINCT ON (key) key, name, source
	FROM granted
	ORDER BY key, rank`
	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		var source string
		if err := rows.Scan(&p.Key, &p.Name, &source); err != nil {
			return nil, err
		}
		p.Source = Source(source)
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// CheckPermission answers a single key authoritatively.
func (r *PGRepository) CheckPermission(ctx context.Context, principalID, key string) (bool, error) {
	query := effectivePermissionsCTE + `
	SELECT EXISTS (SELECT 1 FROM granted WHERE key = $2)`
	var granted bool
	if err := r.pool.QueryRow(ctx, query, principalID, NormalizeKey(key)).Scan(&granted); err != nil {
		return false, err
	}
	return granted, nil
}

// PGGrantStore writes grants inside a transaction.
type PGGrantStore struct {
	pool *pgxpool.Pool
}

// NewGrantStore constructs a PGGrantStore.
func NewGrantStore(pool *pgxpool.Pool) *PGGrantStore {
	return &PGGrantStore{pool: pool}
}

// WithTx runs fn with a writer bound to a single transaction.
func (s *PGGrantStore) WithTx(ctx context.Context, fn func(GrantWriter) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgGrantWriter{tx: tx})
	})
}

type pgGrantWriter struct {
	tx pgx.Tx
}

func (w pgGrantWriter) InsertRole(ctx context.Context, principalID string, role roles.Role, companyID *string) error {
	_, err := w.tx.Exec(ctx, `INSERT INTO user_roles (user_id, role, company_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, principalID, string(role), companyID)
	return constraintError(err)
}

func (w pgGrantWriter) DeleteRole(ctx context.Context, principalID string, role roles.Role, companyID *string) (int64, error) {
	tag, err := w.tx.Exec(ctx, `DELETE FROM user_roles
		WHERE user_id = $1 AND role = $2 AND company_id IS NOT DISTINCT FROM $3`, principalID, string(role), companyID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (w pgGrantWriter) InsertPermission(ctx context.Context, principalID, key string) error {
	_, err := w.tx.Exec(ctx, `INSERT INTO user_permissions (user_id, permission_key) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, principalID, key)
	return constraintError(err)
}

func (w pgGrantWriter) DeletePermission(ctx context.Context, principalID, key string) (int64, error) {
	tag, err := w.tx.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_key = $2`, principalID, key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (w pgGrantWriter) PrincipalCompanies(ctx context.Context, principalID string) ([]string, error) {
	rows, err := w.tx.Query(ctx, `SELECT company_id FROM profiles WHERE id = $1 AND company_id IS NOT NULL
		UNION
		SELECT company_id FROM user_roles WHERE user_id = $1 AND company_id IS NOT NULL`, principalID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// constraintError reports references to unknown principals, companies or
// permission keys as invalid grants.
func constraintError(err error) error {
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: unknown reference", ErrInvalidGrant)
	}
	return err
}

var (
	_ Store      = (*PGRepository)(nil)
	_ GrantStore = (*PGGrantStore)(nil)
)
