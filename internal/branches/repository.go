package branches

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const branchColumns = `id, company_id, parent_branch_id, name, code, branch_type, level, manager_id, is_active`

// maxDepth bounds recursive walks in case the stored tree is corrupt.
const maxDepth = 64

// accessibleIDsQuery yields the accessible branch ids for principal $1:
// every branch for a global admin, whole companies for company admins, and
// the subtree rooted at the principal's own branch otherwise.
const accessibleIDsQuery = `WITH RECURSIVE subtree AS (
		SELECT b.id, 0 AS depth
		FROM branches b
		JOIN profiles p ON p.branch_id = b.id
		WHERE p.id = $1
		UNION
		SELECT c.id, s.depth + 1
		FROM branches c
		JOIN subtree s ON c.parent_branch_id = s.id
		WHERE s.depth < 64 -- keep in sync with maxDepth
	)
	SELECT b.id FROM branches b
	WHERE EXISTS (
		SELECT 1 FROM user_roles ur
		WHERE ur.user_id = $1 AND ur.role = 'admin' AND ur.company_id IS NULL
	)
	UNION
	SELECT b.id FROM branches b
	JOIN user_roles ur ON ur.company_id = b.company_id
	WHERE ur.user_id = $1 AND ur.role = 'admin'
	UNION
	SELECT id FROM subtree`

// PGRepository evaluates branch scope in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ListAccessibleBranches returns the ids of every branch principalID may see.
func (r *PGRepository) ListAccessibleBranches(ctx context.Context, principalID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, accessibleIDsQuery, principalID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CheckBranchAccess answers a single branch authoritatively.
func (r *PGRepository) CheckBranchAccess(ctx context.Context, principalID, branchID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM (` + accessibleIDsQuery + `) acc WHERE acc.id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, principalID, branchID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// GetBranches loads full records for ids.
func (r *PGRepository) GetBranches(ctx context.Context, ids []string) ([]Branch, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + branchColumns + ` FROM branches WHERE id = ANY($1) ORDER BY company_id, level, name`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	return collectBranches(rows)
}

// GetBranchHierarchy walks parent or child edges from branchID.
func (r *PGRepository) GetBranchHierarchy(ctx context.Context, branchID string, dir Direction) ([]Branch, error) {
	var query string
	switch dir {
	case Ancestors:
		query = fmt.Sprintf(`WITH RECURSIVE chain AS (
			SELECT %[1]s, 0 AS depth FROM branches WHERE id = $1
			UNION ALL
			SELECT p.id, p.company_id, p.parent_branch_id, p.name, p.code, p.branch_type, p.level, p.manager_id, p.is_active, c.depth + 1
			FROM branches p
			JOIN chain c ON p.id = c.parent_branch_id
			WHERE c.depth < %[2]d
		)
		SELECT %[1]s FROM chain ORDER BY depth DESC`, branchColumns, maxDepth)
	case Subtree:
		query = fmt.Sprintf(`WITH RECURSIVE tree AS (
			SELECT %[1]s, 0 AS depth FROM branches WHERE id = $1
			UNION ALL
			SELECT c.id, c.company_id, c.parent_branch_id, c.name, c.code, c.branch_type, c.level, c.manager_id, c.is_active, t.depth + 1
			FROM branches c
			JOIN tree t ON c.parent_branch_id = t.id
			WHERE t.depth < %[2]d
		)
		SELECT %[1]s FROM tree ORDER BY depth, level, name`, branchColumns, maxDepth)
	default:
		return nil, fmt.Errorf("branches: unknown direction %q", dir)
	}
	rows, err := r.pool.Query(ctx, query, branchID)
	if err != nil {
		return nil, err
	}
	return collectBranches(rows)
}

func collectBranches(rows pgx.Rows) ([]Branch, error) {
	defer rows.Close()
	var out []Branch
	for rows.Next() {
		var (
			b    Branch
			kind string
		)
		if err := rows.Scan(&b.ID, &b.CompanyID, &b.ParentBranchID, &b.Name, &b.Code, &kind, &b.Level, &b.ManagerID, &b.IsActive); err != nil {
			return nil, err
		}
		b.Type = Type(kind)
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ Store = (*PGRepository)(nil)
