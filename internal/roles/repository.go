package roles

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads role assignments from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ListRoleAssignments returns every (role, company) pair held by the principal.
// Role names are normalised like grant input; unknown names are returned
// as-is and filtered by the resolver.
func (r *PGRepository) ListRoleAssignments(ctx context.Context, principalID string) ([]Assignment, error) {
	const query = `SELECT role, company_id
		FROM user_roles
		WHERE user_id = $1
		ORDER BY role, company_id NULLS FIRST`
	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			role      string
			companyID *string
		)
		if err := rows.Scan(&role, &companyID); err != nil {
			return nil, err
		}
		out = append(out, assignmentFromRow(role, companyID))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func assignmentFromRow(role string, companyID *string) Assignment {
	r, ok := ParseRole(role)
	if !ok {
		r = Role(role)
	}
	return Assignment{Role: r, CompanyID: companyID}
}

var _ Store = (*PGRepository)(nil)
