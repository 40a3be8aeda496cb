package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/gridpoint/plantgateway/internal/model"
)

// GrantsFor returns the grants that apply to a principal: its direct user
// grants plus grants of any of its roles.
func (p *Postgres) GrantsFor(ctx context.Context, userID *int64, roleIDs []int64) ([]model.Grant, error) {
	var clauses []string
	var args []interface{}
	if userID != nil {
		args = append(args, *userID)
		clauses = append(clauses, "user_id = $1")
	}
	if len(roleIDs) > 0 {
		args = append(args, pq.Array(roleIDs))
		clauses = append(clauses, fmt.Sprintf("role_id = ANY($%d)", len(args)))
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := `SELECT id, role_id, user_id, resource_type, resource_id, level, include_descendants
		FROM access_grant WHERE ` + strings.Join(clauses, " OR ")
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Grant
	for rows.Next() {
		var g model.Grant
		if err := rows.Scan(&g.ID, &g.RoleID, &g.UserID, &g.ResourceType, &g.ResourceID,
			&g.Level, &g.IncludeDescendants); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CreateGrant inserts one grant and assigns its id.
func (p *Postgres) CreateGrant(ctx context.Context, g *model.Grant) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO access_grant (role_id, user_id, resource_type, resource_id, level, include_descendants)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		g.RoleID, g.UserID, g.ResourceType, g.ResourceID, g.Level, g.IncludeDescendants).Scan(&g.ID)
}
