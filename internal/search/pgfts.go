package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const publicReachable = `p.id IN (
	SELECT ppa.policy_id
	FROM policy_portal_assignments ppa
	JOIN portals po ON po.id = ppa.portal_id
	WHERE po.is_active AND po.access_type = 'public'
)`

// Search ranks policies with ts_rank and cuts snippets with ts_headline.
// The scope restriction matches the listing engine so search never leaks
// rows the listing would hide.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "p.fts @@ " + tsQuery
	if q.PublicOnly {
		where += " AND " + publicReachable
	} else {
		where += fmt.Sprintf(" AND p.organization_id = $%d", argN)
		args = append(args, q.OrganizationID)
		argN++
	}
	if q.Department != "" {
		where += fmt.Sprintf(" AND p.department = $%d", argN)
		args = append(args, q.Department)
		argN++
	}
	if q.Category != "" {
		where += fmt.Sprintf(" AND p.category = $%d", argN)
		args = append(args, q.Category)
		argN++
	}
	if q.Status != "" {
		where += fmt.Sprintf(" AND p.status = $%d", argN)
		args = append(args, q.Status)
		argN++
	}

	ctx := context.Background()

	countSQL := fmt.Sprintf("SELECT count(*) FROM policies p WHERE %s", where)
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.title,
			ts_headline('english', p.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			p.department, p.category, p.status
		FROM policies p
		WHERE %s
		ORDER BY ts_rank(p.fts, %s) DESC, p.id ASC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Department, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable policies for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PolicyRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.content, p.department, p.category, p.status, p.organization_id,
			`+publicReachable+` AS public
		FROM policies p
	`)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	policies := make([]PolicyRecord, 0)
	for rows.Next() {
		var rec PolicyRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Department, &rec.Category, &rec.Status, &rec.OrganizationID, &rec.Public); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}
