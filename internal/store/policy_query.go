package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"policydesk/api/internal/access"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListSortColumns maps public sort keys onto physical columns. Sort input
// reaches SQL only through this table; the caller rejects anything else.
var ListSortColumns = map[string]string{
	"title":         "p.title",
	"createdAt":     "p.created_at",
	"updatedAt":     "p.updated_at",
	"effectiveDate": "p.effective_date",
}

// PolicyListParams carries validated filter parameters. SortColumn must be
// a value from ListSortColumns and Page/Limit must already be clamped.
type PolicyListParams struct {
	Search                 string
	Status                 string
	Department             string
	Category               string
	PortalName             string
	Tags                   []string
	RequiresAcknowledgment *bool
	SortColumn             string
	SortDesc               bool
	Page                   int
	Limit                  int
	WithFilterMetadata     bool
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// publicPolicySet restricts to policies published through at least one
// active public portal.
const publicPolicySet = `p.id IN (
	SELECT ppa.policy_id
	FROM policy_portal_assignments ppa
	JOIN portals po ON po.id = ppa.portal_id
	WHERE po.is_active AND po.access_type = 'public'
)`

const portalPolicySet = `p.id IN (
	SELECT ppa.policy_id
	FROM policy_portal_assignments ppa
	JOIN portals po ON po.id = ppa.portal_id
	WHERE po.is_active AND po.id = ?
)`

const portalNameSet = `p.id IN (
	SELECT ppa.policy_id
	FROM policy_portal_assignments ppa
	JOIN portals po ON po.id = ppa.portal_id
	WHERE po.name = ?
)`

const acknowledgmentPortalSet = `EXISTS (
	SELECT 1
	FROM policy_portal_assignments ppa
	JOIN portals po ON po.id = ppa.portal_id
	WHERE ppa.policy_id = p.id AND po.requires_acknowledgment
)`

// aggregateJoin computes the assignment/acknowledgment counters per policy.
// The organization match on the join is deliberate: assignment rows from a
// different tenant never feed a policy's counters, even though the policy
// set is already org-scoped.
const aggregateJoin = `(
	SELECT a.policy_id, a.organization_id,
		COUNT(*) AS assigned_count,
		COUNT(ack.id) AS acknowledged_count,
		COUNT(*) FILTER (WHERE a.due_date IS NOT NULL AND a.due_date < NOW() AND ack.id IS NULL) AS overdue_count,
		COUNT(*) FILTER (WHERE a.due_date IS NOT NULL AND a.due_date >= NOW() AND a.due_date <= NOW() + INTERVAL '7 days' AND ack.id IS NULL) AS due_soon_count
	FROM policy_assignments a
	LEFT JOIN policy_acknowledgments ack
		ON ack.policy_id = a.policy_id AND ack.user_id = a.user_id AND ack.organization_id = a.organization_id
	GROUP BY a.policy_id, a.organization_id
) agg ON agg.policy_id = p.id AND agg.organization_id = p.organization_id`

// scopePredicate translates an access scope into its row restriction.
// The restrictions are mutually exclusive, never unioned.
func scopePredicate(scope access.Scope) sq.Sqlizer {
	switch scope.Kind {
	case access.OrganizationScoped:
		return sq.Eq{"p.organization_id": scope.OrganizationID}
	case access.PortalScoped:
		return sq.Expr(portalPolicySet, scope.PortalID)
	default:
		return sq.Expr(publicPolicySet)
	}
}

// composeListPredicates builds the full conjunction for a list request.
// The page query and the count query both consume the returned value, so
// they cannot diverge.
func composeListPredicates(scope access.Scope, params PolicyListParams) sq.And {
	conj := sq.And{scopePredicate(scope)}

	if search := strings.TrimSpace(params.Search); search != "" {
		conj = append(conj, sq.Expr(`p.fts @@ plainto_tsquery('english', ?)`, search))
	}
	if params.Status != "" {
		conj = append(conj, sq.Eq{"p.status": params.Status})
	}
	if params.Department != "" {
		conj = append(conj, sq.Eq{"p.department": params.Department})
	}
	if params.Category != "" {
		conj = append(conj, sq.Eq{"p.category": params.Category})
	}
	if len(params.Tags) > 0 {
		conj = append(conj, sq.Expr(`p.tags && ?::text[]`, pq.Array(params.Tags)))
	}
	if params.PortalName != "" {
		conj = append(conj, sq.Expr(portalNameSet, params.PortalName))
	}
	if params.RequiresAcknowledgment != nil {
		if *params.RequiresAcknowledgment {
			conj = append(conj, sq.Expr(acknowledgmentPortalSet))
		} else {
			conj = append(conj, sq.Expr("NOT "+acknowledgmentPortalSet))
		}
	}
	return conj
}

func listOrderClause(params PolicyListParams) string {
	column := params.SortColumn
	if column == "" {
		column = "p.created_at"
	}
	direction := "ASC"
	if params.SortDesc {
		direction = "DESC"
	}
	// p.id breaks ties so pages partition the result set without gaps.
	return column + " " + direction + ", p.id ASC"
}

// ListPolicies runs the page query, the count query, the portal batch load
// and (optionally) the filter metadata queries on one consistent snapshot.
func (s *PostgresStore) ListPolicies(ctx context.Context, scope access.Scope, params PolicyListParams) (PolicyListResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return PolicyListResult{}, fmt.Errorf("begin list tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	predicates := composeListPredicates(scope, params)

	builder := psql.Select(
		"p.id", "p.organization_id", "p.title", "p.content", "p.status", "p.department", "p.category", "p.tags",
		"p.effective_date", "p.review_date", "p.expiration_date",
		"p.author_id", "COALESCE(p.reviewer_id, '')", "p.created_at", "p.updated_at",
	).From("policies p")

	if scope.UserID != "" {
		// The acknowledged flag is assignment membership, not acknowledgment
		// existence. Pinned behavior; see the query engine tests.
		builder = builder.
			Column(`EXISTS (
				SELECT 1 FROM policy_assignments ca
				WHERE ca.policy_id = p.id AND ca.user_id = ?
			) AS acknowledged`, scope.UserID).
			Columns(
				"COALESCE(agg.assigned_count, 0)",
				"COALESCE(agg.acknowledged_count, 0)",
				"COALESCE(agg.overdue_count, 0)",
				"COALESCE(agg.due_soon_count, 0)",
			).
			LeftJoin(aggregateJoin)
	} else {
		// No caller context: the aggregate relation is empty by construction.
		builder = builder.Columns(
			"FALSE AS acknowledged",
			"0 AS assigned_count",
			"0 AS acknowledged_count",
			"0 AS overdue_count",
			"0 AS due_soon_count",
		)
	}

	pageSQL, pageArgs, err := builder.
		Where(predicates).
		OrderBy(listOrderClause(params)).
		Limit(uint64(params.Limit)).
		Offset(uint64((params.Page - 1) * params.Limit)).
		ToSql()
	if err != nil {
		return PolicyListResult{}, fmt.Errorf("build page query: %w", err)
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("policies p").Where(predicates).ToSql()
	if err != nil {
		return PolicyListResult{}, fmt.Errorf("build count query: %w", err)
	}

	var total int
	if err := tx.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return PolicyListResult{}, fmt.Errorf("count policies: %w", err)
	}

	rows, err := tx.QueryContext(ctx, pageSQL, pageArgs...)
	if err != nil {
		return PolicyListResult{}, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	policies := make([]PolicyRow, 0)
	for rows.Next() {
		var item PolicyRow
		var tags pq.StringArray
		var effective, review, expiration sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.OrganizationID,
			&item.Title,
			&item.Content,
			&item.Status,
			&item.Department,
			&item.Category,
			&tags,
			&effective,
			&review,
			&expiration,
			&item.AuthorID,
			&item.ReviewerID,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.Acknowledged,
			&item.AssignedCount,
			&item.AcknowledgedCount,
			&item.OverdueCount,
			&item.DueSoonCount,
		); err != nil {
			return PolicyListResult{}, fmt.Errorf("scan policy row: %w", err)
		}
		item.Tags = []string(tags)
		item.EffectiveDate = nullableTime(effective)
		item.ReviewDate = nullableTime(review)
		item.ExpirationDate = nullableTime(expiration)
		item.AssignedPortals = []PortalRef{}
		policies = append(policies, item)
	}
	if err := rows.Err(); err != nil {
		return PolicyListResult{}, fmt.Errorf("iterate policy rows: %w", err)
	}

	policyIDs := make([]string, 0, len(policies))
	for _, item := range policies {
		policyIDs = append(policyIDs, item.ID)
	}
	portalsByPolicy, err := loadAssignedPortals(ctx, tx, policyIDs)
	if err != nil {
		return PolicyListResult{}, err
	}
	for i := range policies {
		if refs, ok := portalsByPolicy[policies[i].ID]; ok {
			policies[i].AssignedPortals = refs
		}
	}

	result := PolicyListResult{
		Policies: policies,
		Pagination: Pagination{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      total,
			TotalPages: totalPages(total, params.Limit),
		},
	}

	if params.WithFilterMetadata {
		metadata, err := loadFilterMetadata(ctx, tx, scope)
		if err != nil {
			return PolicyListResult{}, err
		}
		result.FilterMetadata = metadata
	}

	if err := tx.Commit(); err != nil {
		return PolicyListResult{}, fmt.Errorf("commit list tx: %w", err)
	}
	return result, nil
}

func totalPages(total, limit int) int {
	if total == 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// loadAssignedPortals batch-resolves portal membership for one page of
// policies in a single join. Bounded by page size, not result-set size.
func loadAssignedPortals(ctx context.Context, q queryer, policyIDs []string) (map[string][]PortalRef, error) {
	result := make(map[string][]PortalRef, len(policyIDs))
	if len(policyIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT ppa.policy_id, po.id, po.name, po.slug, po.requires_acknowledgment
		FROM policy_portal_assignments ppa
		JOIN portals po ON po.id = ppa.portal_id
		WHERE ppa.policy_id = ANY($1)
		ORDER BY ppa.policy_id ASC, po.name ASC
	`, pq.Array(policyIDs))
	if err != nil {
		return nil, fmt.Errorf("load assigned portals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var policyID string
		var ref PortalRef
		if err := rows.Scan(&policyID, &ref.ID, &ref.Name, &ref.Slug, &ref.RequiresAcknowledgment); err != nil {
			return nil, fmt.Errorf("scan assigned portal: %w", err)
		}
		result[policyID] = append(result[policyID], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assigned portals: %w", err)
	}
	return result, nil
}

// loadFilterMetadata computes the distinct filter values under the scope
// predicate alone, so selecting one filter never prunes the others.
func loadFilterMetadata(ctx context.Context, q queryer, scope access.Scope) (*FilterMetadata, error) {
	metadata := &FilterMetadata{
		Departments: []string{},
		Categories:  []string{},
		Statuses:    []string{},
		Tags:        []string{},
		Portals:     []string{},
	}

	scoped := sq.And{scopePredicate(scope)}

	columns := []struct {
		target *[]string
		column string
	}{
		{&metadata.Departments, "p.department"},
		{&metadata.Categories, "p.category"},
		{&metadata.Statuses, "p.status"},
	}
	for _, c := range columns {
		values, err := distinctStrings(ctx, q, psql.
			Select("DISTINCT "+c.column).
			From("policies p").
			Where(scoped).
			Where(c.column+" <> ''").
			OrderBy(c.column+" ASC"))
		if err != nil {
			return nil, err
		}
		*c.target = values
	}

	tags, err := distinctStrings(ctx, q, psql.
		Select("DISTINCT tag").
		From("policies p, unnest(p.tags) AS tag").
		Where(scoped).
		OrderBy("tag ASC"))
	if err != nil {
		return nil, err
	}
	metadata.Tags = tags

	portals, err := distinctStrings(ctx, q, portalNamesBuilder(scope))
	if err != nil {
		return nil, err
	}
	metadata.Portals = portals

	return metadata, nil
}

// Portal names come from the portal entity, not the assignment join.
func portalNamesBuilder(scope access.Scope) sq.SelectBuilder {
	builder := psql.Select("po.name").From("portals po").Where("po.is_active").OrderBy("po.name ASC")
	switch scope.Kind {
	case access.OrganizationScoped:
		return builder.Where(sq.Expr(
			`(po.organization_id = ? OR (po.organization_id IS NULL AND po.access_type = 'public'))`,
			scope.OrganizationID))
	case access.PortalScoped:
		return builder.Where(sq.Eq{"po.id": scope.PortalID})
	default:
		return builder.Where(sq.Eq{"po.access_type": "public"})
	}
}

func distinctStrings(ctx context.Context, q queryer, builder sq.SelectBuilder) ([]string, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build distinct query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("distinct values: %w", err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan distinct value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct values: %w", err)
	}
	return values, nil
}
