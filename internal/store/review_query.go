package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// ReviewSortColumns maps the review queue's sort keys onto physical columns.
var ReviewSortColumns = map[string]string{
	"reviewDate": "p.review_date",
	"title":      "p.title",
	"department": "p.department",
}

// ReviewCaller is the authorization context for the review queue. Callers
// with neither admin nor editor roles are rejected before this layer.
type ReviewCaller struct {
	OrganizationID string
	UserID         string
	Admin          bool
}

type ReviewQueueParams struct {
	Department  string
	Category    string
	OverdueOnly bool
	SortColumn  string
	SortDesc    bool
	Page        int
	Limit       int
}

// composeReviewPredicates builds the review window restriction shared by
// the queue query and the stats query. Editors get an additional
// author-or-reviewer restriction on top of the organization scope.
func composeReviewPredicates(caller ReviewCaller, params ReviewQueueParams) sq.And {
	conj := sq.And{
		sq.Eq{"p.organization_id": caller.OrganizationID},
		sq.Expr("p.review_date IS NOT NULL"),
		sq.Expr("p.review_date <= NOW() + INTERVAL '30 days'"),
	}
	if !caller.Admin {
		conj = append(conj, sq.Or{
			sq.Eq{"p.author_id": caller.UserID},
			sq.Eq{"p.reviewer_id": caller.UserID},
		})
	}
	if params.Department != "" {
		conj = append(conj, sq.Eq{"p.department": params.Department})
	}
	if params.Category != "" {
		conj = append(conj, sq.Eq{"p.category": params.Category})
	}
	if params.OverdueOnly {
		conj = append(conj, sq.Expr("p.review_date < NOW()"))
	}
	return conj
}

func reviewOrderClause(params ReviewQueueParams) string {
	column := params.SortColumn
	if column == "" {
		column = "p.review_date"
	}
	direction := "ASC"
	if params.SortDesc {
		direction = "DESC"
	}
	return column + " " + direction + ", p.id ASC"
}

// ListPoliciesDueForReview returns the review queue page plus an exact
// total computed under the same predicate set, on one snapshot.
func (s *PostgresStore) ListPoliciesDueForReview(ctx context.Context, caller ReviewCaller, params ReviewQueueParams) (ReviewQueueResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return ReviewQueueResult{}, fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	predicates := composeReviewPredicates(caller, params)

	pageSQL, pageArgs, err := psql.Select(
		"p.id", "p.organization_id", "p.title", "p.content", "p.status", "p.department", "p.category", "p.tags",
		"p.effective_date", "p.review_date", "p.expiration_date",
		"p.author_id", "COALESCE(p.reviewer_id, '')", "p.created_at", "p.updated_at",
	).
		From("policies p").
		Where(predicates).
		OrderBy(reviewOrderClause(params)).
		Limit(uint64(params.Limit)).
		Offset(uint64((params.Page - 1) * params.Limit)).
		ToSql()
	if err != nil {
		return ReviewQueueResult{}, fmt.Errorf("build review page query: %w", err)
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("policies p").Where(predicates).ToSql()
	if err != nil {
		return ReviewQueueResult{}, fmt.Errorf("build review count query: %w", err)
	}

	var total int
	if err := tx.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return ReviewQueueResult{}, fmt.Errorf("count review policies: %w", err)
	}

	rows, err := tx.QueryContext(ctx, pageSQL, pageArgs...)
	if err != nil {
		return ReviewQueueResult{}, fmt.Errorf("list review policies: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	policies := make([]ReviewRow, 0)
	for rows.Next() {
		var item ReviewRow
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
		); err != nil {
			return ReviewQueueResult{}, fmt.Errorf("scan review row: %w", err)
		}
		item.Tags = []string(tags)
		item.EffectiveDate = nullableTime(effective)
		item.ReviewDate = nullableTime(review)
		item.ExpirationDate = nullableTime(expiration)
		item.DaysOverdue, item.ReviewStatus = reviewDerivedFields(item.ReviewDate, now)
		policies = append(policies, item)
	}
	if err := rows.Err(); err != nil {
		return ReviewQueueResult{}, fmt.Errorf("iterate review rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReviewQueueResult{}, fmt.Errorf("commit review tx: %w", err)
	}

	return ReviewQueueResult{
		Policies: policies,
		Pagination: Pagination{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      total,
			TotalPages: totalPages(total, params.Limit),
		},
	}, nil
}

// reviewDerivedFields computes days overdue (negative means days until due)
// and the review-status bucket.
func reviewDerivedFields(reviewDate *time.Time, now time.Time) (int, string) {
	if reviewDate == nil {
		return 0, ReviewStatusUpcoming
	}
	days := int(now.Sub(*reviewDate).Hours() / 24)
	switch {
	case reviewDate.Before(now):
		return days, ReviewStatusOverdue
	case !reviewDate.After(now.Add(7 * 24 * time.Hour)):
		return days, ReviewStatusDueSoon
	default:
		return days, ReviewStatusUpcoming
	}
}

// ReviewQueueStats aggregates the review window under the identical
// authorization predicate as the queue itself.
func (s *PostgresStore) ReviewQueueStats(ctx context.Context, caller ReviewCaller) (ReviewStats, error) {
	predicates := composeReviewPredicates(caller, ReviewQueueParams{})

	statsSQL, statsArgs, err := psql.Select(
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE p.review_date < NOW())",
		"COUNT(*) FILTER (WHERE p.review_date >= NOW() AND p.review_date <= NOW() + INTERVAL '7 days')",
		"COUNT(*) FILTER (WHERE p.review_date > NOW() + INTERVAL '7 days')",
	).From("policies p").Where(predicates).ToSql()
	if err != nil {
		return ReviewStats{}, fmt.Errorf("build review stats query: %w", err)
	}

	var stats ReviewStats
	err = s.db.QueryRowContext(ctx, statsSQL, statsArgs...).Scan(
		&stats.TotalDueForReview,
		&stats.TotalOverdue,
		&stats.DueSoon,
		&stats.Upcoming,
	)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("review stats: %w", err)
	}
	return stats, nil
}
