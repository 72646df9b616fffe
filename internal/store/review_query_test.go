package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var reviewColumns = []string{
	"id", "organization_id", "title", "content", "status", "department", "category", "tags",
	"effective_date", "review_date", "expiration_date",
	"author_id", "reviewer_id", "created_at", "updated_at",
}

func TestComposeReviewPredicatesEditorRestriction(t *testing.T) {
	editor := ReviewCaller{OrganizationID: "org-1", UserID: "usr-1", Admin: false}

	query, args, err := psql.Select("COUNT(*)").From("policies p").
		Where(composeReviewPredicates(editor, ReviewQueueParams{})).ToSql()
	if err != nil {
		t.Fatalf("ToSql: %v", err)
	}
	if !strings.Contains(query, "p.author_id = $") || !strings.Contains(query, "p.reviewer_id = $") {
		t.Errorf("editor predicate must restrict to authored or reviewed rows:\n%s", query)
	}
	if !strings.Contains(query, "p.review_date <= NOW() + INTERVAL '30 days'") {
		t.Errorf("review window missing:\n%s", query)
	}
	if len(args) != 3 || args[1] != "usr-1" || args[2] != "usr-1" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestComposeReviewPredicatesAdminSeesAll(t *testing.T) {
	admin := ReviewCaller{OrganizationID: "org-1", UserID: "usr-9", Admin: true}

	query, args, err := psql.Select("COUNT(*)").From("policies p").
		Where(composeReviewPredicates(admin, ReviewQueueParams{OverdueOnly: true})).ToSql()
	if err != nil {
		t.Fatalf("ToSql: %v", err)
	}
	if strings.Contains(query, "p.author_id") || strings.Contains(query, "p.reviewer_id") {
		t.Errorf("admin predicate must not restrict by author or reviewer:\n%s", query)
	}
	if !strings.Contains(query, "p.review_date < NOW()") {
		t.Errorf("overdue filter missing:\n%s", query)
	}
	if len(args) != 1 || args[0] != "org-1" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestReviewDerivedFields(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	cases := []struct {
		name       string
		review     *time.Time
		wantDays   int
		wantStatus string
	}{
		{"ten days overdue", timePtr(now.Add(-10 * day)), 10, ReviewStatusOverdue},
		{"one hour overdue", timePtr(now.Add(-time.Hour)), 0, ReviewStatusOverdue},
		{"due in three days", timePtr(now.Add(3 * day)), -3, ReviewStatusDueSoon},
		{"due in exactly seven days", timePtr(now.Add(7 * day)), -7, ReviewStatusDueSoon},
		{"due in eight days", timePtr(now.Add(8 * day)), -8, ReviewStatusUpcoming},
		{"no review date", nil, 0, ReviewStatusUpcoming},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			days, status := reviewDerivedFields(c.review, now)
			if days != c.wantDays || status != c.wantStatus {
				t.Errorf("got (%d, %s), want (%d, %s)", days, status, c.wantDays, c.wantStatus)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestListPoliciesDueForReview(t *testing.T) {
	s, mock, captured := recordingDB(t)

	now := time.Now()
	overdue := now.Add(-72 * time.Hour)
	soon := now.Add(48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("").WillReturnRows(sqlmock.NewRows(reviewColumns).
		AddRow("pol-1", "org-1", "Key Rotation", "Rotate keys yearly.", "published", "security", "compliance", "{}",
			nil, overdue, nil, "usr-1", "usr-2", now, now).
		AddRow("pol-2", "org-1", "Onboarding", "Welcome packet.", "published", "hr", "general", "{}",
			nil, soon, nil, "usr-1", "", now, now))
	mock.ExpectCommit()

	result, err := s.ListPoliciesDueForReview(context.Background(),
		ReviewCaller{OrganizationID: "org-1", UserID: "usr-1", Admin: true},
		ReviewQueueParams{Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("ListPoliciesDueForReview: %v", err)
	}

	if len(result.Policies) != 2 {
		t.Fatalf("got %d rows, want 2", len(result.Policies))
	}
	if result.Policies[0].ReviewStatus != ReviewStatusOverdue || result.Policies[0].DaysOverdue != 3 {
		t.Errorf("overdue row: %+v", result.Policies[0])
	}
	if result.Policies[1].ReviewStatus != ReviewStatusDueSoon || result.Policies[1].DaysOverdue >= 0 {
		t.Errorf("due soon row: %+v", result.Policies[1])
	}
	if result.Pagination.Total != 2 || result.Pagination.TotalPages != 1 {
		t.Errorf("pagination: %+v", result.Pagination)
	}

	pageSQL := (*captured)[1]
	if !strings.Contains(pageSQL, "p.review_date ASC, p.id ASC") {
		t.Errorf("default sort must be review date with id tie break:\n%s", pageSQL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReviewQueueStatsSharesCallerPredicate(t *testing.T) {
	s, mock, captured := recordingDB(t)

	mock.ExpectQuery("").
		WithArgs("org-1", "usr-1", "usr-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "overdue", "due_soon", "upcoming"}).AddRow(8, 3, 2, 3))

	stats, err := s.ReviewQueueStats(context.Background(),
		ReviewCaller{OrganizationID: "org-1", UserID: "usr-1", Admin: false})
	if err != nil {
		t.Fatalf("ReviewQueueStats: %v", err)
	}
	want := ReviewStats{TotalDueForReview: 8, TotalOverdue: 3, DueSoon: 2, Upcoming: 3}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	statsSQL := (*captured)[0]
	if !strings.Contains(statsSQL, "p.author_id = $") || !strings.Contains(statsSQL, "p.reviewer_id = $") {
		t.Errorf("stats for an editor must carry the author or reviewer restriction:\n%s", statsSQL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
