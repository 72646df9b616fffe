package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, org Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, org.ID, org.Name)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.OrganizationID, user.Email, user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, email, display_name, password_hash, role, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.OrganizationID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, email, display_name, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.OrganizationID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.organization_id, u.email, u.display_name, u.password_hash, u.role, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.OrganizationID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const policyColumns = `
	p.id, p.organization_id, p.title, p.content, p.status, p.department, p.category, p.tags,
	p.effective_date, p.review_date, p.expiration_date,
	p.author_id, COALESCE(p.reviewer_id, ''), p.created_at, p.updated_at`

func scanPolicy(scanner interface{ Scan(...any) error }, item *Policy) error {
	var tags pq.StringArray
	var effective, review, expiration sql.NullTime
	if err := scanner.Scan(
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
		return err
	}
	item.Tags = []string(tags)
	item.EffectiveDate = nullableTime(effective)
	item.ReviewDate = nullableTime(review)
	item.ExpirationDate = nullableTime(expiration)
	return nil
}

func nullableTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func (s *PostgresStore) InsertPolicy(ctx context.Context, item Policy) error {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, organization_id, title, content, status, department, category, tags,
			effective_date, review_date, expiration_date, author_id, reviewer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))
	`, item.ID, item.OrganizationID, item.Title, item.Content, item.Status, item.Department, item.Category,
		pq.Array(tags), item.EffectiveDate, item.ReviewDate, item.ExpirationDate, item.AuthorID, item.ReviewerID)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, organizationID, policyID string) (Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+policyColumns+`
		FROM policies p
		WHERE p.id=$1 AND p.organization_id=$2
	`, policyID, organizationID)
	var item Policy
	if err := scanPolicy(row, &item); err != nil {
		return Policy{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, item Policy) (bool, error) {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET title=$3, content=$4, status=$5, department=$6, category=$7, tags=$8,
			effective_date=$9, review_date=$10, expiration_date=$11, reviewer_id=NULLIF($12, ''), updated_at=NOW()
		WHERE id=$1 AND organization_id=$2
	`, item.ID, item.OrganizationID, item.Title, item.Content, item.Status, item.Department, item.Category,
		pq.Array(tags), item.EffectiveDate, item.ReviewDate, item.ExpirationDate, item.ReviewerID)
	if err != nil {
		return false, fmt.Errorf("update policy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update policy rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, organizationID, policyID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id=$1 AND organization_id=$2`, policyID, organizationID)
	if err != nil {
		return false, fmt.Errorf("delete policy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete policy rows: %w", err)
	}
	return affected > 0, nil
}

// SetPolicyPortals replaces the portal assignments for a policy.
func (s *PostgresStore) SetPolicyPortals(ctx context.Context, policyID string, portalIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin portal assignment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_portal_assignments WHERE policy_id=$1`, policyID); err != nil {
		return fmt.Errorf("clear portal assignments: %w", err)
	}
	for _, portalID := range portalIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_portal_assignments (policy_id, portal_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, policyID, portalID); err != nil {
			return fmt.Errorf("assign portal %s: %w", portalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit portal assignments: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPortal(ctx context.Context, item Portal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portals (id, organization_id, name, slug, access_type, password_hash, is_active, requires_acknowledgment)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, item.ID, item.OrganizationID, item.Name, item.Slug, item.AccessType, item.PasswordHash, item.IsActive, item.RequiresAcknowledgment)
	if err != nil {
		return fmt.Errorf("insert portal: %w", err)
	}
	return nil
}

const portalColumns = `
	id, COALESCE(organization_id, ''), name, slug, access_type, COALESCE(password_hash, ''),
	is_active, requires_acknowledgment, created_at`

func scanPortal(scanner interface{ Scan(...any) error }, item *Portal) error {
	return scanner.Scan(
		&item.ID,
		&item.OrganizationID,
		&item.Name,
		&item.Slug,
		&item.AccessType,
		&item.PasswordHash,
		&item.IsActive,
		&item.RequiresAcknowledgment,
		&item.CreatedAt,
	)
}

// ListPortals returns the portals visible to an organization: its own
// plus ownerless public portals.
func (s *PostgresStore) ListPortals(ctx context.Context, organizationID string) ([]Portal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+portalColumns+`
		FROM portals
		WHERE organization_id=$1 OR (organization_id IS NULL AND access_type='public')
		ORDER BY name ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list portals: %w", err)
	}
	defer rows.Close()

	items := make([]Portal, 0)
	for rows.Next() {
		var item Portal
		if err := scanPortal(rows, &item); err != nil {
			return nil, fmt.Errorf("scan portal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate portals: %w", err)
	}
	return items, nil
}

// PolicyPortals returns the portals a single policy is assigned to.
func (s *PostgresStore) PolicyPortals(ctx context.Context, policyID string) ([]Portal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT po.id, COALESCE(po.organization_id, ''), po.name, po.slug, po.access_type,
			COALESCE(po.password_hash, ''), po.is_active, po.requires_acknowledgment, po.created_at
		FROM policy_portal_assignments ppa
		JOIN portals po ON po.id = ppa.portal_id
		WHERE ppa.policy_id=$1
		ORDER BY po.name ASC
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("policy portals: %w", err)
	}
	defer rows.Close()

	items := make([]Portal, 0)
	for rows.Next() {
		var item Portal
		if err := scanPortal(rows, &item); err != nil {
			return nil, fmt.Errorf("scan policy portal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy portals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPortal(ctx context.Context, portalID string) (Portal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+portalColumns+`
		FROM portals
		WHERE id=$1
	`, portalID)
	var item Portal
	if err := scanPortal(row, &item); err != nil {
		return Portal{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetActivePortalBySlug(ctx context.Context, slug string) (Portal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+portalColumns+`
		FROM portals
		WHERE slug=$1 AND is_active
		ORDER BY organization_id NULLS FIRST
		LIMIT 1
	`, slug)
	var item Portal
	if err := scanPortal(row, &item); err != nil {
		return Portal{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdatePortal(ctx context.Context, item Portal) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE portals
		SET name=$2, slug=$3, access_type=$4, password_hash=NULLIF($5, ''), is_active=$6, requires_acknowledgment=$7
		WHERE id=$1
	`, item.ID, item.Name, item.Slug, item.AccessType, item.PasswordHash, item.IsActive, item.RequiresAcknowledgment)
	if err != nil {
		return false, fmt.Errorf("update portal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update portal rows: %w", err)
	}
	return affected > 0, nil
}

// DeletePortal removes a portal; its policy assignments cascade away.
func (s *PostgresStore) DeletePortal(ctx context.Context, portalID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM portals WHERE id=$1`, portalID)
	if err != nil {
		return false, fmt.Errorf("delete portal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete portal rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertAssignment(ctx context.Context, item PolicyAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_assignments (id, organization_id, policy_id, user_id, due_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (policy_id, user_id) DO UPDATE SET due_date=EXCLUDED.due_date
	`, item.ID, item.OrganizationID, item.PolicyID, item.UserID, item.DueDate)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, policyID, userID string) (PolicyAssignment, error) {
	var item PolicyAssignment
	var due sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, policy_id, user_id, due_date, created_at
		FROM policy_assignments
		WHERE policy_id=$1 AND user_id=$2
	`, policyID, userID).Scan(&item.ID, &item.OrganizationID, &item.PolicyID, &item.UserID, &due, &item.CreatedAt)
	if err != nil {
		return PolicyAssignment{}, err
	}
	item.DueDate = nullableTime(due)
	return item, nil
}

// InsertAcknowledgment records an acknowledgment once; repeats are no-ops
// because acknowledgments are immutable.
func (s *PostgresStore) InsertAcknowledgment(ctx context.Context, item PolicyAcknowledgment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_acknowledgments (id, organization_id, policy_id, user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (policy_id, user_id) DO NOTHING
	`, item.ID, item.OrganizationID, item.PolicyID, item.UserID)
	if err != nil {
		return fmt.Errorf("insert acknowledgment: %w", err)
	}
	return nil
}

// IsNotFound reports whether an error is the storage layer's row-missing case.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
