package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"policydesk/api/internal/access"
	"policydesk/api/internal/auth"
	"policydesk/api/internal/authpw"
	"policydesk/api/internal/config"
	"policydesk/api/internal/rbac"
	"policydesk/api/internal/search"
	"policydesk/api/internal/store"
	"policydesk/api/internal/util"
)

type Session struct {
	Token          string
	RefreshToken   string
	UserID         string
	UserName       string
	OrganizationID string
	Role           string
	JTI            string
	ExpiresAt      time.Time
}

// ListPoliciesInput mirrors the list endpoint's query parameters, already
// decoded but not yet validated.
type ListPoliciesInput struct {
	Search                 string
	Status                 string
	Department             string
	Category               string
	PortalName             string
	Tags                   []string
	RequiresAcknowledgment *bool
	SortBy                 string
	SortOrder              string
	Page                   int
	Limit                  int
	PublicOnly             bool
	WithFilterMetadata     bool
}

type ReviewQueueInput struct {
	Department  string
	Category    string
	OverdueOnly bool
	SortBy      string
	SortOrder   string
	Page        int
	Limit       int
}

type PolicyInput struct {
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	Department     string     `json:"department"`
	Category       string     `json:"category"`
	Tags           []string   `json:"tags"`
	EffectiveDate  *time.Time `json:"effectiveDate"`
	ReviewDate     *time.Time `json:"reviewDate"`
	ExpirationDate *time.Time `json:"expirationDate"`
	ReviewerID     string     `json:"reviewerId"`
}

type PortalInput struct {
	Name                   string `json:"name"`
	Slug                   string `json:"slug"`
	AccessType             string `json:"accessType"`
	Password               string `json:"password"`
	IsActive               *bool  `json:"isActive"`
	RequiresAcknowledgment bool   `json:"requiresAcknowledgment"`
}

type AssignPolicyInput struct {
	UserID  string     `json:"userId"`
	DueDate *time.Time `json:"dueDate"`
}

var allowedPolicyStatuses = map[string]struct{}{
	"draft":     {},
	"published": {},
	"archived":  {},
}

var allowedPortalAccessTypes = map[string]struct{}{
	"public":   {},
	"internal": {},
	"password": {},
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertOrganization(context.Context, store.Organization) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	ListPolicies(context.Context, access.Scope, store.PolicyListParams) (store.PolicyListResult, error)
	ListPoliciesDueForReview(context.Context, store.ReviewCaller, store.ReviewQueueParams) (store.ReviewQueueResult, error)
	ReviewQueueStats(context.Context, store.ReviewCaller) (store.ReviewStats, error)

	InsertPolicy(context.Context, store.Policy) error
	GetPolicy(context.Context, string, string) (store.Policy, error)
	UpdatePolicy(context.Context, store.Policy) (bool, error)
	DeletePolicy(context.Context, string, string) (bool, error)
	SetPolicyPortals(context.Context, string, []string) error
	PolicyPortals(context.Context, string) ([]store.Portal, error)

	InsertPortal(context.Context, store.Portal) error
	ListPortals(context.Context, string) ([]store.Portal, error)
	GetPortal(context.Context, string) (store.Portal, error)
	GetActivePortalBySlug(context.Context, string) (store.Portal, error)
	UpdatePortal(context.Context, store.Portal) (bool, error)
	DeletePortal(context.Context, string) (bool, error)

	InsertAssignment(context.Context, store.PolicyAssignment) error
	GetAssignment(context.Context, string, string) (store.PolicyAssignment, error)
	InsertAcknowledgment(context.Context, store.PolicyAcknowledgment) error
}

// sessionStore holds refresh sessions. Postgres serves by default; Redis
// takes over when configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexPolicy(rec search.PolicyRecord)
	DeletePolicy(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	search   searchService
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		authpw:   authpw.NewService(dataStore),
		search:   searchService,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service) *Service {
	service := New(cfg, dataStore, searchService)
	service.sessions = sessions
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the user: role or organization may have changed since the
	// refresh token was minted.
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Org:  user.OrganizationID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:          token,
		RefreshToken:   refresh,
		UserID:         user.ID,
		UserName:       user.DisplayName,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
		JTI:            jti,
		ExpiresAt:      expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:          token,
		UserID:         user.ID,
		UserName:       user.DisplayName,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
		JTI:            claims.JTI,
		ExpiresAt:      time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ListPolicies validates the request, resolves the access scope and runs
// the listing engine. id may be access.Anon for unauthenticated callers.
func (s *Service) ListPolicies(ctx context.Context, id access.Identity, input ListPoliciesInput) (map[string]any, error) {
	params, err := listParams(input)
	if err != nil {
		return nil, err
	}

	scope := access.Resolve(id, input.PublicOnly)
	result, err := s.store.ListPolicies(ctx, scope, params)
	if err != nil {
		return nil, err
	}
	return listPayload(result), nil
}

// PortalPolicies lists policies through a portal, identified by slug.
// Password portals require the portal password on every request.
func (s *Service) PortalPolicies(ctx context.Context, slug, password string, input ListPoliciesInput) (map[string]any, error) {
	portal, err := s.store.GetActivePortalBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Portal not found", nil)
		}
		return nil, err
	}

	if portal.AccessType == "password" {
		if password == "" {
			return nil, domainError(http.StatusUnauthorized, "PORTAL_PASSWORD_REQUIRED", "This portal requires a password", nil)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(portal.PasswordHash), []byte(password)); err != nil {
			return nil, domainError(http.StatusUnauthorized, "PORTAL_PASSWORD_INVALID", "Invalid portal password", nil)
		}
	}

	params, err := listParams(input)
	if err != nil {
		return nil, err
	}

	scope := access.ResolvePortal(portal.ID, portal.AccessType == "password")
	result, err := s.store.ListPolicies(ctx, scope, params)
	if err != nil {
		return nil, err
	}

	payload := listPayload(result)
	payload["portal"] = map[string]any{
		"id":         portal.ID,
		"name":       portal.Name,
		"slug":       portal.Slug,
		"accessType": portal.AccessType,
	}
	return payload, nil
}

func listParams(input ListPoliciesInput) (store.PolicyListParams, error) {
	sortBy := input.SortBy
	if sortBy == "" {
		sortBy = "createdAt"
	}
	column, ok := store.ListSortColumns[sortBy]
	if !ok {
		return store.PolicyListParams{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"sortBy must be one of title, createdAt, updatedAt, effectiveDate", nil)
	}

	desc, err := sortDescending(input.SortOrder, sortBy == "createdAt")
	if err != nil {
		return store.PolicyListParams{}, err
	}

	return store.PolicyListParams{
		Search:                 input.Search,
		Status:                 input.Status,
		Department:             input.Department,
		Category:               input.Category,
		PortalName:             input.PortalName,
		Tags:                   trimTags(input.Tags),
		RequiresAcknowledgment: input.RequiresAcknowledgment,
		SortColumn:             column,
		SortDesc:               desc,
		Page:                   clampPage(input.Page),
		Limit:                  clampLimit(input.Limit),
		WithFilterMetadata:     input.WithFilterMetadata,
	}, nil
}

// sortDescending parses an order parameter; descDefault applies when the
// parameter is absent.
func sortDescending(order string, descDefault bool) (bool, error) {
	switch strings.ToLower(order) {
	case "":
		return descDefault, nil
	case "asc":
		return false, nil
	case "desc":
		return true, nil
	default:
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sort order must be 'asc' or 'desc'", nil)
	}
}

func clampPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func trimTags(tags []string) []string {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func listPayload(result store.PolicyListResult) map[string]any {
	items := make([]map[string]any, 0, len(result.Policies))
	for _, row := range result.Policies {
		items = append(items, policyRowPayload(row))
	}
	payload := map[string]any{
		"policies":   items,
		"pagination": result.Pagination,
	}
	if result.FilterMetadata != nil {
		payload["filterMetadata"] = result.FilterMetadata
	}
	return payload
}

func policyRowPayload(row store.PolicyRow) map[string]any {
	payload := policyPayload(row.Policy)
	payload["acknowledged"] = row.Acknowledged
	payload["assignedCount"] = row.AssignedCount
	payload["acknowledgedCount"] = row.AcknowledgedCount
	payload["overdueCount"] = row.OverdueCount
	payload["dueSoonCount"] = row.DueSoonCount
	payload["requiresAcknowledgment"] = row.RequiresAcknowledgmentFromPortals()
	payload["assignedPortals"] = row.AssignedPortals
	return payload
}

func policyPayload(item store.Policy) map[string]any {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":             item.ID,
		"organizationId": item.OrganizationID,
		"title":          item.Title,
		"content":        item.Content,
		"status":         item.Status,
		"department":     item.Department,
		"category":       item.Category,
		"tags":           tags,
		"effectiveDate":  item.EffectiveDate,
		"reviewDate":     item.ReviewDate,
		"expirationDate": item.ExpirationDate,
		"authorId":       item.AuthorID,
		"reviewerId":     item.ReviewerID,
		"createdAt":      item.CreatedAt,
		"updatedAt":      item.UpdatedAt,
	}
}

// DueForReview returns the review queue. Admins see the whole organization
// window; editors only rows they author or review; everyone else is denied.
func (s *Service) DueForReview(ctx context.Context, session Session, input ReviewQueueInput) (map[string]any, error) {
	caller, err := s.reviewCaller(session)
	if err != nil {
		return nil, err
	}

	sortBy := input.SortBy
	if sortBy == "" {
		sortBy = "reviewDate"
	}
	column, ok := store.ReviewSortColumns[sortBy]
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"sort must be one of reviewDate, title, department", nil)
	}
	desc, err := sortDescending(input.SortOrder, false)
	if err != nil {
		return nil, err
	}

	result, err := s.store.ListPoliciesDueForReview(ctx, caller, store.ReviewQueueParams{
		Department:  input.Department,
		Category:    input.Category,
		OverdueOnly: input.OverdueOnly,
		SortColumn:  column,
		SortDesc:    desc,
		Page:        clampPage(input.Page),
		Limit:       clampLimit(input.Limit),
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(result.Policies))
	for _, row := range result.Policies {
		payload := policyPayload(row.Policy)
		payload["daysOverdue"] = row.DaysOverdue
		payload["reviewStatus"] = row.ReviewStatus
		items = append(items, payload)
	}
	return map[string]any{
		"policies":   items,
		"pagination": result.Pagination,
	}, nil
}

func (s *Service) ReviewStats(ctx context.Context, session Session) (map[string]any, error) {
	caller, err := s.reviewCaller(session)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.ReviewQueueStats(ctx, caller)
	if err != nil {
		return nil, err
	}
	return map[string]any{"stats": stats}, nil
}

func (s *Service) reviewCaller(session Session) (store.ReviewCaller, error) {
	role := rbac.Normalize(session.Role)
	if !rbac.Can(role, rbac.ActionReview) {
		return store.ReviewCaller{}, domainError(http.StatusForbidden, "FORBIDDEN", "Review queue requires an editor or admin role", nil)
	}
	return store.ReviewCaller{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Admin:          role == rbac.RoleAdmin,
	}, nil
}

func (s *Service) GetPolicy(ctx context.Context, session Session, policyID string) (map[string]any, error) {
	item, err := s.store.GetPolicy(ctx, session.OrganizationID, policyID)
	if err != nil {
		return nil, err
	}
	portals, err := s.store.PolicyPortals(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	payload := policyPayload(item)
	payload["assignedPortals"] = portalRefs(portals)
	return payload, nil
}

func (s *Service) CreatePolicy(ctx context.Context, session Session, input PolicyInput) (map[string]any, error) {
	if err := validatePolicyInput(input); err != nil {
		return nil, err
	}

	item := store.Policy{
		ID:             util.NewID("pol"),
		OrganizationID: session.OrganizationID,
		Title:          strings.TrimSpace(input.Title),
		Content:        input.Content,
		Status:         input.Status,
		Department:     strings.TrimSpace(input.Department),
		Category:       strings.TrimSpace(input.Category),
		Tags:           trimTags(input.Tags),
		EffectiveDate:  input.EffectiveDate,
		ReviewDate:     input.ReviewDate,
		ExpirationDate: input.ExpirationDate,
		AuthorID:       session.UserID,
		ReviewerID:     input.ReviewerID,
	}
	if err := s.store.InsertPolicy(ctx, item); err != nil {
		return nil, err
	}

	s.indexPolicy(ctx, item)
	return policyPayload(item), nil
}

func (s *Service) UpdatePolicy(ctx context.Context, session Session, policyID string, input PolicyInput) (map[string]any, error) {
	if err := validatePolicyInput(input); err != nil {
		return nil, err
	}

	existing, err := s.store.GetPolicy(ctx, session.OrganizationID, policyID)
	if err != nil {
		return nil, err
	}

	item := existing
	item.Title = strings.TrimSpace(input.Title)
	item.Content = input.Content
	item.Status = input.Status
	item.Department = strings.TrimSpace(input.Department)
	item.Category = strings.TrimSpace(input.Category)
	item.Tags = trimTags(input.Tags)
	item.EffectiveDate = input.EffectiveDate
	item.ReviewDate = input.ReviewDate
	item.ExpirationDate = input.ExpirationDate
	item.ReviewerID = input.ReviewerID

	updated, err := s.store.UpdatePolicy(ctx, item)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Policy not found", nil)
	}

	s.indexPolicy(ctx, item)
	return policyPayload(item), nil
}

func (s *Service) DeletePolicy(ctx context.Context, session Session, policyID string) error {
	deleted, err := s.store.DeletePolicy(ctx, session.OrganizationID, policyID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Policy not found", nil)
	}
	s.search.DeletePolicy(policyID)
	return nil
}

func validatePolicyInput(input PolicyInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if _, ok := allowedPolicyStatuses[input.Status]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of draft, published, archived", nil)
	}
	return nil
}

// SetPolicyPortals replaces a policy's portal assignments and reindexes,
// since public reachability may have flipped.
func (s *Service) SetPolicyPortals(ctx context.Context, session Session, policyID string, portalIDs []string) (map[string]any, error) {
	item, err := s.store.GetPolicy(ctx, session.OrganizationID, policyID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetPolicyPortals(ctx, item.ID, portalIDs); err != nil {
		return nil, err
	}

	portals, err := s.store.PolicyPortals(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	s.indexPolicy(ctx, item)

	return map[string]any{
		"policyId":        item.ID,
		"assignedPortals": portalRefs(portals),
	}, nil
}

func (s *Service) indexPolicy(ctx context.Context, item store.Policy) {
	public := false
	if portals, err := s.store.PolicyPortals(ctx, item.ID); err == nil {
		for _, portal := range portals {
			if portal.IsActive && portal.AccessType == "public" {
				public = true
				break
			}
		}
	}
	s.search.IndexPolicy(search.PolicyRecord{
		ID:             item.ID,
		Title:          item.Title,
		Content:        item.Content,
		Department:     item.Department,
		Category:       item.Category,
		Status:         item.Status,
		OrganizationID: item.OrganizationID,
		Public:         public,
	})
}

func portalRefs(portals []store.Portal) []store.PortalRef {
	refs := make([]store.PortalRef, 0, len(portals))
	for _, portal := range portals {
		refs = append(refs, store.PortalRef{
			ID:                     portal.ID,
			Name:                   portal.Name,
			Slug:                   portal.Slug,
			RequiresAcknowledgment: portal.RequiresAcknowledgment,
		})
	}
	return refs
}

func (s *Service) AssignPolicy(ctx context.Context, session Session, policyID string, input AssignPolicyInput) (map[string]any, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}

	item, err := s.store.GetPolicy(ctx, session.OrganizationID, policyID)
	if err != nil {
		return nil, err
	}
	assignee, err := s.store.GetUserByID(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	if assignee.OrganizationID != session.OrganizationID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "user is not in this organization", nil)
	}

	assignment := store.PolicyAssignment{
		ID:             util.NewID("asn"),
		OrganizationID: session.OrganizationID,
		PolicyID:       item.ID,
		UserID:         assignee.ID,
		DueDate:        input.DueDate,
	}
	if err := s.store.InsertAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	return map[string]any{
		"policyId": item.ID,
		"userId":   assignee.ID,
		"dueDate":  input.DueDate,
	}, nil
}

// AcknowledgePolicy records the caller's acknowledgment. It requires an
// existing assignment; acknowledgments are append-only and idempotent.
func (s *Service) AcknowledgePolicy(ctx context.Context, session Session, policyID string) (map[string]any, error) {
	item, err := s.store.GetPolicy(ctx, session.OrganizationID, policyID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetAssignment(ctx, item.ID, session.UserID); err != nil {
		if store.IsNotFound(err) {
			return nil, domainError(http.StatusConflict, "NOT_ASSIGNED", "Policy is not assigned to you", nil)
		}
		return nil, err
	}

	if err := s.store.InsertAcknowledgment(ctx, store.PolicyAcknowledgment{
		ID:             util.NewID("ack"),
		OrganizationID: session.OrganizationID,
		PolicyID:       item.ID,
		UserID:         session.UserID,
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"policyId":     item.ID,
		"acknowledged": true,
	}, nil
}

func (s *Service) ListPortals(ctx context.Context, session Session) (map[string]any, error) {
	portals, err := s.store.ListPortals(ctx, session.OrganizationID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(portals))
	for _, portal := range portals {
		items = append(items, portalPayload(portal))
	}
	return map[string]any{"portals": items}, nil
}

func (s *Service) CreatePortal(ctx context.Context, session Session, input PortalInput) (map[string]any, error) {
	item, err := portalFromInput(store.Portal{ID: util.NewID("prt"), OrganizationID: session.OrganizationID, IsActive: true}, input)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertPortal(ctx, item); err != nil {
		return nil, err
	}
	return portalPayload(item), nil
}

func (s *Service) UpdatePortal(ctx context.Context, session Session, portalID string, input PortalInput) (map[string]any, error) {
	existing, err := s.store.GetPortal(ctx, portalID)
	if err != nil {
		return nil, err
	}
	if existing.OrganizationID != session.OrganizationID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Portal not found", nil)
	}

	item, err := portalFromInput(existing, input)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdatePortal(ctx, item)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Portal not found", nil)
	}
	return portalPayload(item), nil
}

func (s *Service) DeletePortal(ctx context.Context, session Session, portalID string) error {
	existing, err := s.store.GetPortal(ctx, portalID)
	if err != nil {
		return err
	}
	if existing.OrganizationID != session.OrganizationID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Portal not found", nil)
	}
	deleted, err := s.store.DeletePortal(ctx, portalID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Portal not found", nil)
	}
	return nil
}

func portalFromInput(base store.Portal, input PortalInput) (store.Portal, error) {
	name := strings.TrimSpace(input.Name)
	slug := strings.TrimSpace(strings.ToLower(input.Slug))
	if name == "" || slug == "" {
		return store.Portal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and slug are required", nil)
	}
	if _, ok := allowedPortalAccessTypes[input.AccessType]; !ok {
		return store.Portal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "accessType must be one of public, internal, password", nil)
	}

	item := base
	item.Name = name
	item.Slug = slug
	item.AccessType = input.AccessType
	item.RequiresAcknowledgment = input.RequiresAcknowledgment
	if input.IsActive != nil {
		item.IsActive = *input.IsActive
	}

	if input.AccessType == "password" {
		if input.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
			if err != nil {
				return store.Portal{}, err
			}
			item.PasswordHash = string(hash)
		}
		if item.PasswordHash == "" {
			return store.Portal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "password portals require a password", nil)
		}
	} else {
		item.PasswordHash = ""
	}
	return item, nil
}

func portalPayload(item store.Portal) map[string]any {
	return map[string]any{
		"id":                     item.ID,
		"organizationId":         item.OrganizationID,
		"name":                   item.Name,
		"slug":                   item.Slug,
		"accessType":             item.AccessType,
		"isActive":               item.IsActive,
		"requiresAcknowledgment": item.RequiresAcknowledgment,
		"createdAt":              item.CreatedAt,
	}
}

func (s *Service) Search(ctx context.Context, session Session, input search.Query) (search.Response, error) {
	if strings.TrimSpace(input.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	input.OrganizationID = session.OrganizationID
	input.PublicOnly = false
	return s.search.Search(input), nil
}
