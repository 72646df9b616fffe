package store

import "time"

type User struct {
	ID             string
	OrganizationID string
	Email          string
	DisplayName    string
	PasswordHash   string
	Role           string
	CreatedAt      time.Time
}

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Policy struct {
	ID             string
	OrganizationID string
	Title          string
	Content        string
	Status         string
	Department     string
	Category       string
	Tags           []string
	EffectiveDate  *time.Time
	ReviewDate     *time.Time
	ExpirationDate *time.Time
	AuthorID       string
	ReviewerID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Portal struct {
	ID                     string
	OrganizationID         string
	Name                   string
	Slug                   string
	AccessType             string
	PasswordHash           string
	IsActive               bool
	RequiresAcknowledgment bool
	CreatedAt              time.Time
}

// PortalRef is the per-policy portal data attached by the association loader.
type PortalRef struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	Slug                   string `json:"slug"`
	RequiresAcknowledgment bool   `json:"requiresAcknowledgment"`
}

type PolicyAssignment struct {
	ID             string
	OrganizationID string
	PolicyID       string
	UserID         string
	DueDate        *time.Time
	CreatedAt      time.Time
}

type PolicyAcknowledgment struct {
	ID             string
	OrganizationID string
	PolicyID       string
	UserID         string
	AcknowledgedAt time.Time
}

// PolicyRow is a policy enriched with per-row aggregates and portal
// associations, as returned by the listing engine.
type PolicyRow struct {
	Policy
	Acknowledged      bool
	AssignedCount     int
	AcknowledgedCount int
	OverdueCount      int
	DueSoonCount      int
	AssignedPortals   []PortalRef
}

// RequiresAcknowledgmentFromPortals reports whether any portal the policy
// is assigned to mandates acknowledgment.
func (r PolicyRow) RequiresAcknowledgmentFromPortals() bool {
	for _, portal := range r.AssignedPortals {
		if portal.RequiresAcknowledgment {
			return true
		}
	}
	return false
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// FilterMetadata holds the distinct filter values visible under one access
// scope. Slices are always non-nil.
type FilterMetadata struct {
	Departments []string `json:"departments"`
	Categories  []string `json:"categories"`
	Statuses    []string `json:"statuses"`
	Tags        []string `json:"tags"`
	Portals     []string `json:"portals"`
}

type PolicyListResult struct {
	Policies       []PolicyRow
	Pagination     Pagination
	FilterMetadata *FilterMetadata
}

const (
	ReviewStatusOverdue  = "overdue"
	ReviewStatusDueSoon  = "due_soon"
	ReviewStatusUpcoming = "upcoming"
)

// ReviewRow is a policy in the review queue with its derived fields.
type ReviewRow struct {
	Policy
	DaysOverdue  int
	ReviewStatus string
}

type ReviewQueueResult struct {
	Policies   []ReviewRow
	Pagination Pagination
}

type ReviewStats struct {
	TotalDueForReview int `json:"totalDueForReview"`
	TotalOverdue      int `json:"totalOverdue"`
	DueSoon           int `json:"dueSoon"`
	Upcoming          int `json:"upcoming"`
}
