// Package access resolves the security scope a policy query runs under.
package access

type ScopeKind string

const (
	// PublicOnly restricts queries to policies published through an
	// active public portal. No caller context is attached.
	PublicOnly ScopeKind = "public_only"
	// OrganizationScoped restricts queries to a single organization.
	OrganizationScoped ScopeKind = "organization"
	// PortalScoped restricts queries to one portal's assigned policies.
	PortalScoped ScopeKind = "portal"
)

// Identity describes the caller as resolved by the authentication layer.
// The zero value is an anonymous visitor.
type Identity struct {
	Anonymous      bool
	UserID         string
	OrganizationID string
	Role           string
}

// Anon is the identity used when token resolution fails or is absent.
var Anon = Identity{Anonymous: true}

// Scope is the security boundary for a single request. It is computed
// fresh per request and never cached.
type Scope struct {
	Kind             ScopeKind
	OrganizationID   string
	UserID           string
	PortalID         string
	PasswordVerified bool
}

// Resolve maps a caller identity and the publicOnly request flag onto a
// scope. Anonymous callers always get PublicOnly; authenticated callers
// get PublicOnly when they ask for it (previewing the public view) and
// their own organization otherwise. Total function, no error cases.
func Resolve(id Identity, publicOnly bool) Scope {
	if id.Anonymous || publicOnly {
		return Scope{Kind: PublicOnly}
	}
	return Scope{
		Kind:           OrganizationScoped,
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
	}
}

// ResolvePortal builds the scope for viewing a single portal's policies.
// passwordVerified records that a password-protected portal's check
// succeeded upstream.
func ResolvePortal(portalID string, passwordVerified bool) Scope {
	return Scope{
		Kind:             PortalScoped,
		PortalID:         portalID,
		PasswordVerified: passwordVerified,
	}
}
