package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Department string `json:"department,omitempty"`
	Category   string `json:"category,omitempty"`
	Status     string `json:"status"`
}

// Query describes a search request. PublicOnly restricts the hit set to
// policies reachable through an active public portal; otherwise
// OrganizationID must be set and bounds the hit set to one tenant.
type Query struct {
	Text           string
	OrganizationID string
	Department     string
	Category       string
	Status         string
	PublicOnly     bool
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push policies into a search index.
type Indexer interface {
	IndexPolicy(p PolicyRecord) error
	DeletePolicy(id string) error
}

// PolicyRecord is the data we index for a policy. Public mirrors the
// database truth of having at least one active public portal assignment.
type PolicyRecord struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	Department     string `json:"department"`
	Category       string `json:"category"`
	Status         string `json:"status"`
	OrganizationID string `json:"organizationId"`
	Public         bool   `json:"public"`
}
