package github

// Issue is the REST representation of an external tracker issue.
type Issue struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	State     string  `json:"state"` // open or closed
	Labels    []Label `json:"labels"`
	Assignees []User  `json:"assignees"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	ClosedAt  string  `json:"closed_at"`
}

// Label is a repository label.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// User is an account reference.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// CreateIssueRequest is the payload for creating an issue.
type CreateIssueRequest struct {
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

// UpdateIssueRequest is the payload for patching an issue. Pointer
// fields distinguish "unchanged" from "set to zero".
type UpdateIssueRequest struct {
	Title     *string   `json:"title,omitempty"`
	Body      *string   `json:"body,omitempty"`
	State     *string   `json:"state,omitempty"`
	Labels    *[]string `json:"labels,omitempty"`
	Assignees *[]string `json:"assignees,omitempty"`
}

// InstallationToken is the short-lived token minted for an app
// installation.
type InstallationToken struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type errorResponse struct {
	Message string `json:"message"`
}
