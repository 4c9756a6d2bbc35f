package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/toba/stitch/internal/mirror/github"
)

// Event names the ingestor decodes into typed payloads.
const (
	EventIssues       = "issues"
	EventInstallation = "installation"
	EventIssueComment = "issue_comment"
)

// Event is the decoded discriminated union over inbound deliveries.
// Exactly one payload field is non-nil for known event names; all are
// nil for unknown events, which callers ACK and ignore.
type Event struct {
	Name       string
	Action     string
	DeliveryID string

	Issues       *IssuesPayload
	Installation *InstallationPayload
	IssueComment *IssueCommentPayload
}

// Known reports whether the event carries a typed payload.
func (e Event) Known() bool {
	return e.Issues != nil || e.Installation != nil || e.IssueComment != nil
}

// Repository identifies the repo a delivery concerns.
type Repository struct {
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	Name string `json:"name"`
}

// InstallationRef is the installation stanza present on most payloads.
type InstallationRef struct {
	ID int64 `json:"id"`
}

// IssuesPayload is the body of an issues event.
type IssuesPayload struct {
	Action       string          `json:"action"`
	Issue        github.Issue    `json:"issue"`
	Repository   Repository      `json:"repository"`
	Installation InstallationRef `json:"installation"`
}

// InstallationPayload is the body of an installation lifecycle event.
type InstallationPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`
	Repositories []Repository `json:"repositories"`
}

// IssueCommentPayload is the body of an issue_comment event.
type IssueCommentPayload struct {
	Action  string       `json:"action"`
	Issue   github.Issue `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User github.User
	} `json:"comment"`
	Repository   Repository      `json:"repository"`
	Installation InstallationRef `json:"installation"`
}

// Decode parses a delivery body according to its event name. Unknown
// names produce an Event with no payload and a nil error; a known name
// with an unparseable body is an error.
func Decode(name, deliveryID string, body []byte) (Event, error) {
	ev := Event{Name: name, DeliveryID: deliveryID}

	switch name {
	case EventIssues:
		var p IssuesPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("decoding issues payload: %w", err)
		}
		ev.Action = p.Action
		ev.Issues = &p
	case EventInstallation:
		var p InstallationPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("decoding installation payload: %w", err)
		}
		ev.Action = p.Action
		ev.Installation = &p
	case EventIssueComment:
		var p IssueCommentPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("decoding issue_comment payload: %w", err)
		}
		ev.Action = p.Action
		ev.IssueComment = &p
	}
	return ev, nil
}
