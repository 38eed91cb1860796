package schema

// GitHub event identifiers accepted by the webhook endpoint.
const (
	EventIssueCreated                    = "github.issue.created"
	EventIssueClosed                     = "github.issue.closed"
	EventIssueLabeled                    = "github.issue.labeled"
	EventIssueCommentCreated             = "github.issue_comment.created"
	EventPullRequestOpened               = "github.pull_request.opened"
	EventPullRequestReadyForReview       = "github.pull_request.ready_for_review"
	EventPullRequestClosed               = "github.pull_request.closed"
	EventPullRequestLabeled              = "github.pull_request.labeled"
	EventPullRequestReviewCommentCreated = "github.pull_request_review_comment.created"
	EventDiscussionCreated               = "github.discussion.created"
	EventDiscussionCommentCreated        = "github.discussion_comment.created"
)

// githubEvents maps (X-GitHub-Event, payload action) to an event identifier.
var githubEvents = map[string]map[string]string{
	"issues": {
		"opened":  EventIssueCreated,
		"closed":  EventIssueClosed,
		"labeled": EventIssueLabeled,
	},
	"issue_comment": {
		"created": EventIssueCommentCreated,
	},
	"pull_request": {
		"opened":           EventPullRequestOpened,
		"ready_for_review": EventPullRequestReadyForReview,
		"closed":           EventPullRequestClosed,
		"labeled":          EventPullRequestLabeled,
	},
	"pull_request_review_comment": {
		"created": EventPullRequestReviewCommentCreated,
	},
	"discussion": {
		"created": EventDiscussionCreated,
	},
	"discussion_comment": {
		"created": EventDiscussionCommentCreated,
	},
}

// GitHubEventID resolves a delivery's event name and action to an allow-listed
// event identifier. The second result is false for anything not on the list.
func GitHubEventID(event, action string) (string, bool) {
	actions, ok := githubEvents[event]
	if !ok {
		return "", false
	}
	id, ok := actions[action]
	return id, ok
}

// IsAllowedEvent reports whether id is an allow-listed event identifier.
func IsAllowedEvent(id string) bool {
	for _, actions := range githubEvents {
		for _, v := range actions {
			if v == id {
				return true
			}
		}
	}
	return false
}
