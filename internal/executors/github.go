package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultGitHubBaseURL is the public GitHub REST endpoint.
const DefaultGitHubBaseURL = "https://api.github.com"

const (
	defaultGitHubTimeout   = 30 * time.Second
	maxGitHubResponseBytes = 10 * 1024 * 1024
)

// GitHubRequest is one REST or GraphQL call.
type GitHubRequest struct {
	Method string
	Path   string
	Token  string
	Body   any
}

// GitHubClient performs authenticated GitHub API calls and returns the raw
// JSON response body.
type GitHubClient interface {
	Do(ctx context.Context, req GitHubRequest) (json.RawMessage, error)
}

// GitHubError is a non-2xx response from GitHub.
type GitHubError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *GitHubError) Error() string {
	return fmt.Sprintf("github: %d %s", e.Status, e.Message)
}

// Retryable reports whether the response was a server error or rate limit.
func (e *GitHubError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// HTTPGitHubClient implements GitHubClient over net/http.
type HTTPGitHubClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGitHubClient creates a client for baseURL. A nil client gets a
// default with a 30s timeout.
func NewHTTPGitHubClient(baseURL string, client *http.Client) *HTTPGitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultGitHubTimeout}
	}
	return &HTTPGitHubClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPGitHubClient) Do(ctx context.Context, r GitHubRequest) (json.RawMessage, error) {
	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("github: marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", r.Method, r.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGitHubResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("github: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &GitHubError{Status: resp.StatusCode, Message: msg}
	}
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	// GraphQL reports failures in a 200 body.
	if errs := gjson.GetBytes(data, "errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return nil, &GitHubError{Status: http.StatusUnprocessableEntity, Message: errs.Get("0.message").String()}
	}
	return data, nil
}

// githubCommand builds the request for one action command.
type githubCommand struct {
	name     string
	required []string
	build    func(repo string, p map[string]any) GitHubRequest
}

var githubCommands = map[string]githubCommand{}

func registerGitHubCommand(c githubCommand) {
	githubCommands[c.name] = c
}

func init() {
	registerGitHubCommand(githubCommand{
		name:     "github.createIssue",
		required: []string{"title"},
		build: func(repo string, p map[string]any) GitHubRequest {
			return GitHubRequest{Method: http.MethodPost, Path: "/repos/" + repo + "/issues", Body: pick(p, "title", "body", "labels", "assignees")}
		},
	})
	registerGitHubCommand(githubCommand{
		name:     "github.getIssue",
		required: []string{"number"},
		build: func(repo string, p map[string]any) GitHubRequest {
			return GitHubRequest{Method: http.MethodGet, Path: fmt.Sprintf("/repos/%s/issues/%d", repo, intParam(p, "number", 0))}
		},
	})
	registerGitHubCommand(githubCommand{
		name:     "github.updateIssue",
		required: []string{"number"},
		build: func(repo string, p map[string]any) GitHubRequest {
			return GitHubRequest{
				Method: http.MethodPatch,
				Path:   fmt.Sprintf("/repos/%s/issues/%d", repo, intParam(p, "number", 0)),
				Body:   pick(p, "title", "body", "state", "labels", "assignees"),
			}
		},
	})
	registerGitHubCommand(githubCommand{
		name:     "github.createIssueComment",
		required: []string{"number", "body"},
		build: func(repo string, p map[string]any) GitHubRequest {
			return GitHubRequest{
				Method: http.MethodPost,
				Path:   fmt.Sprintf("/repos/%s/issues/%d/comments", repo, intParam(p, "number", 0)),
				Body:   pick(p, "body"),
			}
		},
	})
	registerGitHubCommand(githubCommand{
		name:     "github.addLabels",
		required: []string{"number", "labels"},
		build: func(repo string, p map[string]any) GitHubRequest {
			return GitHubRequest{
				Method: http.MethodPost,
				Path:   fmt.Sprintf("/repos/%s/issues/%d/labels", repo, intParam(p, "number", 0)),
				Body:   pick(p, "labels"),
			}
		},
	})
	registerGitHubCommand(githubCommand{
		name:     "github.createPullRequestComment",
		required: []string{"number", "body"},
		build: func(repo string, p map[string]any) GitHubRequest {
			number := intParam(p, "number", 0)
			if reply := intParam(p, "inReplyTo", 0); reply > 0 {
				return GitHubRequest{
					Method: http.MethodPost,
					Path:   fmt.Sprintf("/repos/%s/pulls/%d/comments/%d/replies", repo, number, reply),
					Body:   pick(p, "body"),
				}
			}
			body := pick(p, "body", "path", "line", "side")
			if id := stringParam(p, "commitId", ""); id != "" {
				body["commit_id"] = id
			}
			return GitHubRequest{Method: http.MethodPost, Path: fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number), Body: body}
		},
	})
	registerGitHubCommand(githubCommand{
		name:     "github.getDiscussion",
		required: []string{"number"},
		build: func(repo string, p map[string]any) GitHubRequest {
			owner, name, _ := strings.Cut(repo, "/")
			return GitHubRequest{
				Method: http.MethodPost,
				Path:   "/graphql",
				Body: map[string]any{
					"query": discussionQuery,
					"variables": map[string]any{
						"owner":  owner,
						"name":   name,
						"number": intParam(p, "number", 0),
					},
				},
			}
		},
	})
}

const discussionQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    discussion(number: $number) {
      id number title body url
      author { login }
      category { name }
      comments(first: 50) { nodes { id body author { login } } }
    }
  }
}`

// GitHubCommands lists the supported action commands.
func GitHubCommands() []string {
	names := make([]string, 0, len(githubCommands))
	for name := range githubCommands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func pick(p map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}

func stringParam(m map[string]any, key, def string) string {
	s, ok := m[key].(string)
	if !ok {
		return def
	}
	return s
}

func intParam(m map[string]any, key string, def int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return def
		}
		return int(i)
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return def
		}
		return i
	}
	return def
}
