package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/pkg/schema"
)

func TestParseDelivery(t *testing.T) {
	d := delivery(t, issueOpened)
	assert.Equal(t, "dlv-1", d.ID)
	assert.Equal(t, schema.EventIssueCreated, d.EventID)
	assert.Equal(t, "acme/widgets", d.Repository)
	assert.Equal(t, int64(42), d.InstallationID)
	assert.Equal(t, []string{"bug"}, d.Labels())
	assert.Equal(t, "hey @triage-bot please look", d.Text())
}

func TestParseDelivery_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
		code  string
	}{
		{name: "invalid json", event: "issues", body: `{`, code: schema.ErrCodeValidation},
		{name: "unknown event", event: "push", body: `{"repository":{"full_name":"a/b"}}`, code: schema.ErrCodeEventNotAllowed},
		{name: "unknown action", event: "issues", body: `{"action":"pinned","repository":{"full_name":"a/b"}}`, code: schema.ErrCodeEventNotAllowed},
		{name: "no repository", event: "issues", body: `{"action":"opened"}`, code: schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDelivery(tt.event, "d", []byte(tt.body))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tt.code), err.Error())
		})
	}
}

func TestDelivery_CommentText(t *testing.T) {
	d, err := ParseDelivery("issue_comment", "d", []byte(`{
		"action": "created",
		"repository": {"full_name": "a/b"},
		"issue": {"body": "original"},
		"comment": {"body": "@Bot run it"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, schema.EventIssueCommentCreated, d.EventID)
	assert.Equal(t, "@Bot run it", d.Text())
	assert.True(t, d.Mentions("bot"))
	assert.True(t, d.Mentions("@BOT"))
	assert.False(t, d.Mentions("bo"))
	assert.True(t, d.Mentions(""))
}

func TestDelivery_LabelsDeduplicated(t *testing.T) {
	d, err := ParseDelivery("pull_request", "d", []byte(`{
		"action": "labeled",
		"repository": {"full_name": "a/b"},
		"label": {"name": "ready"},
		"pull_request": {"labels": [{"name": "ready"}, {"name": "size/s"}]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ready", "size/s"}, d.Labels())

	env := d.Env()
	assert.Equal(t, schema.EventPullRequestLabeled, env["event"])
	assert.Equal(t, "labeled", env["action"])
	assert.IsType(t, map[string]any{}, env["payload"])
}
