package webhook

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rendis/actrun/pkg/schema"
)

// Delivery headers.
const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"
)

// Delivery is one inbound GitHub event.
type Delivery struct {
	ID             string          `json:"id,omitempty"`
	Event          string          `json:"event"`
	Action         string          `json:"action,omitempty"`
	EventID        string          `json:"eventId"`
	Repository     string          `json:"repository"`
	InstallationID int64           `json:"installationId,omitempty"`
	Payload        json.RawMessage `json:"-"`
}

// ParseDelivery reads the fields triggers are matched on. Events outside
// the allow-list return EVENT_NOT_ALLOWED.
func ParseDelivery(event, deliveryID string, body []byte) (*Delivery, error) {
	if !gjson.ValidBytes(body) {
		return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
	}
	action := gjson.GetBytes(body, "action").String()
	eventID, ok := schema.GitHubEventID(event, action)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEventNotAllowed, "event %s/%s is not handled", event, action).
			WithDetails(map[string]any{"event": event, "action": action})
	}
	repo := gjson.GetBytes(body, "repository.full_name").String()
	if repo == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "payload has no repository.full_name")
	}
	return &Delivery{
		ID:             deliveryID,
		Event:          event,
		Action:         action,
		EventID:        eventID,
		Repository:     repo,
		InstallationID: gjson.GetBytes(body, "installation.id").Int(),
		Payload:        json.RawMessage(body),
	}, nil
}

// Text returns the comment or item body the delivery is about.
func (d *Delivery) Text() string {
	for _, path := range []string{"comment.body", "issue.body", "pull_request.body", "discussion.body"} {
		if r := gjson.GetBytes(d.Payload, path); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// Labels returns the label that was just applied and the labels on the
// issue, pull request or discussion.
func (d *Delivery) Labels() []string {
	var labels []string
	if name := gjson.GetBytes(d.Payload, "label.name").String(); name != "" {
		labels = append(labels, name)
	}
	for _, path := range []string{"issue.labels.#.name", "pull_request.labels.#.name", "discussion.labels.#.name"} {
		for _, r := range gjson.GetBytes(d.Payload, path).Array() {
			if !slices.Contains(labels, r.String()) {
				labels = append(labels, r.String())
			}
		}
	}
	return labels
}

// Mentions reports whether the delivery text mentions @callsign.
func (d *Delivery) Mentions(callsign string) bool {
	callsign = strings.TrimPrefix(callsign, "@")
	if callsign == "" {
		return true
	}
	text := strings.ToLower(d.Text())
	needle := "@" + strings.ToLower(callsign)
	for {
		i := strings.Index(text, needle)
		if i < 0 {
			return false
		}
		end := i + len(needle)
		if end == len(text) || !isHandleChar(text[end]) {
			return true
		}
		text = text[end:]
	}
}

func isHandleChar(c byte) bool {
	return c == '-' || c == '_' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// Env is the data a trigger condition is evaluated against.
func (d *Delivery) Env() map[string]any {
	var payload any
	_ = json.Unmarshal(d.Payload, &payload)
	return map[string]any{
		"event":      d.EventID,
		"action":     d.Action,
		"repository": d.Repository,
		"labels":     d.Labels(),
		"text":       d.Text(),
		"payload":    payload,
	}
}
