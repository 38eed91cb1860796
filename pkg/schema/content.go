package schema

import (
	"encoding/json"
	"fmt"
)

// ContentType is the closed set of operation kinds a node can carry.
type ContentType string

const (
	ContentAction          ContentType = "action"
	ContentImageGeneration ContentType = "imageGeneration"
	ContentTextGeneration  ContentType = "textGeneration"
	ContentTrigger         ContentType = "trigger"
	ContentQuery           ContentType = "query"
	ContentAppEntry        ContentType = "appEntry"
)

// AllContentTypes lists every valid ContentType.
var AllContentTypes = []ContentType{
	ContentAction,
	ContentImageGeneration,
	ContentTextGeneration,
	ContentTrigger,
	ContentQuery,
	ContentAppEntry,
}

// Valid reports whether t is a member of the closed set.
func (t ContentType) Valid() bool {
	for _, c := range AllContentTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Node is an operation node of a flow.
type Node struct {
	ID      string      `json:"id"`
	Name    string      `json:"name,omitempty"`
	Content NodeContent `json:"content"`
}

// NodeContent is the tagged configuration of a node.
type NodeContent struct {
	Type   ContentType     `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DecodeConfig unmarshals the node configuration into T.
func DecodeConfig[T any](c NodeContent) (T, error) {
	var cfg T
	if len(c.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s config: %w", c.Type, err)
	}
	return cfg, nil
}

// TextGenerationConfig configures a textGeneration node.
type TextGenerationConfig struct {
	Model       string   `json:"model"`
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	OutputID    string   `json:"outputId,omitempty"`
}

// ImageGenerationConfig configures an imageGeneration node.
type ImageGenerationConfig struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Size     string `json:"size,omitempty"`
	Count    int    `json:"count,omitempty"`
	OutputID string `json:"outputId,omitempty"`
}

// ActionConfig configures an action node.
type ActionConfig struct {
	Command     string         `json:"command"`
	Repository  string         `json:"repository,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	TokenSecret string         `json:"tokenSecret,omitempty"`
	OutputID    string         `json:"outputId,omitempty"`
}

// OutputMapping maps a gjson path of the trigger payload to a node output.
type OutputMapping struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

// TriggerNodeConfig configures a trigger node.
type TriggerNodeConfig struct {
	Outputs []OutputMapping `json:"outputs,omitempty"`
}

// Query engines.
const (
	QueryEngineJQ   = "jq"
	QueryEngineExpr = "expr"
)

// QueryConfig configures a query node.
type QueryConfig struct {
	Engine   string `json:"engine,omitempty"`
	Query    string `json:"query"`
	OutputID string `json:"outputId,omitempty"`
}
