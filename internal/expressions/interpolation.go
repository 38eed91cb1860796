package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/actrun/pkg/schema"
)

// SecretResolver looks up a secret by key.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Interpolator resolves ${{...}} references in prompts and action parameters.
// Substituted values are never re-scanned, so a value containing ${{...}}
// (an issue body, say) cannot pull in secrets.
type Interpolator struct {
	secrets SecretResolver
}

// NewInterpolator creates an Interpolator. secrets may be nil, in which case
// any secrets.* reference fails.
func NewInterpolator(secrets SecretResolver) *Interpolator {
	return &Interpolator{secrets: secrets}
}

// ResolveString interpolates a text template. Non-string values are
// rendered as JSON.
func (in *Interpolator) ResolveString(ctx context.Context, tmpl string, scope *Scope) (string, error) {
	if !strings.Contains(tmpl, "${{") {
		return tmpl, nil
	}
	return in.scan(ctx, tmpl, scope)
}

// ResolveValue walks a decoded JSON value and interpolates every string in
// it. A string that is exactly one reference is replaced by the referenced
// value with its type preserved.
func (in *Interpolator) ResolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if expr, ok := soleReference(val); ok {
			return in.resolve(ctx, expr, scope)
		}
		return in.ResolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := in.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := in.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap is ResolveValue for parameter maps.
func (in *Interpolator) ResolveMap(ctx context.Context, m map[string]any, scope *Scope) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := in.ResolveValue(ctx, m, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func soleReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[3 : len(t)-2]
	if strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func (in *Interpolator) scan(ctx context.Context, input string, scope *Scope) (string, error) {
	var b strings.Builder
	b.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			b.WriteString(input[i:])
			break
		}
		b.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation, "nested interpolation not allowed")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference")
		}

		val, err := in.resolve(ctx, expr, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(renderInline(val))
		i = end + 2
	}
	return b.String(), nil
}

func (in *Interpolator) resolve(ctx context.Context, expr string, scope *Scope) (any, error) {
	if strings.HasPrefix(expr, "secrets.") {
		return in.resolveSecret(ctx, expr)
	}
	if scope == nil {
		scope = &Scope{}
	}
	return in.lookup(expr, scope)
}

var namespaces = []string{"sources", "inputs", "act", "trigger", "secrets"}

func (in *Interpolator) lookup(expr string, scope *Scope) (any, error) {
	ns, path, _ := strings.Cut(expr, ".")
	var root map[string]any
	switch ns {
	case "sources":
		root = scope.Sources
	case "inputs":
		root = scope.Inputs
	case "act":
		root = scope.Act
	case "trigger":
		root = scope.Trigger
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", ns, expr, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": namespaces})
	}
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected %s.<field>", expr, ns)
	}
	if root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, ns)
	}
	// Direct hit first so keys containing dots stay addressable.
	if v, ok := root[path]; ok {
		return v, nil
	}
	return traversePath(root, path, expr)
}

func (in *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	_, key, _ := strings.Cut(expr, ".")
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr)
	}
	if in.secrets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key)
	}
	val, err := in.secrets.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return string(val), nil
}

// traversePath navigates nested maps and slices along a dotted path.
// Numeric segments index into slices.
func traversePath(root any, path, expr string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := sortedKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": keys})
			}
			current = val
		case []any:
			var n int
			if _, err := fmt.Sscanf(seg, "%d", &n); err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in %q (len %d)", seg, expr, len(v))
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into %T at %q in %q", current, seg, expr)
		}
	}
	return current, nil
}

func renderInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeJSON(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// HasInterpolation reports whether s contains a ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// References returns the distinct namespace.path references found in s.
func References(s string) []string {
	var refs []string
	seen := map[string]bool{}
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			break
		}
		ref := strings.TrimSpace(rest[:end])
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
		s = rest[end+2:]
	}
	return refs
}
