package events

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fernhill/crmhooks/internal/models"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ApplyTemplate renders a subscription payload template against the
// canonical payload. Every {{dotted.path}} token inside string values is
// replaced by the value at that path in the payload's JSON view; paths that
// do not resolve become the empty string. Non-string template values pass
// through untouched.
func ApplyTemplate(template json.RawMessage, payload *models.WebhookPayload) (json.RawMessage, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var view map[string]any
	if err := json.Unmarshal(canonical, &view); err != nil {
		return nil, fmt.Errorf("payload view: %w", err)
	}

	var node any
	if err := json.Unmarshal(template, &node); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	out, err := json.Marshal(resolveNode(node, view))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func resolveNode(node any, view map[string]any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = resolveNode(child, view)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = resolveNode(child, view)
		}
		return out
	case string:
		return tokenPattern.ReplaceAllStringFunc(v, func(token string) string {
			path := tokenPattern.FindStringSubmatch(token)[1]
			value, ok := lookupPath(view, path)
			if !ok || value == nil {
				return ""
			}
			return stringify(value)
		})
	default:
		return node
	}
}

func lookupPath(view map[string]any, path string) (any, bool) {
	current := any(view)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}
