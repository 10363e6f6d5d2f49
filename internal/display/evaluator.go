// Package display renders human-readable labels for tasks and objects.
package display

import (
	"fmt"
	"strconv"
	"strings"
)

// Evaluator renders a template against a set of named object views. It is
// used for labels only and never for control decisions.
type Evaluator interface {
	Evaluate(template string, bindings map[string]map[string]any) (string, error)
}

// TemplateEvaluator substitutes ${Object.path} placeholders. The first path
// segment names a bound object view, the rest navigates nested maps and
// list indexes (Order.lines.0.sku). Unresolved placeholders render empty.
// A literal "$" is written as "$$".
type TemplateEvaluator struct{}

// NewTemplateEvaluator creates a TemplateEvaluator.
func NewTemplateEvaluator() *TemplateEvaluator {
	return &TemplateEvaluator{}
}

// Evaluate implements Evaluator.
func (e *TemplateEvaluator) Evaluate(template string, bindings map[string]map[string]any) (string, error) {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(template) && template[i+1] == '$' {
			b.WriteByte('$')
			i++
			continue
		}
		if i+1 >= len(template) || template[i+1] != '{' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(template[i+2:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder at offset %d", i)
		}
		expr := strings.TrimSpace(template[i+2 : i+2+end])
		if expr == "" {
			return "", fmt.Errorf("empty placeholder at offset %d", i)
		}
		b.WriteString(format(resolve(bindings, expr)))
		i += 2 + end
	}
	return b.String(), nil
}

func resolve(bindings map[string]map[string]any, expr string) any {
	name, path, _ := strings.Cut(expr, ".")
	view, ok := bindings[name]
	if !ok {
		return nil
	}
	if path == "" {
		return nil
	}
	return navigatePath(view, path)
}

// navigatePath navigates a dot-separated path through nested maps and
// indexed lists.
func navigatePath(data map[string]any, path string) any {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

func format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
