package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/intake/pkg/schema"
)

// Namespaces available inside ${{...}} references.
const (
	NamespaceAnswers = "answers"
	NamespaceRun     = "run"
	NamespaceSecrets = "secrets"
)

// Scope holds the data available to template resolution.
type Scope struct {
	Answers map[string]any // run answer set
	Run     map[string]any // run metadata: id, mode, workflow_id, section_id
}

// SecretResolver looks up secret values. Satisfied by secrets.Vault.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Interpolator resolves ${{...}} references in effect destinations and headers.
// Two passes: answers/run first, then secrets, so a secret value is never
// itself scanned for references.
type Interpolator struct {
	secrets SecretResolver
}

// NewInterpolator creates an Interpolator. secrets may be nil, in which case
// any ${{secrets.*}} reference fails.
func NewInterpolator(secrets SecretResolver) *Interpolator {
	return &Interpolator{secrets: secrets}
}

// Resolve performs two-pass interpolation on a template string.
func (interp *Interpolator) Resolve(ctx context.Context, tmpl string, scope *Scope) (string, error) {
	if !HasInterpolation(tmpl) {
		return tmpl, nil
	}
	resolved, err := interp.resolvePass(ctx, tmpl, scope, false)
	if err != nil {
		return "", err
	}
	return interp.resolvePass(ctx, resolved, scope, true)
}

// ResolveMap interpolates every value of m, returning a new map.
func (interp *Interpolator) ResolveMap(ctx context.Context, m map[string]string, scope *Scope) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := interp.Resolve(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *Scope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(ref, NamespaceSecrets+".")
		if secretPass != isSecret {
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveRef(ctx, ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(inlineString(val))
		i = end + 2
	}

	return result.String(), nil
}

func (interp *Interpolator) resolveRef(ctx context.Context, ref string, scope *Scope) (any, error) {
	namespace, path, _ := strings.Cut(ref, ".")
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected <namespace>.<key>", ref)
	}

	switch namespace {
	case NamespaceAnswers:
		if scope == nil {
			return nil, nil
		}
		return lookupPath(scope.Answers, path), nil
	case NamespaceRun:
		if scope == nil {
			return nil, nil
		}
		return lookupPath(scope.Run, path), nil
	case NamespaceSecrets:
		if interp.secrets == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot resolve secret %q: no vault configured", path)
		}
		val, err := interp.secrets.Resolve(ctx, path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"failed to resolve secret %q: %s", path, err.Error()).WithCause(err)
		}
		return string(val), nil
	default:
		available := []string{NamespaceAnswers, NamespaceRun, NamespaceSecrets}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
}

// lookupPath returns the value at a dotted path, or nil when any segment is
// absent. A direct key match wins so answer keys containing dots still resolve.
func lookupPath(root map[string]any, path string) any {
	if root == nil {
		return nil
	}
	if v, ok := root[path]; ok {
		return v
	}
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[seg]
	}
	return current
}

// inlineString renders a resolved value for embedding into a string template.
func inlineString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation reports whether s contains any ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// References returns the sorted, de-duplicated references found in s,
// e.g. ["answers.email", "secrets.CRM_TOKEN"].
func References(s string) []string {
	seen := make(map[string]bool)
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
		if ref := strings.TrimSpace(rest[:end]); ref != "" {
			seen[ref] = true
		}
		s = rest[end+2:]
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
