package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/intake/internal/httpclient"
	"github.com/rendis/intake/pkg/schema"
)

// HelperVersion is recorded with each execution so logs can be matched to
// the helper surface a script saw.
const HelperVersion = "1"

// HelperFunc is one injected helper. Args and results are plain JSON values.
type HelperFunc func(ctx context.Context, args []any) (any, error)

// Library is the fixed set of helper namespaces scripts may call. It is the
// only capability surface a script has.
type Library struct {
	namespaces map[string]map[string]HelperFunc
	now        func() time.Time
}

// NewLibrary builds the standard helper library. The http namespace is only
// registered when client is non-nil.
func NewLibrary(client *httpclient.Client) *Library {
	l := &Library{
		namespaces: map[string]map[string]HelperFunc{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	l.registerDate()
	l.registerString()
	l.registerNumber()
	l.registerArray()
	l.registerObject()
	l.registerMath()
	if client != nil {
		l.registerHTTP(client)
	}
	return l
}

// Register adds or replaces a helper.
func (l *Library) Register(ns, name string, fn HelperFunc) {
	if l.namespaces[ns] == nil {
		l.namespaces[ns] = map[string]HelperFunc{}
	}
	l.namespaces[ns][name] = fn
}

// Namespaces returns the registered namespace names, sorted.
func (l *Library) Namespaces() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.namespaces))
	for ns := range l.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Functions returns the helper names in ns, sorted.
func (l *Library) Functions(ns string) []string {
	out := make([]string, 0, len(l.namespaces[ns]))
	for name := range l.namespaces[ns] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call invokes ns.name with args.
func (l *Library) Call(ctx context.Context, ns, name string, args []any) (any, error) {
	if l == nil {
		return nil, fmt.Errorf("helper %s.%s is not available", ns, name)
	}
	fn, ok := l.namespaces[ns][name]
	if !ok {
		return nil, fmt.Errorf("helper %s.%s is not available", ns, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, args)
}

// --- date ---

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly}

func parseTime(s string) (time.Time, bool, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout == time.DateOnly, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized date %q", s)
}

func formatTime(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}

func (l *Library) registerDate() {
	l.Register("date", "now", func(_ context.Context, _ []any) (any, error) {
		return l.now().Format(time.RFC3339), nil
	})
	l.Register("date", "parse", func(_ context.Context, args []any) (any, error) {
		t, dateOnly, err := parseTime(argString(args, 0))
		if err != nil {
			return nil, err
		}
		return formatTime(t, dateOnly), nil
	})
	l.Register("date", "format", func(_ context.Context, args []any) (any, error) {
		t, _, err := parseTime(argString(args, 0))
		if err != nil {
			return nil, err
		}
		switch layout := argString(args, 1); layout {
		case "", "datetime":
			return t.Format(time.RFC3339), nil
		case "date":
			return t.Format(time.DateOnly), nil
		case "time":
			return t.Format(time.TimeOnly), nil
		default:
			return t.Format(layout), nil
		}
	})
	l.Register("date", "addDays", func(_ context.Context, args []any) (any, error) {
		t, dateOnly, err := parseTime(argString(args, 0))
		if err != nil {
			return nil, err
		}
		return formatTime(t.AddDate(0, 0, int(argFloat(args, 1))), dateOnly), nil
	})
	l.Register("date", "diffDays", func(_ context.Context, args []any) (any, error) {
		a, _, err := parseTime(argString(args, 0))
		if err != nil {
			return nil, err
		}
		b, _, err := parseTime(argString(args, 1))
		if err != nil {
			return nil, err
		}
		return math.Floor(b.Sub(a).Hours() / 24), nil
	})
}

// --- string ---

func (l *Library) registerString() {
	l.Register("string", "upper", func(_ context.Context, args []any) (any, error) {
		return strings.ToUpper(argString(args, 0)), nil
	})
	l.Register("string", "lower", func(_ context.Context, args []any) (any, error) {
		return strings.ToLower(argString(args, 0)), nil
	})
	l.Register("string", "trim", func(_ context.Context, args []any) (any, error) {
		return strings.TrimSpace(argString(args, 0)), nil
	})
	l.Register("string", "split", func(_ context.Context, args []any) (any, error) {
		parts := strings.Split(argString(args, 0), argString(args, 1))
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	})
	l.Register("string", "replace", func(_ context.Context, args []any) (any, error) {
		return strings.ReplaceAll(argString(args, 0), argString(args, 1), argString(args, 2)), nil
	})
	l.Register("string", "includes", func(_ context.Context, args []any) (any, error) {
		return strings.Contains(argString(args, 0), argString(args, 1)), nil
	})
	l.Register("string", "truncate", func(_ context.Context, args []any) (any, error) {
		s := argString(args, 0)
		n := int(argFloat(args, 1))
		if n < 0 || utf8.RuneCountInString(s) <= n {
			return s, nil
		}
		return string([]rune(s)[:n]), nil
	})
}

// --- number ---

func roundTo(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}

func (l *Library) registerNumber() {
	l.Register("number", "round", func(_ context.Context, args []any) (any, error) {
		return roundTo(argFloat(args, 0), int(argFloat(args, 1))), nil
	})
	l.Register("number", "parse", func(_ context.Context, args []any) (any, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(argString(args, 0)), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", argString(args, 0))
		}
		return f, nil
	})
	l.Register("number", "format", func(_ context.Context, args []any) (any, error) {
		digits := -1
		if len(args) > 1 {
			digits = int(argFloat(args, 1))
		}
		return strconv.FormatFloat(argFloat(args, 0), 'f', digits, 64), nil
	})
	l.Register("number", "clamp", func(_ context.Context, args []any) (any, error) {
		return math.Min(math.Max(argFloat(args, 0), argFloat(args, 1)), argFloat(args, 2)), nil
	})
}

// --- array ---

func (l *Library) registerArray() {
	l.Register("array", "sum", func(_ context.Context, args []any) (any, error) {
		var total float64
		for _, v := range argSlice(args, 0) {
			f, _ := toFloat(v)
			total += f
		}
		return total, nil
	})
	l.Register("array", "unique", func(_ context.Context, args []any) (any, error) {
		seen := map[string]bool{}
		out := []any{}
		for _, v := range argSlice(args, 0) {
			k := mustJSON(v)
			if !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
		return out, nil
	})
	l.Register("array", "compact", func(_ context.Context, args []any) (any, error) {
		out := []any{}
		for _, v := range argSlice(args, 0) {
			if v == nil || v == "" {
				continue
			}
			out = append(out, v)
		}
		return out, nil
	})
	l.Register("array", "join", func(_ context.Context, args []any) (any, error) {
		items := argSlice(args, 0)
		parts := make([]string, len(items))
		for i, v := range items {
			parts[i] = stringify(v)
		}
		return strings.Join(parts, argString(args, 1)), nil
	})
}

// --- object ---

func (l *Library) registerObject() {
	l.Register("object", "keys", func(_ context.Context, args []any) (any, error) {
		keys := sortedKeys(argMap(args, 0))
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	})
	l.Register("object", "values", func(_ context.Context, args []any) (any, error) {
		m := argMap(args, 0)
		out := []any{}
		for _, k := range sortedKeys(m) {
			out = append(out, m[k])
		}
		return out, nil
	})
	l.Register("object", "pick", func(_ context.Context, args []any) (any, error) {
		m := argMap(args, 0)
		out := map[string]any{}
		for _, k := range argSlice(args, 1) {
			key := stringify(k)
			if v, ok := m[key]; ok {
				out[key] = v
			}
		}
		return out, nil
	})
	l.Register("object", "omit", func(_ context.Context, args []any) (any, error) {
		out := map[string]any{}
		for k, v := range argMap(args, 0) {
			out[k] = v
		}
		for _, k := range argSlice(args, 1) {
			delete(out, stringify(k))
		}
		return out, nil
	})
	l.Register("object", "merge", func(_ context.Context, args []any) (any, error) {
		out := map[string]any{}
		for i := range args {
			for k, v := range argMap(args, i) {
				out[k] = v
			}
		}
		return out, nil
	})
}

// --- math ---

func (l *Library) registerMath() {
	unary := map[string]func(float64) float64{
		"floor": math.Floor,
		"ceil":  math.Ceil,
		"abs":   math.Abs,
		"round": math.Round,
	}
	for name, fn := range unary {
		l.Register("math", name, func(_ context.Context, args []any) (any, error) {
			return fn(argFloat(args, 0)), nil
		})
	}
	l.Register("math", "random", func(_ context.Context, _ []any) (any, error) {
		return rand.Float64(), nil
	})
	l.Register("math", "min", func(_ context.Context, args []any) (any, error) {
		return fold(args, math.Min)
	})
	l.Register("math", "max", func(_ context.Context, args []any) (any, error) {
		return fold(args, math.Max)
	})
}

func fold(args []any, fn func(a, b float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one argument required")
	}
	acc := argFloat(args, 0)
	for i := 1; i < len(args); i++ {
		acc = fn(acc, argFloat(args, i))
	}
	return acc, nil
}

// --- http ---

func (l *Library) registerHTTP(client *httpclient.Client) {
	call := func(ctx context.Context, method, url string, body any, headers map[string]any) (any, error) {
		hdrs := make(map[string]string, len(headers))
		for k, v := range headers {
			hdrs[k] = stringify(v)
		}
		resp, err := client.Do(ctx, httpclient.Request{Method: method, URL: url, Body: body, Headers: hdrs})
		if err != nil {
			var ie *schema.IntakeError
			if errors.As(err, &ie) {
				return nil, errors.New(ie.Message)
			}
			return nil, err
		}
		return resp.ToMap(), nil
	}
	l.Register("http", "get", func(ctx context.Context, args []any) (any, error) {
		return call(ctx, "GET", argString(args, 0), nil, argMap(args, 1))
	})
	l.Register("http", "post", func(ctx context.Context, args []any) (any, error) {
		var body any
		if len(args) > 1 {
			body = args[1]
		}
		return call(ctx, "POST", argString(args, 0), body, argMap(args, 2))
	})
}

// --- argument coercion ---

func argString(args []any, i int) string {
	if i >= len(args) || args[i] == nil {
		return ""
	}
	return stringify(args[i])
}

func argFloat(args []any, i int) float64 {
	if i >= len(args) {
		return 0
	}
	f, _ := toFloat(args[i])
	return f
}

func argSlice(args []any, i int) []any {
	if i >= len(args) {
		return nil
	}
	switch v := args[i].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for j, s := range v {
			out[j] = s
		}
		return out
	}
	return nil
}

func argMap(args []any, i int) map[string]any {
	if i >= len(args) {
		return nil
	}
	m, _ := args[i].(map[string]any)
	return m
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	}
	return formatArg(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
