// Package identity maps API credentials to run creators.
package identity

import (
	"context"
	"crypto/subtle"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/intake/pkg/schema"
)

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

// ValidateSubject checks the ID a token resolves to.
func ValidateSubject(subject string) error {
	if !subjectPattern.MatchString(subject) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid subject %q: must be 1-128 letters, digits, '_', '.', '@' or '-'", subject)
	}
	return nil
}

// ValidateCreator checks required fields on a Creator.
func ValidateCreator(c schema.Creator) error {
	switch c.Kind {
	case schema.CreatorAnonymous:
		if c.ID != "" {
			return schema.NewError(schema.ErrCodeValidation, "anonymous creator cannot carry an id")
		}
		return nil
	case schema.CreatorUser:
		return ValidateSubject(c.ID)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid creator kind %q: must be one of user, anonymous", c.Kind)
	}
}

// Anonymous is the creator of runs started without credentials.
func Anonymous() schema.Creator {
	return schema.Creator{Kind: schema.CreatorAnonymous}
}

type tokenEntry struct {
	subject string
	token   []byte
}

// Directory resolves bearer tokens to user creators.
type Directory struct {
	entries []tokenEntry
}

// NewDirectory builds a Directory from subject -> token pairs.
func NewDirectory(tokens map[string]string) (*Directory, error) {
	d := &Directory{}
	seen := make(map[string]string, len(tokens))
	for subject, token := range tokens {
		if err := ValidateSubject(subject); err != nil {
			return nil, err
		}
		if token == "" || strings.TrimSpace(token) != token {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "token for %q is empty or has surrounding whitespace", subject)
		}
		if other, dup := seen[token]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "subjects %q and %q share a token", other, subject)
		}
		seen[token] = subject
		d.entries = append(d.entries, tokenEntry{subject: subject, token: []byte(token)})
	}
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].subject < d.entries[j].subject })
	return d, nil
}

// Empty reports whether no tokens are configured.
func (d *Directory) Empty() bool {
	return d == nil || len(d.entries) == 0
}

// Subjects lists the configured subjects in sorted order.
func (d *Directory) Subjects() []string {
	out := make([]string, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.subject
	}
	return out
}

// Authenticate resolves an Authorization header value. Only the exact form
// "Bearer <token>" is accepted: a different scheme casing, extra spaces or
// trailing whitespace are rejected.
func (d *Directory) Authenticate(header string) (schema.Creator, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || strings.TrimSpace(token) != token {
		return schema.Creator{}, schema.NewError(schema.ErrCodeUnauthorized, "missing or malformed bearer token")
	}
	var match string
	for _, e := range d.entries {
		if subtle.ConstantTimeCompare([]byte(token), e.token) == 1 {
			match = e.subject
		}
	}
	if match == "" {
		return schema.Creator{}, schema.NewError(schema.ErrCodeUnauthorized, "unknown token")
	}
	return schema.Creator{Kind: schema.CreatorUser, ID: match}, nil
}

type ctxKey struct{}

// WithCreator returns a context carrying the authenticated creator.
func WithCreator(ctx context.Context, c schema.Creator) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CreatorFrom returns the creator stored in ctx, or Anonymous.
func CreatorFrom(ctx context.Context) schema.Creator {
	if c, ok := ctx.Value(ctxKey{}).(schema.Creator); ok {
		return c
	}
	return Anonymous()
}
