// Package auth resolves API bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the API. jobs:rw implies jobs:ro.
const (
	ScopeAll        = "*"
	ScopeJobsRead   = "jobs:ro"
	ScopeJobsWrite  = "jobs:rw"
	ScopeEventsRead = "events:ro"
)

// AdminName is the principal name of the legacy api_key.
const AdminName = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes. Name is what the
// principal is recorded as; it defaults to token-<index>.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement always
// passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

type entry struct {
	digest    [32]byte
	principal Principal
}

// Keyring holds digests of the configured tokens, never the tokens
// themselves. Every lookup compares against every entry.
type Keyring struct {
	entries []entry
}

func NewKeyring(adminKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.add(adminKey, Principal{Name: AdminName, scopes: map[string]struct{}{ScopeAll: {}}})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		k.add(t.Token, Principal{Name: name, scopes: scopeSet(t.Scopes)})
	}
	return k
}

func (k *Keyring) add(token string, p Principal) {
	k.entries = append(k.entries, entry{digest: blake3.Sum256([]byte(token)), principal: p})
}

// Lookup finds the principal for a presented token.
func (k *Keyring) Lookup(token string) (Principal, bool) {
	if token == "" {
		return Principal{}, false
	}
	d := blake3.Sum256([]byte(token))
	var (
		found Principal
		ok    bool
	)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(d[:], e.digest[:]) == 1 && !ok {
			found, ok = e.principal, true
		}
	}
	return found, ok
}

// Authenticate reads the Authorization header of r.
func (k *Keyring) Authenticate(r *http.Request) (Principal, error) {
	token, err := BearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	p, ok := k.Lookup(token)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func scopeSet(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes)+1)
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	if _, ok := out[ScopeJobsWrite]; ok {
		out[ScopeJobsRead] = struct{}{}
	}
	return out
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
