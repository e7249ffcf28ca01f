package auth

import (
	"sort"
	"strings"
	"time"
)

// Token holds an OAuth user token together with the scopes it was granted.
// Tokens are owned by the Manager and replaced, never mutated, on refresh
// or re-authorization.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    time.Time // zero when the service did not advertise a lifetime
}

// Sufficient reports whether the token's granted scopes cover every
// required scope.
func (t *Token) Sufficient(required []string) bool {
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// UnionScopes merges two scope lists, deduplicated and sorted.
func UnionScopes(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// JoinScopes renders a scope list as the space-separated form used by the
// authorize URL and the token store.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes parses a space-separated scope string.
func SplitScopes(s string) []string {
	return strings.Fields(s)
}
