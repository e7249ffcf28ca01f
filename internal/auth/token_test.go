package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken_Sufficient(t *testing.T) {
	token := &Token{Scopes: []string{"user:read:chat", "user:bot", "channel:bot"}}

	assert.True(t, token.Sufficient(nil))
	assert.True(t, token.Sufficient([]string{"user:read:chat"}))
	assert.True(t, token.Sufficient([]string{"user:read:chat", "channel:bot"}))
	assert.False(t, token.Sufficient([]string{"moderator:read:followers"}))
	assert.False(t, token.Sufficient([]string{"user:read:chat", "moderator:read:followers"}))
}

func TestToken_Sufficient_SubsetProperty(t *testing.T) {
	// A token sufficient for the larger set is sufficient for any subset.
	s2 := []string{"user:read:chat", "user:bot", "moderator:read:followers"}
	s1 := []string{"user:read:chat", "user:bot"}

	token := &Token{Scopes: s2}
	assert.True(t, token.Sufficient(s2))
	assert.True(t, token.Sufficient(s1))
}

func TestUnionScopes(t *testing.T) {
	union := UnionScopes([]string{"b", "a"}, []string{"a", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, union)

	assert.Empty(t, UnionScopes(nil, nil))
	assert.Equal(t, []string{"x"}, UnionScopes([]string{"x"}, nil))
}

func TestSplitJoinScopes(t *testing.T) {
	scopes := SplitScopes("user:read:chat user:bot")
	assert.Equal(t, []string{"user:read:chat", "user:bot"}, scopes)
	assert.Equal(t, "user:read:chat user:bot", JoinScopes(scopes))
	assert.Empty(t, SplitScopes(""))
}
