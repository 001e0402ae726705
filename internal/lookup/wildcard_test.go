package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWildcardToRegexp(t *testing.T) {
	assert.Equal(t, "a.*b.c", WildcardToRegexp("a*b?c"))
	assert.Equal(t, "\\.", WildcardToRegexp("."))
	assert.Equal(t, "CT.*", WildcardToRegexp("CT*"))
}

func TestMatcherSemantics(t *testing.T) {
	star, err := NewMatcher("*")
	require.NoError(t, err)
	assert.True(t, star.Match(""), "`*` matches the empty string")
	assert.True(t, star.Match("anything"))

	question, err := NewMatcher("?")
	require.NoError(t, err)
	assert.False(t, question.Match(""), "`?` does not match the empty string")
	assert.True(t, question.Match("x"))

	// Case-insensitive and anchored.
	m, err := NewMatcher("doe^*")
	require.NoError(t, err)
	assert.True(t, m.Match("DOE^JOHN"))
	assert.False(t, m.Match("MCDOE^JOHN"))

	literal, err := NewMatcher("1.2.3")
	require.NoError(t, err)
	assert.True(t, literal.Match("1.2.3"))
	assert.False(t, literal.Match("1x2x3"), "dots must not act as regex metacharacters")

	assert.False(t, HasWildcard("1.2.3"))
	assert.True(t, HasWildcard("1.2.*"))
}
