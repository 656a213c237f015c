package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilterEmptyMatchesAll(t *testing.T) {
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("accounts"))
	assert.True(t, filter.Match(""))
}

func TestGlobFilterPatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"accounts", "master_*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("accounts"))
	assert.True(t, filter.Match("master_hosts"))
	assert.True(t, filter.Match("master_users"))
	assert.False(t, filter.Match("account_profiles"))
	assert.False(t, filter.Match("tickets"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"master_["})
	assert.ErrorContains(t, err, "invalid table pattern")
}
