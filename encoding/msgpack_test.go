package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministic(t *testing.T) {
	v := map[string]interface{}{"tbl": "accounts", "node": 7, "servers": []int32{1, 2}}

	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnmarshalKeepsStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"user": "acme"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))
	assert.IsType(t, "", out["user"])
	assert.Equal(t, "acme", out["user"])
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out map[string]interface{}
	assert.Error(t, Unmarshal([]byte{0xc1}, &out))
}
