package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVersion(t *testing.T) {
	for _, v := range Versions() {
		got, ok := ParseVersion(v.String())
		assert.True(t, ok, v.String())
		assert.Equal(t, v, got)
	}

	_, ok := ParseVersion("0.9")
	assert.False(t, ok)
	assert.Equal(t, "1.86.0", Current.String())
}

func TestVersionsAreOrdered(t *testing.T) {
	vs := Versions()
	for i := 1; i < len(vs); i++ {
		assert.Less(t, vs[i-1], vs[i])
	}
	assert.Equal(t, Current, vs[len(vs)-1])
	assert.False(t, Version(-1).Valid())
	assert.False(t, (Current + 1).Valid())
}

func TestRangeContains(t *testing.T) {
	tests := []struct {
		name string
		rg   Range
		in   []Version
		out  []Version
	}{
		{"always", Always, []Version{Version1_0A100, Current}, nil},
		{"since", Since(Version1_30), []Version{Version1_30, Current}, []Version{Version1_0A130}},
		{"until", Until(Version1_0A102), []Version{Version1_0A100, Version1_0A101}, []Version{Version1_0A102, Current}},
		{"between", Between(Version1_0A104, Version1_44), []Version{Version1_0A104, Version1_30}, []Version{Version1_0A102, Version1_44}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range tt.in {
				assert.True(t, tt.rg.Contains(v), "%s should contain %s", tt.rg, v)
			}
			for _, v := range tt.out {
				assert.False(t, tt.rg.Contains(v), "%s should not contain %s", tt.rg, v)
			}
		})
	}
}
