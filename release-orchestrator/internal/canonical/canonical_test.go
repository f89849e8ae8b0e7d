package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": []any{"x", true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",true,null],"b":1}`, string(out))
}

func TestMarshalStructUsesTags(t *testing.T) {
	type entry struct {
		Zeta  string          `json:"zeta"`
		Alpha int             `json:"alpha"`
		Raw   json.RawMessage `json:"raw"`
	}
	out, err := Marshal(entry{Zeta: "z", Alpha: 2, Raw: json.RawMessage(`{"y":1,"x":2}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"raw":{"x":2,"y":1},"zeta":"z"}`, string(out))
}

func TestNormalizePreservesNumbers(t *testing.T) {
	out, err := Normalize([]byte(`{"pct": 12.50, "n": 10000000000000001}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":10000000000000001,"pct":12.50}`, string(out))

	empty, err := Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))
}
