package streamjson_test

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"agentrt/streamjson"
)

func TestHealsTruncatedObject(t *testing.T) {
	v, err := streamjson.Parse(`{"a":2,"b":2`)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(v, &decoded))
	require.Equal(t, float64(2), decoded["a"])
	require.Equal(t, float64(2), decoded["b"])
}

func TestHealsTruncatedStringAndArray(t *testing.T) {
	v, err := streamjson.Parse(`{"items":["a","b`)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(v, &decoded))
	items := decoded["items"].([]any)
	require.Equal(t, []any{"a", "b"}, items)
}

func TestDiscardsTrailingComma(t *testing.T) {
	v, err := streamjson.Parse(`{"a":1,`)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(v, &decoded))
	require.Equal(t, float64(1), decoded["a"])
}

func TestValidJSONPassesThroughUnchanged(t *testing.T) {
	v, err := streamjson.Parse(`{"a":1}`)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(v, &decoded))
	require.Equal(t, float64(1), decoded["a"])
}

func TestEmptyTextYieldsNil(t *testing.T) {
	v, err := streamjson.Parse("")
	require.NoError(t, err)
	require.Nil(t, v)
}

// Feeds every prefix of a complete JSON value to Parse. Not every prefix
// heals: one that ends inside an object key or right after its colon
// (`{"a"`, `{"a":`) returns an error. This test checks only that no prefix
// panics; prefixes that do not heal are logged.
func TestSoundnessOverPrefixes(t *testing.T) {
	full := `{"a":2,"b":[1,2,3],"c":"hello"}`
	for i := 1; i <= len(full); i++ {
		prefix := full[:i]
		_, err := streamjson.Parse(prefix)
		// No equality to the full value is asserted (most prefixes are
		// only a part of it), and Parse never returns invalid JSON
		// without an error.
		if err != nil {
			t.Logf("prefix %q did not heal to valid JSON: %v", prefix, err)
		}
	}
}
