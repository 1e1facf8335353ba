package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{
		"size_bytes": int64(42),
		"identifier": "bfo.owl",
		"attempts":   3,
		"ok":         true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"attempts":3,"identifier":"bfo.owl","ok":true,"size_bytes":42}`, string(got))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := Marshal("a<b>&c")
	require.NoError(t, err)
	assert.Equal(t, `"a<b>&c"`, string(got))
}

func TestMarshal_LineSeparatorsLiteral(t *testing.T) {
	got, err := Marshal("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))
}

func TestMarshal_EscapedBackslashTextPreserved(t *testing.T) {
	got, err := Marshal(`\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshal_NFCNormalises(t *testing.T) {
	decomposed := "e\u0301" // e + combining acute
	got, err := Marshal(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes to surrogate 0xD83D which sorts before U+FB01 (0xFB01)
	// in UTF-16, while UTF-8 byte order puts it after.
	got, err := Marshal(map[string]any{"\ufb01": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\ufb01\":1}", string(got))
}

func TestMarshal_RejectsNullAndFloat(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"x": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestMarshal_Arrays(t *testing.T) {
	got, err := Marshal(map[string]any{
		"tags": []string{"b", "a"},
		"mix":  []any{"x", 1, false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"mix":["x",1,false],"tags":["b","a"]}`, string(got))
}

func TestMarshalIndent(t *testing.T) {
	got, err := MarshalIndent(map[string]any{"b": 1, "a": map[string]any{"c": "d"}})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": {\n    \"c\": \"d\"\n  },\n  \"b\": 1\n}\n", string(got))
}

func TestHash_DomainSeparated(t *testing.T) {
	v := map[string]any{"id": "bfo.owl"}
	a, err := Hash("cdm/audit/v1", v)
	require.NoError(t, err)
	b, err := Hash("cdm/other/v1", v)
	require.NoError(t, err)
	again, err := Hash("cdm/audit/v1", v)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
	assert.Len(t, a, 64)
}
