package canonical

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"uint64", uint64(18446744073709551615), "18446744073709551615"},
		{"bool", true, "true"},
		{"uint256", uint256.NewInt(35_000), `"35000"`},
		{"max uint256", max, `"` + max.Dec() + `"`},
		{"address", common.HexToAddress("0x000000000000000000000000000000000000dead"), `"0x000000000000000000000000000000000000dEaD"`},
		{"empty array", []any{}, "[]"},
		{"strings", []string{"b", "a"}, `["b","a"]`},
		{"empty object", map[string]any{}, "{}"},
		{"string map", map[string]string{"b": "1", "a": "2"}, `{"a":"2","b":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalNestedSortedKeys(t *testing.T) {
	obj := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": []any{map[string]any{"y": true, "x": false}},
	}
	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":false,"y":true}],"z":{"a":2,"b":1}}`, string(got))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting at 0xD800, below 0xE000.
	obj := map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	}
	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestMarshalEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"html is not escaped", "<a&b>", `"<a&b>"`},
		{"quote and backslash", `say "hi" \`, `"say \"hi\" \\"`},
		{"newline and tab", "a\nb\tc", `"a\nb\tc"`},
		{"control", "\x01", `"\u0001"`},
		{"line separator kept", "a\u2028b", "\"a\u2028b\""},
		{"nfc", "e\u0301", "\"\u00e9\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalRejects(t *testing.T) {
	var nilAmount *uint256.Int
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, "null is forbidden"},
		{"nil amount", nilAmount, "null is forbidden"},
		{"float", 1.5, "floats are forbidden"},
		{"nested float", map[string]any{"a": []any{0.1}}, `value for key "a": array[0]: floats are forbidden`},
		{"struct", struct{}{}, "unsupported type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.input)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDigest(t *testing.T) {
	a, err := Digest(DomainTrace, map[string]any{"x": 1, "y": "2"})
	require.NoError(t, err)
	b, err := Digest(DomainTrace, map[string]any{"y": "2", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order does not change the digest")
	assert.Len(t, a, 64)

	c, err := Digest(DomainScenario, map[string]any{"x": 1, "y": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "domains separate digests")

	_, err = Digest(DomainTrace, 0.5)
	assert.ErrorContains(t, err, "digest strategyharness/trace/v1")
	assert.Panics(t, func() { MustDigest(DomainTrace, nil) })
}
