/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysRecursively(t *testing.T) {
	got := canonicalize(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "m": "x"},
	})
	require.Equal(t, `{"a":{"m":"x","z":true},"b":1}`, got)
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	body := map[string]any{
		"result_summary": "ok",
		"artifacts":      []any{map[string]any{"type": "s3", "url": "s3://b/k"}},
		"nested":         map[string]any{"x": 1.5, "a": nil},
	}
	first := canonicalize(body)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, canonicalize(body))
	}
}

func TestCanonicalizeScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, `null`},
		{"string", "hi", `"hi"`},
		{"bool", true, `true`},
		{"int", 42, `42`},
		{"float", 1.25, `1.25`},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"escapes", "a\"b\\c\nd", `"a\"b\\c\nd"`},
		{"empty object", map[string]any{}, `{}`},
		{"empty array", []any{}, `[]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, canonicalize(tc.in))
		})
	}
}

func TestSha256HexLength(t *testing.T) {
	h := sha256Hex("anything")
	require.Len(t, h, 64)
	require.Equal(t, h, sha256Hex("anything"))
	require.NotEqual(t, h, sha256Hex("anything else"))
}

func TestSortedStringsDoesNotMutate(t *testing.T) {
	in := []string{"c", "a", "b"}
	out := sortedStrings(in)
	require.Equal(t, []string{"a", "b", "c"}, out)
	require.Equal(t, []string{"c", "a", "b"}, in)
}
