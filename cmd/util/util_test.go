package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKeyValues(t *testing.T) {
	got, err := ParseKeyValues([]string{"province=ON", " income = 42000 ", "formula=a=b", "empty="})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"province": "ON",
		"income":   "42000",
		"formula":  "a=b",
		"empty":    "",
	}, got)

	_, err = ParseKeyValues([]string{"novalue"})
	require.EqualError(t, err, `"novalue" is not a key=value pair`)

	_, err = ParseKeyValues([]string{"=x"})
	require.Error(t, err)
}
