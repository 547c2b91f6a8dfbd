// Package test holds the behaviour every persist.Storage implementation must share.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/panic80/G7GovAI-sub001/pkg/persist"
)

func RunAllTests(t *testing.T, s persist.Storage) {
	t.Run("LoadMissing", func(t *testing.T) { LoadMissingTest(t, s) })
	t.Run("SaveAndLoad", func(t *testing.T) { SaveAndLoadTest(t, s) })
	t.Run("SaveOverwrites", func(t *testing.T) { SaveOverwritesTest(t, s) })
	t.Run("ScopesAreIsolated", func(t *testing.T) { ScopesAreIsolatedTest(t, s) })
	t.Run("Delete", func(t *testing.T) { DeleteTest(t, s) })
}

func LoadMissingTest(t *testing.T, s persist.Storage) {
	_, err := s.Load(context.Background(), "missing-scope", "rules")
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func SaveAndLoadTest(t *testing.T, s persist.Storage) {
	ctx := context.Background()
	doc := []byte(`{"input":{"query":"EI eligibility"},"history":[]}`)

	require.NoError(t, s.Save(ctx, "save-and-load", "rules", doc))

	got, err := s.Load(ctx, "save-and-load", "rules")
	require.NoError(t, err)
	require.JSONEq(t, string(doc), string(got))
}

func SaveOverwritesTest(t *testing.T, s persist.Storage) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "overwrite", "search", []byte(`{"active_tab":"results"}`)))
	require.NoError(t, s.Save(ctx, "overwrite", "search", []byte(`{"active_tab":"history"}`)))

	got, err := s.Load(ctx, "overwrite", "search")
	require.NoError(t, err)
	require.JSONEq(t, `{"active_tab":"history"}`, string(got))

	names, err := s.Names(ctx, "overwrite")
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, names)
}

func ScopesAreIsolatedTest(t *testing.T, s persist.Storage) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "scope-a", "optimize", []byte(`{"a":1}`)))
	require.NoError(t, s.Save(ctx, "scope-a", "intake", []byte(`{"a":2}`)))
	require.NoError(t, s.Save(ctx, "scope-b", "optimize", []byte(`{"b":1}`)))

	got, err := s.Load(ctx, "scope-b", "optimize")
	require.NoError(t, err)
	require.JSONEq(t, `{"b":1}`, string(got))

	names, err := s.Names(ctx, "scope-a")
	require.NoError(t, err)
	require.Equal(t, []string{"intake", "optimize"}, names)

	_, err = s.Load(ctx, "scope-b", "intake")
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func DeleteTest(t *testing.T, s persist.Storage) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "delete", "rules", []byte(`{}`)))
	require.NoError(t, s.Delete(ctx, "delete", "rules"))
	require.NoError(t, s.Delete(ctx, "delete", "rules"))

	_, err := s.Load(ctx, "delete", "rules")
	require.ErrorIs(t, err, persist.ErrNotFound)

	names, err := s.Names(ctx, "delete")
	require.NoError(t, err)
	require.Empty(t, names)
}
