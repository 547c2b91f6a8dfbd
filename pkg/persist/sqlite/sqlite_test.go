package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/panic80/G7GovAI-sub001/pkg/persist/test"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "state.db")
	s, err := New(context.Background(), uri, nil)
	require.NoError(t, err)
	return s, uri
}

func TestSQLiteStorage(t *testing.T) {
	s, _ := newTestStorage(t)
	defer s.Close()
	test.RunAllTests(t, s)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, uri := newTestStorage(t)

	require.NoError(t, s.Save(ctx, "default", "intake", []byte(`{"active_tab":"plan"}`)))
	s.Close()

	reopened, err := New(ctx, uri, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx, "default", "intake")
	require.NoError(t, err)
	require.JSONEq(t, `{"active_tab":"plan"}`, string(got))
}

func TestPrepareDSN(t *testing.T) {
	for _, tc := range []struct {
		name     string
		uri      string
		expected string
	}{
		{
			name:     "defaults",
			uri:      "file:state.db",
			expected: "file:state.db?_pragma=journal_mode%28WAL%29&_pragma=busy_timeout%28100%29&_txlock=immediate",
		},
		{
			name:     "keeps_explicit_pragmas",
			uri:      "file:state.db?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(500)&_txlock=deferred",
			expected: "file:state.db?_pragma=journal_mode%28DELETE%29&_pragma=busy_timeout%28500%29&_txlock=deferred",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dsn, err := PrepareDSN(tc.uri)
			require.NoError(t, err)
			require.Equal(t, tc.expected, dsn)
		})
	}

	_, err := PrepareDSN("file:state.db?%zz")
	require.Error(t, err)
}
