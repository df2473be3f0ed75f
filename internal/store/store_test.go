package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "zave_investments", []byte(`[]`)))
	require.NoError(t, s.Set(ctx, "crypto_cache_a", []byte("a")))
	require.NoError(t, s.Set(ctx, "crypto_cache_b", []byte("b")))

	got, err := s.Get(ctx, "zave_investments")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	require.NoError(t, s.Set(ctx, "zave_investments", []byte(`[1]`)))
	got, err = s.Get(ctx, "zave_investments")
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(got))

	keys, err := s.Keys(ctx, "crypto_cache_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"crypto_cache_a", "crypto_cache_b"}, keys)

	require.NoError(t, s.Remove(ctx, "crypto_cache_a"))
	require.NoError(t, s.Remove(ctx, "crypto_cache_a"))
	_, err = s.Get(ctx, "crypto_cache_a")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "data", "portfolio.db"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "portfolio.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestMemoryStore_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.MaxBytes = 16

	require.NoError(t, s.Set(ctx, "k", []byte("0123456789")))

	err := s.Set(ctx, "other", []byte("0123456789"))
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "other", pe.Key)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Replacing an existing key only counts the difference.
	require.NoError(t, s.Set(ctx, "k", []byte("01234567890123")))
	assert.Equal(t, 15, s.Size())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type rec struct {
		Name string `json:"name"`
	}
	require.NoError(t, SetJSON(ctx, s, "rec", rec{Name: "x"}))

	var out rec
	require.NoError(t, GetJSON(ctx, s, "rec", &out))
	assert.Equal(t, "x", out.Name)

	assert.ErrorIs(t, GetJSON(ctx, s, "nope", &out), ErrNotFound)

	s.MaxBytes = 1
	err := SetJSON(ctx, s, "rec", rec{Name: "too big"})
	var pe *PersistenceError
	assert.True(t, errors.As(err, &pe))
}
