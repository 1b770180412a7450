package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreImmediateUpsert(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Upsert(context.Background(), nil, "k", "v"))
	v, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestMemStoreTransactionIsolatedUntilCommit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, tx, "a", "1"))
	require.NoError(t, s.Upsert(ctx, tx, "b", "2"))

	_, ok, _ := s.Get(ctx, "a")
	require.False(t, ok, "writes inside an uncommitted tx must not be visible")

	require.NoError(t, s.Commit(ctx, tx))

	va, ok, _ := s.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "1", va)
	vb, ok, _ := s.Get(ctx, "b")
	require.True(t, ok)
	require.Equal(t, "2", vb)
}

func TestMemStoreRollbackDiscardsWrites(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, tx, "k", "v"))
	require.NoError(t, s.Rollback(ctx, tx))

	_, ok, _ := s.Get(ctx, "k")
	require.False(t, ok)
}
