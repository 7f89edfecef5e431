package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "spotd.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return openTestSQLite(t) })
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spotd.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.SeedResources(ctx, suiteResources))
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		if err := tx.PutLease(lease("l1", "r1", "alice", base, time.Hour)); err != nil {
			return err
		}
		_, err := tx.Append("r1", "bob", base)
		return err
	}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		l, err := tx.ActiveLease("r1", base)
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, "alice", l.Holder)
		assert.True(t, base.Equal(l.StartAt))

		first, err := tx.PeekFirst("r1")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "bob", first.ClientID)
		return nil
	}))
}

func TestSQLiteStoreOneWaitlistEntryPerClient(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.SeedResources(ctx, suiteResources))

	err := s.Update(ctx, func(tx Tx) error {
		if _, err := tx.Append("r1", "a", base); err != nil {
			return err
		}
		_, err := tx.Append("r2", "a", base)
		return err
	})
	require.Error(t, err)

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		all, err := tx.AllWaitlists()
		require.NoError(t, err)
		assert.Empty(t, all)
		return nil
	}))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	err := classify("op", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTransient)

	plain := errors.New("constraint failed")
	err = classify("insert lease", plain)
	assert.ErrorIs(t, err, plain)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "insert lease")
}
