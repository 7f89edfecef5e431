package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

// whole seconds so every backend round-trips times exactly
var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var suiteResources = []lifecycle.Resource{
	{ID: "r1", Name: "Bay 1", MaxDuration: 2 * time.Hour, CreatedAt: base},
	{ID: "r2", Name: "Bay 2", MaxDuration: time.Hour, CreatedAt: base},
}

func lease(id, resourceID, holder string, start time.Time, d time.Duration) lifecycle.Lease {
	return lifecycle.Lease{
		LeaseID:    id,
		ResourceID: resourceID,
		Holder:     holder,
		StartAt:    start,
		EndAt:      start.Add(d),
		Active:     true,
	}
}

func clientIDs(entries []lifecycle.WaitlistEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ClientID)
	}
	return out
}

func positions(entries []lifecycle.WaitlistEntry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Position)
	}
	return out
}

// runStoreSuite exercises the Store contract. open must return an empty store
// and arrange for it to be closed when t finishes.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()

	setup := func(t *testing.T) Store {
		s := open(t)
		require.NoError(t, s.SeedResources(context.Background(), suiteResources))
		return s
	}
	ctx := context.Background()

	t.Run("resources", func(t *testing.T) {
		s := setup(t)

		err := s.View(ctx, func(tx Tx) error {
			r, err := tx.Resource("r1")
			require.NoError(t, err)
			assert.Equal(t, "Bay 1", r.Name)
			assert.Equal(t, 2*time.Hour, r.MaxDuration)
			assert.True(t, base.Equal(r.CreatedAt))

			_, err = tx.Resource("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := tx.Resources()
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "r1", all[0].ID)
			assert.Equal(t, "r2", all[1].ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("reseed keeps created_at", func(t *testing.T) {
		s := setup(t)

		later := base.Add(24 * time.Hour)
		require.NoError(t, s.SeedResources(ctx, []lifecycle.Resource{
			{ID: "r1", Name: "Bay One", MaxDuration: 3 * time.Hour, CreatedAt: later},
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			r, err := tx.Resource("r1")
			require.NoError(t, err)
			assert.Equal(t, "Bay One", r.Name)
			assert.Equal(t, 3*time.Hour, r.MaxDuration)
			assert.True(t, base.Equal(r.CreatedAt), "created_at changed to %s", r.CreatedAt)
			return nil
		}))
	})

	t.Run("lazy expiry", func(t *testing.T) {
		s := setup(t)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutLease(lease("l1", "r1", "alice", base, time.Hour))
		}))

		end := base.Add(time.Hour)
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			l, err := tx.ActiveLease("r1", end.Add(-time.Second))
			require.NoError(t, err)
			require.NotNil(t, l)
			assert.Equal(t, "alice", l.Holder)
			assert.True(t, end.Equal(l.EndAt))

			l, err = tx.ActiveLease("r1", end)
			require.NoError(t, err)
			assert.Nil(t, l)

			l, err = tx.ActiveLeaseByHolder("alice", end)
			require.NoError(t, err)
			assert.Nil(t, l)

			active, err := tx.ActiveLeases(end)
			require.NoError(t, err)
			assert.Empty(t, active)

			expired, err := tx.ExpiredLeases(end)
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, "l1", expired[0].LeaseID)
			assert.True(t, expired[0].Active)
			return nil
		}))
	})

	t.Run("put lease retires expired row", func(t *testing.T) {
		s := setup(t)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutLease(lease("l1", "r1", "alice", base, time.Hour))
		}))
		next := base.Add(time.Hour)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutLease(lease("l2", "r1", "bob", next, time.Hour))
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			expired, err := tx.ExpiredLeases(next)
			require.NoError(t, err)
			assert.Empty(t, expired)

			l, err := tx.ActiveLease("r1", next)
			require.NoError(t, err)
			require.NotNil(t, l)
			assert.Equal(t, "l2", l.LeaseID)

			byHolder, err := tx.ActiveLeaseByHolder("bob", next)
			require.NoError(t, err)
			require.NotNil(t, byHolder)
			assert.Equal(t, "r1", byHolder.ResourceID)
			return nil
		}))
	})

	t.Run("deactivate lease", func(t *testing.T) {
		s := setup(t)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			if err := tx.PutLease(lease("l1", "r1", "alice", base, time.Hour)); err != nil {
				return err
			}
			return tx.PutLease(lease("l2", "r2", "bob", base, time.Hour))
		}))
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.DeactivateLease("r1", "alice")
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			active, err := tx.ActiveLeases(base)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "l2", active[0].LeaseID)

			expired, err := tx.ExpiredLeases(base.Add(2 * time.Hour))
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, "l2", expired[0].LeaseID)
			return nil
		}))
	})

	t.Run("waitlist append and compaction", func(t *testing.T) {
		s := setup(t)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			for i, c := range []string{"a", "b", "c", "d"} {
				pos, err := tx.Append("r1", c, base.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				assert.Equal(t, i+1, pos)
			}
			pos, err := tx.Append("r2", "e", base)
			require.NoError(t, err)
			assert.Equal(t, 1, pos)
			return nil
		}))

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.Remove("r1", "b")
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			list, err := tx.Waitlist("r1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c", "d"}, clientIDs(list))
			assert.Equal(t, []int{1, 2, 3}, positions(list))

			first, err := tx.PeekFirst("r1")
			require.NoError(t, err)
			require.NotNil(t, first)
			assert.Equal(t, "a", first.ClientID)

			entry, err := tx.WaitlistEntryByClient("d")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, "r1", entry.ResourceID)
			assert.Equal(t, 3, entry.Position)

			entry, err = tx.WaitlistEntryByClient("b")
			require.NoError(t, err)
			assert.Nil(t, entry)

			all, err := tx.AllWaitlists()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c", "d", "e"}, clientIDs(all))

			empty, err := tx.PeekFirst("r2-missing")
			require.NoError(t, err)
			assert.Nil(t, empty)
			return nil
		}))

		// head leaves, then tail, then a client that is not there
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			if err := tx.Remove("r1", "a"); err != nil {
				return err
			}
			if err := tx.Remove("r1", "d"); err != nil {
				return err
			}
			return tx.Remove("r1", "nobody")
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			list, err := tx.Waitlist("r1")
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, clientIDs(list))
			assert.Equal(t, []int{1}, positions(list))

			pos, err := tx.Waitlist("r2")
			require.NoError(t, err)
			assert.Equal(t, []int{1}, positions(pos))
			return nil
		}))
	})

	t.Run("failed update rolls back", func(t *testing.T) {
		s := setup(t)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			_, err := tx.Append("r1", "a", base)
			return err
		}))

		boom := errors.New("boom")
		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.PutLease(lease("l1", "r1", "x", base, time.Hour)); err != nil {
				return err
			}
			if _, err := tx.Append("r1", "b", base); err != nil {
				return err
			}
			if err := tx.Remove("r1", "a"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			l, err := tx.ActiveLease("r1", base)
			require.NoError(t, err)
			assert.Nil(t, l)

			list, err := tx.Waitlist("r1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, clientIDs(list))
			assert.Equal(t, []int{1}, positions(list))
			return nil
		}))
	})

	t.Run("view rejects writes", func(t *testing.T) {
		s := setup(t)

		err := s.View(ctx, func(tx Tx) error {
			return tx.PutLease(lease("l1", "r1", "x", base, time.Hour))
		})
		assert.ErrorIs(t, err, ErrReadOnly)

		err = s.View(ctx, func(tx Tx) error {
			_, err := tx.Append("r1", "x", base)
			return err
		})
		assert.ErrorIs(t, err, ErrReadOnly)

		err = s.View(ctx, func(tx Tx) error {
			return tx.Remove("r1", "x")
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("writes to unknown resource fail", func(t *testing.T) {
		s := setup(t)

		err := s.Update(ctx, func(tx Tx) error {
			return tx.PutLease(lease("l1", "missing", "x", base, time.Hour))
		})
		assert.Error(t, err)

		err = s.Update(ctx, func(tx Tx) error {
			_, err := tx.Append("missing", "x", base)
			return err
		})
		assert.Error(t, err)
	})
}

func TestTransient(t *testing.T) {
	cause := errors.New("database is locked")
	err := Transient("commit", cause)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "commit")
}
