// Package storetest holds the behaviour every AccessEventStore must share.
// Each implementation runs the suite from its own tests.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

type Factory func(t *testing.T) store.AccessEventStore

func Event(id string, state bool, block uint64, index uint) types.AccessEvent {
	return types.AccessEvent{
		VehicleID: id,
		NewState:  state,
		Key:       types.OrderingKey{Block: block, Index: index},
	}
}

func Run(t *testing.T, newStore Factory) {
	t.Run("AddLiveDeduplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		added, err := s.AddLive(ctx, Event("V1", true, 5, 0))
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddLive(ctx, Event("V1", true, 5, 0))
		require.NoError(t, err)
		assert.False(t, added)

		events, err := s.Events(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, types.SourceLive, events[0].Source)
	})

	t.Run("ReplaceHistorySupersedesLiveAtOrBelowHead", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// Live view saw a fact at block 4 that the replay no longer has, the
		// same fact as the replay at block 5, and a newer fact at block 9.
		for _, e := range []types.AccessEvent{
			Event("V1", true, 4, 0),
			Event("V1", false, 5, 0),
			Event("V2", true, 9, 0),
		} {
			_, err := s.AddLive(ctx, e)
			require.NoError(t, err)
		}

		require.NoError(t, s.ReplaceHistory(ctx, []types.AccessEvent{
			Event("V1", false, 5, 0),
			Event("V3", true, 6, 1),
		}, 8))

		events, err := s.Events(ctx)
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, types.EventKey{VehicleID: "V1", Key: types.OrderingKey{Block: 5}}, events[0].DedupKey())
		assert.Equal(t, types.SourceHistory, events[0].Source)
		assert.Equal(t, "V3", events[1].VehicleID)
		assert.Equal(t, types.SourceHistory, events[1].Source)
		assert.Equal(t, "V2", events[2].VehicleID)
		assert.Equal(t, types.SourceLive, events[2].Source)
	})

	t.Run("ReplaceHistoryDropsOldHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.ReplaceHistory(ctx, []types.AccessEvent{Event("V1", true, 2, 0)}, 2))
		require.NoError(t, s.ReplaceHistory(ctx, []types.AccessEvent{Event("V1", false, 3, 0)}, 3))

		events, err := s.Events(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].NewState)
	})

	t.Run("EventsSortedByOrderingKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.ReplaceHistory(ctx, []types.AccessEvent{
			Event("V2", true, 7, 2),
			Event("V1", true, 3, 0),
			Event("V1", false, 7, 1),
		}, 7))

		events, err := s.Events(ctx)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, types.OrderingKey{Block: 3}, events[0].Key)
		assert.Equal(t, types.OrderingKey{Block: 7, Index: 1}, events[1].Key)
		assert.Equal(t, types.OrderingKey{Block: 7, Index: 2}, events[2].Key)
	})

	t.Run("RetractRemovesFact", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := Event("V1", true, 11, 3)
		_, err := s.AddLive(ctx, e)
		require.NoError(t, err)
		require.NoError(t, s.Retract(ctx, e.DedupKey()))

		events, err := s.Events(ctx)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
