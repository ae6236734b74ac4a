package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

func ev(id string, state bool, block uint64, idx uint, src types.Source) types.AccessEvent {
	return types.AccessEvent{
		VehicleID: id,
		NewState:  state,
		Key:       types.OrderingKey{Block: block, Index: idx},
		Source:    src,
	}
}

func TestOrderingKey_Less(t *testing.T) {
	assert.True(t, types.OrderingKey{Block: 1, Index: 9}.Less(types.OrderingKey{Block: 2, Index: 0}))
	assert.True(t, types.OrderingKey{Block: 2, Index: 0}.Less(types.OrderingKey{Block: 2, Index: 1}))
	assert.False(t, types.OrderingKey{Block: 2, Index: 1}.Less(types.OrderingKey{Block: 2, Index: 1}))
	assert.False(t, types.OrderingKey{Block: 3, Index: 0}.Less(types.OrderingKey{Block: 2, Index: 5}))
}

func TestDeriveState_LastWriterWinsByLedgerOrder(t *testing.T) {
	// Received newest-first: derived state must still follow ledger order.
	events := []types.AccessEvent{
		ev("V1", false, 7, 0, types.SourceLive),
		ev("V1", true, 3, 1, types.SourceLive),
		ev("V1", true, 5, 0, types.SourceLive),
	}

	state := types.DeriveState(events)
	assert.False(t, state["V1"])
}

func TestDeriveState_SameBlockUsesLogIndex(t *testing.T) {
	events := []types.AccessEvent{
		ev("V1", false, 4, 2, types.SourceHistory),
		ev("V1", true, 4, 1, types.SourceHistory),
	}
	assert.False(t, types.DeriveState(events)["V1"])
}

func TestDedup_SameFactFromBothChannels(t *testing.T) {
	events := []types.AccessEvent{
		ev("V1", true, 2, 0, types.SourceLive),
		ev("V1", true, 2, 0, types.SourceHistory),
	}

	out := types.Dedup(events)
	require.Len(t, out, 1)
	assert.Equal(t, types.SourceHistory, out[0].Source)
}

func TestBuildSnapshot_InterleavedVehicles(t *testing.T) {
	events := []types.AccessEvent{
		ev("V2", false, 9, 0, types.SourceHistory),
		ev("V1", true, 2, 0, types.SourceHistory),
		ev("V2", true, 3, 0, types.SourceHistory),
		ev("V1", false, 4, 0, types.SourceHistory),
		ev("V1", true, 8, 1, types.SourceHistory),
	}

	snap := types.BuildSnapshot(events, 9, time.Now())

	assert.True(t, snap.Granted("V1"))
	assert.False(t, snap.Granted("V2"))
	assert.Equal(t, types.LogView{
		"Vehicle V1 access is now Granted",
		"Vehicle V2 access is now Granted",
		"Vehicle V1 access is now Revoked",
		"Vehicle V1 access is now Granted",
		"Vehicle V2 access is now Revoked",
	}, snap.Logs)
	assert.Equal(t, uint64(9), snap.Head)

	// The caller's slice is left as it was.
	assert.Equal(t, "V2", events[0].VehicleID)
}

func TestSnapshot_UnknownVehicleIsRevoked(t *testing.T) {
	var snap types.Snapshot
	assert.False(t, snap.Granted("nope"))
}

func TestAccessEvent_LogLine(t *testing.T) {
	assert.Equal(t, "Vehicle ABC-1 access is now Granted", ev("ABC-1", true, 1, 0, "").LogLine())
	assert.Equal(t, "Vehicle ABC-1 access is now Revoked", ev("ABC-1", false, 1, 0, "").LogLine())
}
