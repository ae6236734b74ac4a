package store

import (
	"context"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

// AccessEventStore indexes AccessChanged facts from both acquisition
// channels. Entries are keyed by (vehicle ID, ordering key), so a fact is
// held once however often it is delivered.
type AccessEventStore interface {
	// ReplaceHistory installs a full replay taken at ledger height head. It
	// drops every previous history entry and every live entry at or below
	// head; live entries above head are kept.
	ReplaceHistory(ctx context.Context, events []types.AccessEvent, head uint64) error

	// AddLive records one live delivery. It reports false when the fact is
	// already indexed.
	AddLive(ctx context.Context, ev types.AccessEvent) (bool, error)

	// Retract forgets a fact the ledger has dropped in a reorganisation,
	// whichever channel delivered it.
	Retract(ctx context.Context, key types.EventKey) error

	// Events returns the indexed facts sorted by ordering key.
	Events(ctx context.Context) ([]types.AccessEvent, error)
}

// Factory builds an empty index for a new binding. The returned release
// function frees its resources and may be nil.
type Factory func(ctx context.Context) (AccessEventStore, func(), error)
