package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

// AccessEventStore is an in-memory event index. It is the default index and
// the one tests use.
type AccessEventStore struct {
	mu     sync.Mutex
	events map[types.EventKey]types.AccessEvent
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{events: make(map[types.EventKey]types.AccessEvent)}
}

func (s *AccessEventStore) ReplaceHistory(_ context.Context, events []types.AccessEvent, head uint64) error {
	next := make(map[types.EventKey]types.AccessEvent, len(events))
	for _, e := range events {
		e.Source = types.SourceHistory
		next[e.DedupKey()] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.events {
		if e.Source == types.SourceLive && e.Key.Block > head {
			if _, ok := next[k]; !ok {
				next[k] = e
			}
		}
	}
	s.events = next
	return nil
}

func (s *AccessEventStore) AddLive(_ context.Context, ev types.AccessEvent) (bool, error) {
	ev.Source = types.SourceLive
	k := ev.DedupKey()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[k]; ok {
		return false, nil
	}
	s.events[k] = ev
	return true, nil
}

func (s *AccessEventStore) Retract(_ context.Context, key types.EventKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, key)
	return nil
}

func (s *AccessEventStore) Events(_ context.Context) ([]types.AccessEvent, error) {
	s.mu.Lock()
	out := make([]types.AccessEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	s.mu.Unlock()

	types.SortEvents(out)
	return out, nil
}

// Factory is a store.Factory for memory indexes.
func Factory(context.Context) (store.AccessEventStore, func(), error) {
	return NewAccessEventStore(), nil, nil
}
