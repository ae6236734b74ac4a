package types

import (
	"fmt"
	"sort"
	"time"
)

// Source records which channel delivered an event.
type Source string

const (
	SourceHistory Source = "history"
	SourceLive    Source = "live"
)

// OrderingKey is the ledger's total order over emitted events: block height
// first, then the log index within that block.
type OrderingKey struct {
	Block uint64 `json:"block"`
	Index uint   `json:"index"`
}

func (k OrderingKey) Less(o OrderingKey) bool {
	if k.Block != o.Block {
		return k.Block < o.Block
	}
	return k.Index < o.Index
}

func (k OrderingKey) String() string {
	return fmt.Sprintf("%d/%d", k.Block, k.Index)
}

// EventKey identifies one ledger fact. Two events with the same EventKey are
// the same fact no matter which channel delivered them.
type EventKey struct {
	VehicleID string
	Key       OrderingKey
}

// AccessEvent is one decoded AccessChanged emission.
type AccessEvent struct {
	VehicleID  string      `json:"vehicle_id"`
	NewState   bool        `json:"new_state"`
	TxHash     string      `json:"tx_hash,omitempty"`
	Key        OrderingKey `json:"key"`
	Source     Source      `json:"source"`
	ObservedAt time.Time   `json:"observed_at"`
}

func (e AccessEvent) DedupKey() EventKey {
	return EventKey{VehicleID: e.VehicleID, Key: e.Key}
}

// LogLine renders the event the way the operator sees it.
func (e AccessEvent) LogLine() string {
	return fmt.Sprintf("Vehicle %s access is now %s", e.VehicleID, StateLabel(e.NewState))
}

func StateLabel(granted bool) string {
	if granted {
		return "Granted"
	}
	return "Revoked"
}

// LogView is the ordered, human-readable rendering of the event set.
type LogView []string

// SortEvents orders events by ledger position, ascending. Ties on the
// ordering key (distinct vehicles cannot share one in practice) fall back to
// vehicle ID so the result is deterministic.
func SortEvents(events []AccessEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Key, events[j].Key
		if a != b {
			return a.Less(b)
		}
		return events[i].VehicleID < events[j].VehicleID
	})
}

// Dedup collapses events sharing an EventKey. When a fact was seen on both
// channels the history copy wins.
func Dedup(events []AccessEvent) []AccessEvent {
	seen := make(map[EventKey]int, len(events))
	out := make([]AccessEvent, 0, len(events))
	for _, e := range events {
		k := e.DedupKey()
		if i, ok := seen[k]; ok {
			if out[i].Source != SourceHistory && e.Source == SourceHistory {
				out[i] = e
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, e)
	}
	return out
}

// DeriveState reduces events to last-writer-wins access state per vehicle,
// using the ordering key and never the slice order.
func DeriveState(events []AccessEvent) map[string]bool {
	latest := make(map[string]OrderingKey, len(events))
	state := make(map[string]bool, len(events))
	for _, e := range events {
		if k, ok := latest[e.VehicleID]; ok && !k.Less(e.Key) {
			continue
		}
		latest[e.VehicleID] = e.Key
		state[e.VehicleID] = e.NewState
	}
	return state
}

// Snapshot is an immutable reconciled view. It is replaced wholesale and
// never patched.
type Snapshot struct {
	Events []AccessEvent   `json:"events"`
	Logs   LogView         `json:"logs"`
	State  map[string]bool `json:"state"`
	Head   uint64          `json:"head"`
	At     time.Time       `json:"at"`
}

// BuildSnapshot deduplicates and sorts events, then derives the log view and
// per-vehicle state from the result. The input slice is not modified.
func BuildSnapshot(events []AccessEvent, head uint64, at time.Time) Snapshot {
	cp := make([]AccessEvent, len(events))
	copy(cp, events)

	cp = Dedup(cp)
	SortEvents(cp)

	logs := make(LogView, 0, len(cp))
	for _, e := range cp {
		logs = append(logs, e.LogLine())
	}

	return Snapshot{
		Events: cp,
		Logs:   logs,
		State:  DeriveState(cp),
		Head:   head,
		At:     at,
	}
}

// Granted reports the derived state for a vehicle. Vehicles without any
// AccessChanged event are reported as revoked.
func (s Snapshot) Granted(vehicleID string) bool {
	return s.State[vehicleID]
}
