package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/VehicleAccess/client/internal/db"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

// AccessEventStore keeps the event index in SQLite. Reads go straight to the
// pool; writes go through the single writer.
type AccessEventStore struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewAccessEventStore(db *sql.DB, writer *dbpkg.Writer) *AccessEventStore {
	return &AccessEventStore{db: db, writer: writer}
}

// Factory is a store.Factory that opens a fresh in-memory database per
// binding. Release stops the writer and closes the database.
func Factory(ctx context.Context) (store.AccessEventStore, func(), error) {
	conn, err := dbpkg.Open(ctx, dbpkg.Config{})
	if err != nil {
		return nil, nil, err
	}
	w := dbpkg.NewWriter(conn)
	release := func() {
		w.Close()
		_ = conn.Close()
	}
	return NewAccessEventStore(conn, w), release, nil
}

func (s *AccessEventStore) ReplaceHistory(ctx context.Context, events []types.AccessEvent, head uint64) error {
	nowMs := time.Now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM access_events
WHERE source = 'history' OR block_number <= ?;
`, int64(head)); err != nil {
			return fmt.Errorf("ReplaceHistory delete: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO access_events(
  vehicle_id, block_number, log_index, new_state, tx_hash, source, observed_at_ms
) VALUES (?, ?, ?, ?, ?, 'history', ?)
ON CONFLICT(vehicle_id, block_number, log_index) DO UPDATE SET
  new_state = excluded.new_state,
  tx_hash = excluded.tx_hash,
  source = 'history',
  observed_at_ms = excluded.observed_at_ms;
`)
		if err != nil {
			return fmt.Errorf("ReplaceHistory prepare: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			if _, err := stmt.ExecContext(ctx,
				e.VehicleID, int64(e.Key.Block), int64(e.Key.Index),
				boolInt(e.NewState), e.TxHash, observedMs(e.ObservedAt, nowMs),
			); err != nil {
				return fmt.Errorf("ReplaceHistory insert %s@%s: %w", e.VehicleID, e.Key, err)
			}
		}
		return nil
	})
}

func (s *AccessEventStore) AddLive(ctx context.Context, ev types.AccessEvent) (bool, error) {
	nowMs := time.Now().UTC().UnixMilli()

	var added bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO access_events(
  vehicle_id, block_number, log_index, new_state, tx_hash, source, observed_at_ms
) VALUES (?, ?, ?, ?, ?, 'live', ?);
`,
			ev.VehicleID, int64(ev.Key.Block), int64(ev.Key.Index),
			boolInt(ev.NewState), ev.TxHash, observedMs(ev.ObservedAt, nowMs),
		)
		if err != nil {
			return fmt.Errorf("AddLive insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("AddLive rows: %w", err)
		}
		added = n > 0
		return nil
	})
	return added, err
}

func (s *AccessEventStore) Retract(ctx context.Context, key types.EventKey) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM access_events
WHERE vehicle_id = ? AND block_number = ? AND log_index = ?;
`, key.VehicleID, int64(key.Key.Block), int64(key.Key.Index)); err != nil {
			return fmt.Errorf("Retract: %w", err)
		}
		return nil
	})
}

func (s *AccessEventStore) Events(ctx context.Context) ([]types.AccessEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT vehicle_id, block_number, log_index, new_state, tx_hash, source, observed_at_ms
FROM access_events
ORDER BY block_number, log_index, vehicle_id;
`)
	if err != nil {
		return nil, fmt.Errorf("Events query: %w", err)
	}
	defer rows.Close()

	var out []types.AccessEvent
	for rows.Next() {
		var (
			e          types.AccessEvent
			block      int64
			index      int64
			state      int
			source     string
			observedMs int64
		)
		if err := rows.Scan(&e.VehicleID, &block, &index, &state, &e.TxHash, &source, &observedMs); err != nil {
			return nil, fmt.Errorf("Events scan: %w", err)
		}
		e.Key = types.OrderingKey{Block: uint64(block), Index: uint(index)}
		e.NewState = state == 1
		e.Source = types.Source(source)
		e.ObservedAt = time.UnixMilli(observedMs).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Events rows: %w", err)
	}
	return out, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func observedMs(t time.Time, fallback int64) int64 {
	if t.IsZero() {
		return fallback
	}
	return t.UTC().UnixMilli()
}
