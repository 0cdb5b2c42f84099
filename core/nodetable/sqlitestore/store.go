// Package sqlitestore persists node table entries in a SQLite database so a
// restarted bridge can resolve unicast destinations before rediscovery.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/nodetable"
	_ "modernc.org/sqlite" // register sqlite driver
)

var _ nodetable.Store = (*Store)(nil)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		mesh_addr    TEXT PRIMARY KEY,
		network_addr INTEGER NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		first_seen   INTEGER NOT NULL,
		last_seen    INTEGER NOT NULL
	);`,
}

// Store is a nodetable.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations) && i < schemaVersion; i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveNode upserts e. Stored FirstSeen is never moved forward.
func (s *Store) SaveNode(ctx context.Context, e nodetable.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes(mesh_addr, network_addr, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mesh_addr) DO UPDATE SET
			network_addr = excluded.network_addr,
			name = excluded.name,
			first_seen = MIN(nodes.first_seen, excluded.first_seen),
			last_seen = MAX(nodes.last_seen, excluded.last_seen)
	`, e.Addr.String(), int64(e.NetworkAddr), e.Name, toUnixMillis(e.FirstSeen), toUnixMillis(e.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// LoadNodes returns every stored node ordered by first sighting.
func (s *Store) LoadNodes(ctx context.Context) ([]nodetable.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mesh_addr, network_addr, name, first_seen, last_seen
		FROM nodes
		ORDER BY first_seen ASC, mesh_addr ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []nodetable.Entry
	for rows.Next() {
		var (
			addr    string
			network int64
			e       nodetable.Entry
			firstMs int64
			lastMs  int64
		)
		if err := rows.Scan(&addr, &network, &e.Name, &firstMs, &lastMs); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		e.Addr, err = core.ParseMeshAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("stored node %q: %w", addr, err)
		}
		e.NetworkAddr = uint16(network)
		e.FirstSeen = fromUnixMillis(firstMs)
		e.LastSeen = fromUnixMillis(lastMs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
