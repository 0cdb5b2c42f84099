// Package nodetable tracks the mesh nodes a bridge has seen and resolves
// Ethernet-style link addresses back to mesh addresses.
//
// The table is append-only for the lifetime of a bridge. Entries are keyed by
// the full 8-byte mesh address; the low 6 bytes double as the node's
// synthesized Ethernet address.
package nodetable

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/clock"
)

// Entry is a snapshot of a known node.
type Entry struct {
	Addr core.MeshAddress
	// NetworkAddr is the node's 16-bit network address, or
	// core.NetworkAddressUnknown.
	NetworkAddr uint16
	// Name is the node identifier string from discovery, if any.
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// LinkAddr returns the Ethernet-style address synthesized for the node.
func (e Entry) LinkAddr() net.HardwareAddr {
	return e.Addr.LinkAddr()
}

// Store persists entries across bridge restarts.
type Store interface {
	// LoadNodes returns every stored entry.
	LoadNodes(ctx context.Context) ([]Entry, error)
	// SaveNode inserts or updates an entry.
	SaveNode(ctx context.Context, e Entry) error
}

// Config configures a Table.
type Config struct {
	// Clock supplies sighting timestamps. Default: clock.System.
	Clock clock.Clock
	// Logger for table events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Table is a concurrency-safe, append-only node table. Lookups take a read
// lock; insertions and metadata refreshes take the write lock.
type Table struct {
	log   *slog.Logger
	clock clock.Clock

	mu      sync.RWMutex
	entries []*Entry
	index   map[core.MeshAddress]int

	onChange func(e Entry, isNew bool)
}

// New creates an empty Table.
func New(cfg Config) *Table {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		log:   logger.WithGroup("nodetable"),
		clock: cfg.Clock,
		index: make(map[core.MeshAddress]int),
	}
}

// SetOnChange sets the callback invoked after a node is inserted or its
// network address or name changes. It is not called for LastSeen refreshes.
// The callback runs outside the table lock.
func (t *Table) SetOnChange(fn func(e Entry, isNew bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// ResolveByMeshAddress returns the entry for addr, inserting it if it has not
// been seen before. isNew reports whether an insertion happened. Every call
// refreshes LastSeen.
func (t *Table) ResolveByMeshAddress(addr core.MeshAddress) (Entry, bool) {
	return t.Observe(Entry{Addr: addr, NetworkAddr: core.NetworkAddressUnknown})
}

// Observe records a sighting carrying optional metadata. A known network
// address or a non-empty name overwrites the stored value.
func (t *Table) Observe(seen Entry) (Entry, bool) {
	now := t.clock.Now()

	t.mu.Lock()
	var (
		out     Entry
		isNew   bool
		changed bool
	)
	if i, ok := t.index[seen.Addr]; ok {
		e := t.entries[i]
		e.LastSeen = now
		if seen.NetworkAddr != core.NetworkAddressUnknown && seen.NetworkAddr != e.NetworkAddr {
			e.NetworkAddr = seen.NetworkAddr
			changed = true
		}
		if seen.Name != "" && seen.Name != e.Name {
			e.Name = seen.Name
			changed = true
		}
		out = *e
	} else {
		e := &Entry{
			Addr:        seen.Addr,
			NetworkAddr: seen.NetworkAddr,
			Name:        seen.Name,
			FirstSeen:   now,
			LastSeen:    now,
		}
		t.index[seen.Addr] = len(t.entries)
		t.entries = append(t.entries, e)
		out = *e
		isNew = true
		changed = true
	}
	fn := t.onChange
	t.mu.Unlock()

	if isNew {
		t.log.Info("node added", "addr", out.Addr, "name", out.Name, "nodes", t.Len())
	}
	if changed && fn != nil {
		fn(out, isNew)
	}
	return out, isNew
}

// Lookup returns the entry for addr without inserting.
func (t *Table) Lookup(addr core.MeshAddress) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.index[addr]; ok {
		return *t.entries[i], true
	}
	return Entry{}, false
}

// ResolveByLinkAddress finds the first entry, in insertion order, whose low
// min(len(b), 8) address bytes equal the leading bytes of b. An empty b
// never matches.
func (t *Table) ResolveByLinkAddress(b []byte) (Entry, bool) {
	if len(b) == 0 {
		return Entry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Addr.HasSuffix(b) {
			return *e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of known nodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ForEach calls fn for each entry in insertion order. Return false from fn to
// stop iteration. fn must not call back into the table's write methods.
func (t *Table) ForEach(fn func(e Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if !fn(*e) {
			return
		}
	}
}

// Snapshot returns a copy of all entries in insertion order.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Restore inserts every entry from s that is not already present, keeping
// the stored timestamps. It returns the number of entries inserted. The
// change callback is not invoked for restored entries.
func (t *Table) Restore(ctx context.Context, s Store) (int, error) {
	stored, err := s.LoadNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading nodes: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range stored {
		if _, ok := t.index[e.Addr]; ok {
			continue
		}
		t.index[e.Addr] = len(t.entries)
		t.entries = append(t.entries, &e)
		n++
	}
	t.log.Debug("restored nodes", "count", n)
	return n, nil
}
