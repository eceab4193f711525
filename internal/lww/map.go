package lww

import "github.com/example/shared-state-engine/internal/types"

type cell[V any] struct {
	value V
	ts    int64
	site  types.SiteID
}

// Map holds string-keyed values, each versioned and tie-broken independently
// of every other key. There is no delete operation at this layer; hosts that
// need deletion write a well-known sentinel value.
type Map[V any] struct {
	cells map[string]cell[V]
}

// NewMap creates an empty map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{cells: make(map[string]cell[V])}
}

// Set offers a write for a key. A write to an absent key is always accepted;
// otherwise the key's stored (timestamp, site) goes through the same
// tie-break as a register. Returns whether the write was applied.
func (m *Map[V]) Set(key string, value V, site types.SiteID, ts int64) bool {
	current, ok := m.cells[key]
	if ok && !RemoteWins(current.ts, current.site, ts, site) {
		return false
	}
	m.cells[key] = cell[V]{value: value, ts: ts, site: site}
	return true
}

// Get returns the value for a key and whether the key is present.
func (m *Map[V]) Get(key string) (V, bool) {
	c, ok := m.cells[key]
	return c.value, ok
}

// Version returns the winning (timestamp, site) for a key.
func (m *Map[V]) Version(key string) (int64, types.SiteID, bool) {
	c, ok := m.cells[key]
	return c.ts, c.site, ok
}

// Has reports whether the key is present.
func (m *Map[V]) Has(key string) bool {
	_, ok := m.cells[key]
	return ok
}

// Keys returns the key set in no particular order.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, len(m.cells))
	for k := range m.cells {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of keys.
func (m *Map[V]) Len() int { return len(m.cells) }

// MergeMaps produces a map whose key set is the union of both inputs. Keys
// present in both are resolved cell-by-cell with the tie-break rule; keys
// present in one input are copied as-is. Neither input is mutated.
func MergeMaps[V any](a, b *Map[V]) *Map[V] {
	merged := NewMap[V]()
	for k, c := range a.cells {
		merged.cells[k] = c
	}
	for k, c := range b.cells {
		current, ok := merged.cells[k]
		if !ok || RemoteWins(current.ts, current.site, c.ts, c.site) {
			merged.cells[k] = c
		}
	}
	return merged
}
