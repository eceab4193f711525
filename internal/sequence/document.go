package sequence

import (
	"strings"

	"github.com/example/shared-state-engine/internal/types"
)

// Document is a single replica of a collaboratively edited character
// sequence. All nodes, including tombstones, live in one totally ordered
// slice; the index map records each node's current position and is rebuilt
// from the splice point after every structural change so the two never drift.
//
// A Document is not safe for concurrent use; hosts serialize access (see
// engine.Engine).
type Document struct {
	siteID  types.SiteID
	nextSeq uint64
	nodes   []*CharNode
	index   map[CharID]int
}

// NewDocument creates an empty document owned by the given site.
func NewDocument(site types.SiteID) *Document {
	return &Document{
		siteID: site,
		index:  make(map[CharID]int),
	}
}

// SiteID returns the local replica identifier.
func (d *Document) SiteID() types.SiteID { return d.siteID }

// InsertChar inserts a single character at a visible position (0 inserts
// before everything; positions beyond the visible length append) and returns
// the operation to replicate.
func (d *Document) InsertChar(visiblePos int, ch string) Op {
	id := CharID{Site: d.siteID, Seq: d.nextSeq}
	d.nextSeq++

	after := d.predecessorAt(visiblePos)
	d.splice(&CharNode{ID: id, Char: ch}, after)
	opsApplied.WithLabelValues(string(OpInsert), originLocal).Inc()

	return Op{Type: OpInsert, ID: id, Char: ch, AfterID: after}
}

// InsertText inserts a string one character at a time, advancing the visible
// position per character, and returns the ops in emission order.
func (d *Document) InsertText(visiblePos int, text string) []Op {
	runes := []rune(text)
	ops := make([]Op, 0, len(runes))
	for i, r := range runes {
		ops = append(ops, d.InsertChar(visiblePos+i, string(r)))
	}
	return ops
}

// DeleteChar tombstones the character at a visible position. It returns the
// delete op and true, or a zero op and false when the position is out of
// range. Out-of-range is an expected outcome, not an error.
func (d *Document) DeleteChar(visiblePos int) (Op, bool) {
	if visiblePos < 0 {
		return Op{}, false
	}
	seen := 0
	for _, n := range d.nodes {
		if n.Deleted {
			continue
		}
		if seen == visiblePos {
			n.Deleted = true
			opsApplied.WithLabelValues(string(OpDelete), originLocal).Inc()
			return Op{Type: OpDelete, ID: n.ID}, true
		}
		seen++
	}
	return Op{}, false
}

// DeleteText deletes up to count visible characters starting at start. Each
// deletion shifts subsequent characters left, so it repeatedly deletes at the
// same visible index and stops silently when the document runs out.
func (d *Document) DeleteText(start, count int) []Op {
	ops := make([]Op, 0, count)
	for i := 0; i < count; i++ {
		op, ok := d.DeleteChar(start)
		if !ok {
			break
		}
		ops = append(ops, op)
	}
	return ops
}

// Apply integrates a remote operation. It returns false without mutating
// anything for duplicate inserts, inserts whose predecessor has not arrived,
// deletes of unknown ids, and deletes of existing tombstones, which makes
// re-delivery idempotent. The engine performs no buffering; callers that want
// to retry predecessor-less inserts must queue them (see pending.Buffer).
func (d *Document) Apply(op Op) bool {
	switch op.Type {
	case OpInsert:
		return d.applyInsert(op)
	case OpDelete:
		return d.applyDelete(op)
	default:
		opsRejected.WithLabelValues("unknown_type").Inc()
		return false
	}
}

func (d *Document) applyInsert(op Op) bool {
	if _, dup := d.index[op.ID]; dup {
		opsRejected.WithLabelValues("duplicate_insert").Inc()
		return false
	}
	if op.AfterID != nil {
		if _, ok := d.index[*op.AfterID]; !ok {
			opsRejected.WithLabelValues("missing_predecessor").Inc()
			return false
		}
	}

	d.splice(&CharNode{ID: op.ID, Char: op.Char}, op.AfterID)

	// Re-receiving one of our own ops (e.g. through a relay) must never let
	// the local counter hand out that id again.
	if op.ID.Site == d.siteID && op.ID.Seq >= d.nextSeq {
		d.nextSeq = op.ID.Seq + 1
	}

	opsApplied.WithLabelValues(string(OpInsert), originRemote).Inc()
	return true
}

func (d *Document) applyDelete(op Op) bool {
	idx, ok := d.index[op.ID]
	if !ok {
		opsRejected.WithLabelValues("unknown_delete").Inc()
		return false
	}
	if d.nodes[idx].Deleted {
		opsRejected.WithLabelValues("double_delete").Inc()
		return false
	}
	d.nodes[idx].Deleted = true
	opsApplied.WithLabelValues(string(OpDelete), originRemote).Inc()
	return true
}

// Value returns the visible text: every non-tombstone character in document
// order.
func (d *Document) Value() string {
	var b strings.Builder
	for _, n := range d.nodes {
		if n.Deleted {
			continue
		}
		b.WriteString(n.Char)
	}
	return b.String()
}

// Length returns the number of visible characters.
func (d *Document) Length() int {
	count := 0
	for _, n := range d.nodes {
		if !n.Deleted {
			count++
		}
	}
	return count
}

// NodeCount returns the total node count including tombstones.
func (d *Document) NodeCount() int { return len(d.nodes) }

// TombstoneCount returns the number of tombstoned nodes.
func (d *Document) TombstoneCount() int {
	count := 0
	for _, n := range d.nodes {
		if n.Deleted {
			count++
		}
	}
	return count
}

// Contains reports whether a character id is known to this replica, tombstone
// or not.
func (d *Document) Contains(id CharID) bool {
	_, ok := d.index[id]
	return ok
}

// AllOps replays the document as a sequence of inserts carrying their true
// predecessors, interleaved with a delete for every tombstone. Feeding the
// result into an empty document of any site reproduces both the visible text
// and the tombstone set.
func (d *Document) AllOps() []Op {
	ops := make([]Op, 0, len(d.nodes)+d.TombstoneCount())
	var prev *CharID
	for _, n := range d.nodes {
		ops = append(ops, Op{Type: OpInsert, ID: n.ID, Char: n.Char, AfterID: prev})
		if n.Deleted {
			ops = append(ops, Op{Type: OpDelete, ID: n.ID})
		}
		id := n.ID
		prev = &id
	}
	return ops
}

// UnsafeCompact physically removes every tombstone and rebuilds the index
// from the survivors, returning how many nodes were dropped. The visible text
// never changes.
//
// It is unsafe with respect to replication, not memory: once a tombstone is
// gone, a late delete targeting it is silently rejected as unknown here while
// still applying on replicas that have not compacted, and the divergence is
// permanent and undetected. Call this only once the host knows every replica
// has acknowledged all deletes for the tombstones being dropped.
func (d *Document) UnsafeCompact() int {
	kept := make([]*CharNode, 0, len(d.nodes))
	removed := 0
	for _, n := range d.nodes {
		if n.Deleted {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	if removed == 0 {
		return 0
	}

	d.nodes = kept
	d.index = make(map[CharID]int, len(kept))
	for i, n := range kept {
		d.index[n.ID] = i
	}
	tombstonesCompacted.Add(float64(removed))
	return removed
}

// predecessorAt resolves a visible position to the id of the node the new
// character goes after. Position 0 (or an empty document) means the head;
// positions past the visible length fall back to the very last node so
// appends still work when the tail is tombstoned.
func (d *Document) predecessorAt(visiblePos int) *CharID {
	if visiblePos <= 0 || len(d.nodes) == 0 {
		return nil
	}
	seen := 0
	for _, n := range d.nodes {
		if n.Deleted {
			continue
		}
		seen++
		if seen == visiblePos {
			id := n.ID
			return &id
		}
	}
	id := d.nodes[len(d.nodes)-1].ID
	return &id
}

// splice places a node immediately after its predecessor, then skips forward
// past any sibling whose id is greater under CharID.Compare. Every replica
// runs this same scan, which is what makes concurrent inserts at one logical
// position converge. Index entries from the splice point on are rewritten.
func (d *Document) splice(node *CharNode, afterID *CharID) {
	idx := 0
	if afterID != nil {
		if pos, ok := d.index[*afterID]; ok {
			idx = pos + 1
		}
	}
	for idx < len(d.nodes) && d.nodes[idx].ID.Compare(node.ID) > 0 {
		idx++
	}

	d.nodes = append(d.nodes, nil)
	copy(d.nodes[idx+1:], d.nodes[idx:])
	d.nodes[idx] = node

	for i := idx; i < len(d.nodes); i++ {
		d.index[d.nodes[i].ID] = i
	}
}
