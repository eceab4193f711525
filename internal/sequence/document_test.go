package sequence

import (
	"testing"
)

func TestInsertTextBuildsVisibleString(t *testing.T) {
	doc := NewDocument("site-1")

	ops := doc.InsertText(0, "Hello")
	if len(ops) != 5 {
		t.Fatalf("emitted %d ops, want 5", len(ops))
	}
	if doc.Value() != "Hello" {
		t.Fatalf("value = %q, want Hello", doc.Value())
	}
	if doc.Length() != 5 {
		t.Fatalf("length = %d, want 5", doc.Length())
	}

	// Each character gets a fresh sequence number from the local counter.
	for i, op := range ops {
		if op.Type != OpInsert {
			t.Fatalf("op %d type = %q", i, op.Type)
		}
		if op.ID.Site != "site-1" || op.ID.Seq != uint64(i) {
			t.Fatalf("op %d id = %v", i, op.ID)
		}
	}
	// The first op anchors at the head, every later one after its neighbor.
	if ops[0].AfterID != nil {
		t.Fatalf("first op afterID = %v, want nil", ops[0].AfterID)
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].AfterID == nil || *ops[i].AfterID != ops[i-1].ID {
			t.Fatalf("op %d afterID = %v, want %v", i, ops[i].AfterID, ops[i-1].ID)
		}
	}
}

func TestInsertCharPositions(t *testing.T) {
	doc := NewDocument("site-1")
	doc.InsertText(0, "ac")

	doc.InsertChar(1, "b")
	if doc.Value() != "abc" {
		t.Fatalf("value = %q, want abc", doc.Value())
	}

	// Positions past the visible end append.
	doc.InsertChar(99, "d")
	if doc.Value() != "abcd" {
		t.Fatalf("value = %q, want abcd", doc.Value())
	}
}

func TestAppendAfterTombstonedTail(t *testing.T) {
	doc := NewDocument("site-1")
	doc.InsertText(0, "ab")
	if _, ok := doc.DeleteChar(1); !ok {
		t.Fatal("delete of visible char failed")
	}

	// The tail node is now a tombstone; appending must still anchor after it
	// rather than racing ahead of it.
	doc.InsertChar(5, "c")
	if doc.Value() != "ac" {
		t.Fatalf("value = %q, want ac", doc.Value())
	}
}

func TestDeleteCharOutOfRange(t *testing.T) {
	doc := NewDocument("site-1")
	doc.InsertText(0, "ab")

	if _, ok := doc.DeleteChar(2); ok {
		t.Fatal("delete past the end must report failure")
	}
	if _, ok := doc.DeleteChar(-1); ok {
		t.Fatal("delete at negative position must report failure")
	}
	if doc.Value() != "ab" {
		t.Fatalf("failed deletes must not mutate: value = %q", doc.Value())
	}
}

func TestDeleteTextStopsAtEnd(t *testing.T) {
	doc := NewDocument("site-1")
	doc.InsertText(0, "ab")

	ops := doc.DeleteText(0, 10)
	if len(ops) != 2 {
		t.Fatalf("emitted %d delete ops, want 2", len(ops))
	}
	if doc.Value() != "" {
		t.Fatalf("value = %q, want empty", doc.Value())
	}
	if doc.TombstoneCount() != 2 || doc.NodeCount() != 2 {
		t.Fatalf("tombstones = %d, nodes = %d", doc.TombstoneCount(), doc.NodeCount())
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	source := NewDocument("site-1")
	insOps := source.InsertText(0, "ab")
	delOp, _ := source.DeleteChar(0)

	replica := NewDocument("site-2")
	for _, op := range insOps {
		if !replica.Apply(op) {
			t.Fatalf("first delivery of %v rejected", op.ID)
		}
	}
	if !replica.Apply(delOp) {
		t.Fatal("first delivery of delete rejected")
	}

	// Redelivery of every op must be a no-op reporting false.
	for _, op := range insOps {
		if replica.Apply(op) {
			t.Fatalf("second delivery of %v applied", op.ID)
		}
	}
	if replica.Apply(delOp) {
		t.Fatal("second delivery of delete applied")
	}
	if replica.Value() != "b" || replica.NodeCount() != 2 {
		t.Fatalf("replica diverged: value=%q nodes=%d", replica.Value(), replica.NodeCount())
	}
}

func TestApplyRejectsMissingPredecessor(t *testing.T) {
	source := NewDocument("site-1")
	ops := source.InsertText(0, "ab")

	replica := NewDocument("site-2")
	// Delivering the second op first must fail without mutating the replica.
	if replica.Apply(ops[1]) {
		t.Fatal("insert with unknown predecessor applied")
	}
	if replica.NodeCount() != 0 {
		t.Fatalf("rejected op mutated the replica: %d nodes", replica.NodeCount())
	}

	if !replica.Apply(ops[0]) || !replica.Apply(ops[1]) {
		t.Fatal("in-order delivery rejected")
	}
	if replica.Value() != "ab" {
		t.Fatalf("value = %q, want ab", replica.Value())
	}
}

func TestApplyRejectsUnknownAndDoubleDelete(t *testing.T) {
	doc := NewDocument("site-1")
	ops := doc.InsertText(0, "a")

	if doc.Apply(Op{Type: OpDelete, ID: CharID{Site: "site-9", Seq: 7}}) {
		t.Fatal("delete of unknown id applied")
	}
	del := Op{Type: OpDelete, ID: ops[0].ID}
	if !doc.Apply(del) {
		t.Fatal("delete of live node rejected")
	}
	if doc.Apply(del) {
		t.Fatal("delete of existing tombstone applied")
	}
}

func TestApplyRejectsUnknownType(t *testing.T) {
	doc := NewDocument("site-1")
	if doc.Apply(Op{Type: "retain", ID: CharID{Site: "x", Seq: 0}}) {
		t.Fatal("unknown op type applied")
	}
}

func TestApplyOwnOpAdvancesCounter(t *testing.T) {
	doc := NewDocument("site-1")

	// An op minted by this site arriving through a relay before any local
	// edits. The counter must jump past it so the id is never reissued.
	echoed := Op{Type: OpInsert, ID: CharID{Site: "site-1", Seq: 4}, Char: "x"}
	if !doc.Apply(echoed) {
		t.Fatal("own echoed op rejected")
	}

	next := doc.InsertChar(0, "y")
	if next.ID.Seq != 5 {
		t.Fatalf("next local seq = %d, want 5", next.ID.Seq)
	}
}

func TestAllOpsReproducesDocument(t *testing.T) {
	source := NewDocument("site-1")
	source.InsertText(0, "hello world")
	source.DeleteText(5, 1)
	source.InsertText(5, ", ")

	replica := NewDocument("site-2")
	for _, op := range source.AllOps() {
		if !replica.Apply(op) {
			t.Fatalf("replay op %v rejected", op.ID)
		}
	}

	if replica.Value() != source.Value() {
		t.Fatalf("value = %q, want %q", replica.Value(), source.Value())
	}
	if replica.NodeCount() != source.NodeCount() || replica.TombstoneCount() != source.TombstoneCount() {
		t.Fatalf("structure diverged: nodes %d/%d tombstones %d/%d",
			replica.NodeCount(), source.NodeCount(), replica.TombstoneCount(), source.TombstoneCount())
	}
}

func TestUnsafeCompact(t *testing.T) {
	doc := NewDocument("site-1")
	ops := doc.InsertText(0, "abcdef")
	doc.DeleteText(1, 2)

	before := doc.Value()
	removed := doc.UnsafeCompact()
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if doc.Value() != before {
		t.Fatalf("compaction changed visible text: %q -> %q", before, doc.Value())
	}
	if doc.NodeCount() != 4 || doc.TombstoneCount() != 0 {
		t.Fatalf("nodes = %d tombstones = %d after compaction", doc.NodeCount(), doc.TombstoneCount())
	}

	// A late delete for a compacted id is now indistinguishable from an
	// unknown id and must be rejected.
	if doc.Apply(Op{Type: OpDelete, ID: ops[1].ID}) {
		t.Fatal("delete targeting a compacted tombstone applied")
	}

	// Survivors must still be addressable through the rebuilt index.
	doc.InsertChar(1, "x")
	if doc.Value() != "axdef" {
		t.Fatalf("value = %q, want axdef", doc.Value())
	}

	if doc.UnsafeCompact() != 0 {
		t.Fatal("compacting a tombstone-free document removed nodes")
	}
}

func TestContains(t *testing.T) {
	doc := NewDocument("site-1")
	ops := doc.InsertText(0, "a")
	doc.DeleteChar(0)

	if !doc.Contains(ops[0].ID) {
		t.Fatal("tombstoned id must still be contained")
	}
	if doc.Contains(CharID{Site: "other", Seq: 0}) {
		t.Fatal("unknown id reported as contained")
	}
}
