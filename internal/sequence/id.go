// Package sequence implements a replicated growable array for collaborative
// plain text. Each character carries a globally unique (site, seq) identifier
// and deletion leaves a tombstone, so concurrent edits from any number of
// replicas converge to the same document once every operation is delivered.
package sequence

import (
	"fmt"

	"github.com/example/shared-state-engine/internal/types"
)

// CharID uniquely identifies an inserted character: the originating site and
// that site's monotonically increasing counter value at insertion time. A
// pair is never reused, even after the character is deleted and compacted.
type CharID struct {
	Site types.SiteID `json:"site"`
	Seq  uint64       `json:"seq"`
}

// Compare defines the total order used for structural placement of concurrent
// inserts: primarily by sequence number, ties broken by site ID. Every
// replica applies this identical comparison, which is what makes concurrent
// inserts at the same logical position land in the same relative order
// everywhere. It is deliberately timestamp-free and distinct from the LWW
// tie-break.
func (id CharID) Compare(other CharID) int {
	switch {
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	case id.Site < other.Site:
		return -1
	case id.Site > other.Site:
		return 1
	default:
		return 0
	}
}

// String renders the identifier for logs and error messages.
func (id CharID) String() string {
	return fmt.Sprintf("%s#%d", id.Site, id.Seq)
}
