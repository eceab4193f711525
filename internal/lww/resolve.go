// Package lww implements last-write-wins replicated values: a single shared
// tie-break rule, a scalar register, and a map of independently versioned
// cells. All three converge because every replica runs the identical
// comparison on the same (timestamp, site) inputs.
package lww

import "github.com/example/shared-state-engine/internal/types"

// RemoteWins is the tie-break rule shared by every LWW type. The remote side
// wins when its timestamp is strictly greater, or on a timestamp tie when its
// site ID is lexicographically greater. Both comparisons are strict, so a
// write carrying the exact (timestamp, site) already held loses; re-delivered
// writes never re-apply.
func RemoteWins(localTs int64, localSite types.SiteID, remoteTs int64, remoteSite types.SiteID) bool {
	if remoteTs != localTs {
		return remoteTs > localTs
	}
	return remoteSite > localSite
}

// Outcome reports the winning value and its version after a resolution.
type Outcome[T any] struct {
	Value      T
	Timestamp  int64
	Site       types.SiteID
	RemoteWins bool
}

// Resolve applies the tie-break rule to two candidate values and returns the
// winner. Pure; neither side is mutated.
func Resolve[T any](local T, localTs int64, localSite types.SiteID, remote T, remoteTs int64, remoteSite types.SiteID) Outcome[T] {
	if RemoteWins(localTs, localSite, remoteTs, remoteSite) {
		return Outcome[T]{Value: remote, Timestamp: remoteTs, Site: remoteSite, RemoteWins: true}
	}
	return Outcome[T]{Value: local, Timestamp: localTs, Site: localSite}
}
