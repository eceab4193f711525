package lww

import "github.com/example/shared-state-engine/internal/types"

// Register is a last-write-wins scalar. The stored timestamp and site always
// describe the write that most recently won the tie-break, never the most
// recent attempt.
type Register[T any] struct {
	value T
	ts    int64
	site  types.SiteID
}

// NewRegister creates a register holding the initial value at timestamp zero,
// so any real write (timestamp > 0) supersedes it.
func NewRegister[T any](initial T, site types.SiteID) *Register[T] {
	return &Register[T]{value: initial, site: site}
}

// Set offers a write to the register. It returns true and overwrites the
// value in place when the incoming (timestamp, site) wins the tie-break, and
// false leaving the register untouched otherwise.
func (r *Register[T]) Set(value T, site types.SiteID, ts int64) bool {
	if !RemoteWins(r.ts, r.site, ts, site) {
		return false
	}
	r.value = value
	r.ts = ts
	r.site = site
	return true
}

// Value returns the current value.
func (r *Register[T]) Value() T { return r.value }

// Timestamp returns the timestamp of the winning write.
func (r *Register[T]) Timestamp() int64 { return r.ts }

// Site returns the site of the winning write.
func (r *Register[T]) Site() types.SiteID { return r.site }

// MergeRegisters reconciles two full register replicas without an op stream.
// It returns a copy of whichever input the tie-break rule selects; neither
// input is mutated.
func MergeRegisters[T any](a, b *Register[T]) *Register[T] {
	out := Resolve(a.value, a.ts, a.site, b.value, b.ts, b.site)
	return &Register[T]{value: out.Value, ts: out.Timestamp, site: out.Site}
}
