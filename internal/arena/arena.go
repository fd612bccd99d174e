// Package arena wraps allocation of generation-scoped values for the cache
// tiers in pkg/cache. It exposes only the primitives the generation ring
// needs:
//   - New()         – construct an arena.
//   - Free()        – drop the arena's values for GC.
//   - NewValue[T]() – allocate a single value of type T.
//   - MakeSlice[T]() – allocate a slice of T with length==cap.
//
// An earlier revision of this package built on Go's goexperiment.arenas
// package to back allocations with GC-opaque memory freed in O(1) on
// generation rotation. That package is gated behind a build tag that is not
// enabled in standard toolchains and is not available to dependents that
// build this module without GOEXPERIMENT=arenas, so it cannot be a load-
// bearing dependency of a library meant to be imported by other programs.
// This revision keeps the exact same surface — callers in internal/genring
// and pkg/cache are unaffected — backed by ordinary heap allocation. Free()
// becomes a no-op for GC purposes beyond dropping references; the generation
// ring's TTL/capacity-triggered rotation still bounds how long a generation's
// values are reachable.
//
// © 2025 taodb authors. MIT License.
package arena

import "unsafe"

// Arena is a thin new-type wrapper that prevents external packages from
// depending on the allocation strategy directly, so it can change without
// touching callers.
type Arena struct {
	freed bool
}

// New constructs an empty arena ready for allocations.
func New() *Arena {
	return &Arena{}
}

// Free marks the arena as no longer accepting allocations. Values already
// handed out remain valid Go heap values until their last reference drops;
// callers must still stop dereferencing pointers obtained from a freed
// arena, since the generation they belong to is considered retired.
func (a *Arena) Free() {
	a.freed = true
}

// NewValue allocates a zero-initialised T and returns a pointer to it.
func NewValue[T any](a *Arena) *T {
	return new(T)
}

// MakeSlice allocates a slice of length==cap==n.
func MakeSlice[T any](a *Arena, n int) []T {
	return make([]T, n)
}

// AllocBytes copies buf into a freshly allocated slice and returns it.
func AllocBytes(a *Arena, buf []byte) []byte {
	dst := make([]byte, len(buf))
	copy(dst, buf)
	return dst
}

// UnsafePointer converts a pointer to unsafe.Pointer so it can be stored
// inside cache metadata alongside other entry fields.
func UnsafePointer[T any](p *T) unsafe.Pointer { return unsafe.Pointer(p) }
