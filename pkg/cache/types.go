package cache

// types.go instantiates the generic Cache[K,V] for the three tiers TAO Core
// keeps: individual objects, association range results, and association
// counts. Each tier gets its own Cache so that capacity, TTL and eviction
// weight can be tuned independently — a hot count query should not evict a
// large association page, and vice versa.
//
// © 2025 taodb authors. MIT License.

import "github.com/Voskan/taodb/pkg/storage"

// ObjectCache caches single objects by id.
type ObjectCache = Cache[uint64, storage.ObjectRow]

// AssocListKey identifies one AssocRange/AssocTimeRange result set. Two
// calls with different pagination or time bounds are different cache
// entries — TAO does not attempt to serve a sub-range from a cached
// superset.
type AssocListKey struct {
    ID1    uint64
    Type   string
    TimeLo int64
    TimeHi int64
    Offset int
    Limit  int
}

// AssocListCache caches the ordered association rows returned by a range
// query.
type AssocListCache = Cache[AssocListKey, []storage.AssocRow]

// CountKey identifies one AssocCount query.
type CountKey struct {
    ID1  uint64
    Type string
}

// CountCache caches association counts, which churn far less than the
// underlying edges and so tolerate a longer TTL.
type CountCache = Cache[CountKey, int64]
