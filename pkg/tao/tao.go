// Package tao implements the query router: the single entry point that
// authorizes a viewer, resolves the shard(s) an operation touches, drives
// the write-ahead log around any operation spanning more than one shard,
// keeps the cache tiers coherent, and returns the typed Error a caller can
// branch on. There are no cross-shard transactions — an association write
// that owns an inverse edge is made crash-safe by the WAL instead.
//
// © 2025 taodb authors. MIT License.
package tao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/taodb/pkg/cache"
	"github.com/Voskan/taodb/pkg/inverse"
	"github.com/Voskan/taodb/pkg/shard"
	"github.com/Voskan/taodb/pkg/storage"
	"github.com/Voskan/taodb/pkg/taoid"
	"github.com/Voskan/taodb/pkg/viewer"
	"github.com/Voskan/taodb/pkg/wal"
)

// Clock returns the current time in milliseconds since the Unix epoch.
// Tests substitute a deterministic clock the same way pkg/taoid does.
type Clock func() int64

// RetryPolicy bounds how many times, and how long, a shard write inside
// AssocAdd/AssocDelete is retried before surfacing KindShardUnavailable.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// Core is the TAO query router.
type Core struct {
	topo                 *shard.Topology
	wal                  *wal.Log
	idgens               map[uint16]*taoid.Generator
	inv                  *inverse.Registry
	objects              *cache.ObjectCache
	assocs               *cache.AssocListCache
	counts               *cache.CountCache
	now                  Clock
	log                  *zap.Logger
	retry                RetryPolicy
	maxClockRegressionMs int64
}

// Option configures a Core built by New.
type Option func(*Core)

// WithLogger attaches a zap.Logger to the Core. No Core method currently
// writes to it.
func WithLogger(l *zap.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetryPolicy overrides the default single-attempt (no retry) policy
// applied to each shard write inside AssocAdd/AssocDelete.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Core) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

// WithMaxClockRegression sets the ceiling every shard's id generator
// tolerates the wall clock moving backwards before ObjAdd fails with
// KindClockRegressionExceeded, mirroring taoid.WithMaxClockRegression.
func WithMaxClockRegression(ms int64) Option {
	return func(c *Core) { c.maxClockRegressionMs = ms }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now Clock) Option {
	return func(c *Core) { c.now = now }
}

// New builds a Core over an already-open shard topology and WAL. idEpochMs
// is the taoid generator epoch shared by every shard.
func New(topo *shard.Topology, log *wal.Log, inv *inverse.Registry, idEpochMs int64,
	objects *cache.ObjectCache, assocs *cache.AssocListCache, counts *cache.CountCache,
	opts ...Option,
) (*Core, error) {
	c := &Core{
		topo:    topo,
		wal:     log,
		inv:     inv,
		objects: objects,
		assocs:  assocs,
		counts:  counts,
		now:     func() int64 { return time.Now().UnixMilli() },
		log:     zap.NewNop(),
		retry:   RetryPolicy{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(c)
	}

	// Id generators are built after options run so WithMaxClockRegression
	// can take effect.
	idgens := make(map[uint16]*taoid.Generator, topo.Count())
	for i := 0; i < topo.Count(); i++ {
		s, err := topo.ByID(uint16(i))
		if err != nil {
			return nil, err
		}
		gen, err := taoid.New(s.ID, idEpochMs, taoid.WithMaxClockRegression(c.maxClockRegressionMs))
		if err != nil {
			return nil, fmt.Errorf("tao: building id generator for shard %d: %w", s.ID, err)
		}
		idgens[s.ID] = gen
	}
	c.idgens = idgens

	return c, nil
}

// ObjAdd creates a new object on the given shard and returns its id.
func (c *Core) ObjAdd(ctx context.Context, v viewer.Context, shardID uint16, otype string, data []byte) (uint64, error) {
	const op = "ObjAdd"
	if err := v.Authorize(viewer.CapObjectWrite); err != nil {
		return 0, newError(op, KindUnauthorized, err)
	}
	gen, ok := c.idgens[shardID]
	if !ok {
		return 0, newError(op, KindShardUnavailable, fmt.Errorf("no id generator for shard %d", shardID))
	}
	s, err := c.topo.ByID(shardID)
	if err != nil {
		return 0, newError(op, KindShardUnavailable, err)
	}
	id, err := gen.Next()
	if err != nil {
		if errors.Is(err, taoid.ErrClockRegressionExceeded) {
			return 0, newError(op, KindClockRegressionExceeded, err)
		}
		return 0, newError(op, KindInvalidArgument, err)
	}
	now := c.now()
	if err := s.Engine.PutObject(id, otype, data, now); err != nil {
		return 0, newError(op, KindConflict, err)
	}
	return id, nil
}

// ObjGet fetches a single object, consulting the object cache first.
func (c *Core) ObjGet(ctx context.Context, v viewer.Context, id uint64) (storage.ObjectRow, error) {
	const op = "ObjGet"
	if err := v.Authorize(viewer.CapObjectRead); err != nil {
		return storage.ObjectRow{}, newError(op, KindUnauthorized, err)
	}
	if row, ok := c.objects.Get(id); ok {
		return row, nil
	}
	s, err := c.topo.Route(id)
	if err != nil {
		// An id whose embedded shard is not in the topology names no
		// stored object.
		return storage.ObjectRow{}, newError(op, KindNotFound, err)
	}
	row, found, err := s.Engine.GetObject(id)
	if err != nil {
		return storage.ObjectRow{}, newError(op, KindShardUnavailable, err)
	}
	if !found {
		return storage.ObjectRow{}, newError(op, KindNotFound, fmt.Errorf("object %d", id))
	}
	c.objects.Put(ctx, id, row, len(row.Data)+64)
	return row, nil
}

// ObjGetMany fetches several objects in parallel, one ObjGet call per id, all
// in flight at once. A missing id is simply absent
// from the result map rather than failing the whole call.
func (c *Core) ObjGetMany(ctx context.Context, v viewer.Context, ids []uint64) (map[uint64]storage.ObjectRow, error) {
	const op = "ObjGetMany"
	if err := v.Authorize(viewer.CapObjectRead); err != nil {
		return nil, newError(op, KindUnauthorized, err)
	}

	results := make(map[uint64]storage.ObjectRow, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			row, err := c.ObjGet(gctx, v, id)
			if err != nil {
				if IsKind(err, KindNotFound) {
					return nil
				}
				return err
			}
			mu.Lock()
			results[id] = row
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ObjUpdate overwrites an existing object's data.
func (c *Core) ObjUpdate(ctx context.Context, v viewer.Context, id uint64, data []byte) error {
	const op = "ObjUpdate"
	if err := v.Authorize(viewer.CapObjectWrite); err != nil {
		return newError(op, KindUnauthorized, err)
	}
	s, err := c.topo.Route(id)
	if err != nil {
		return newError(op, KindShardUnavailable, err)
	}
	if err := s.Engine.UpdateObject(id, data, c.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(op, KindNotFound, err)
		}
		return newError(op, KindShardUnavailable, err)
	}
	c.objects.Delete(id)
	return nil
}

// ObjDelete removes an object. Associations pointing at it are not
// cascade-deleted — a dangling association is a valid, if stale, edge that
// AssocRange/AssocGet will still return, matching TAO's own behavior.
func (c *Core) ObjDelete(ctx context.Context, v viewer.Context, id uint64) error {
	const op = "ObjDelete"
	if err := v.Authorize(viewer.CapObjectWrite); err != nil {
		return newError(op, KindUnauthorized, err)
	}
	s, err := c.topo.Route(id)
	if err != nil {
		return newError(op, KindShardUnavailable, err)
	}
	if err := s.Engine.DeleteObject(id); err != nil {
		return newError(op, KindShardUnavailable, err)
	}
	c.objects.Delete(id)
	return nil
}

// assocArgs is the WAL payload for assoc_add/assoc_delete records.
type assocArgs struct {
	ID1  uint64 `json:"id1"`
	Type string `json:"type"`
	ID2  uint64 `json:"id2"`
	Time int64  `json:"time,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// AssocAdd creates or refreshes the edge (id1, atype, id2), and its inverse
// edge if atype's registry entry calls for one. Time is caller-supplied
// (callers backfilling historical edges pass the original timestamp;
// callers recording a live event pass the current time).
func (c *Core) AssocAdd(ctx context.Context, v viewer.Context, id1 uint64, atype string, id2 uint64, t int64, data []byte) error {
	const op = "AssocAdd"
	if err := v.Authorize(viewer.CapAssocWrite); err != nil {
		return newError(op, KindUnauthorized, err)
	}

	args, err := json.Marshal(assocArgs{ID1: id1, Type: atype, ID2: id2, Time: t, Data: data})
	if err != nil {
		return newError(op, KindInvalidArgument, err)
	}
	lsn, err := c.wal.Append("assoc_add", args, c.now())
	if err != nil {
		return newError(op, KindShardUnavailable, err)
	}

	if err := c.applyAssocAdd(ctx, id1, atype, id2, t, data); err != nil {
		return newError(op, KindShardUnavailable, err)
	}

	if err := c.wal.Commit(lsn); err != nil {
		return newError(op, KindShardUnavailable, err)
	}
	return nil
}

// withRetry runs fn, retrying on error up to c.retry.MaxAttempts times with
// exponential backoff starting at c.retry.BaseBackoff between attempts,
// honoring ctx cancellation while waiting. The final attempt's error is
// returned if every attempt fails.
func (c *Core) withRetry(ctx context.Context, fn func() error) error {
	backoff := c.retry.BaseBackoff
	var err error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// applyAssocAdd writes the primary edge and, when the inverse registry
// requires it, the reverse edge. It is shared by AssocAdd and WAL replay, so
// it must be safe to call twice for the same logical write — PutAssoc is an
// upsert, so it is. Each shard write is retried per c.retry before
// surfacing as KindShardUnavailable to the caller.
func (c *Core) applyAssocAdd(ctx context.Context, id1 uint64, atype string, id2 uint64, t int64, data []byte) error {
	primary, err := c.topo.Route(id1)
	if err != nil {
		return err
	}
	now := c.now()
	if err := c.withRetry(ctx, func() error {
		return primary.Engine.PutAssoc(id1, atype, id2, t, data, now)
	}); err != nil {
		return err
	}
	c.invalidateAssocCaches(id1, atype)

	if invType, ok := c.inv.InverseType(atype); ok {
		inverseShard, err := c.topo.Route(id2)
		if err != nil {
			return err
		}
		if err := c.withRetry(ctx, func() error {
			return inverseShard.Engine.PutAssoc(id2, invType, id1, t, data, now)
		}); err != nil {
			return err
		}
		c.invalidateAssocCaches(id2, invType)
	}
	return nil
}

// AssocDelete removes the edge (id1, atype, id2) and its inverse, if any.
// Deleting an edge that does not exist is not an error — both the primary
// and replayed deletes must be idempotent.
func (c *Core) AssocDelete(ctx context.Context, v viewer.Context, id1 uint64, atype string, id2 uint64) error {
	const op = "AssocDelete"
	if err := v.Authorize(viewer.CapAssocWrite); err != nil {
		return newError(op, KindUnauthorized, err)
	}

	args, err := json.Marshal(assocArgs{ID1: id1, Type: atype, ID2: id2})
	if err != nil {
		return newError(op, KindInvalidArgument, err)
	}
	lsn, err := c.wal.Append("assoc_delete", args, c.now())
	if err != nil {
		return newError(op, KindShardUnavailable, err)
	}

	if err := c.applyAssocDelete(ctx, id1, atype, id2); err != nil {
		return newError(op, KindShardUnavailable, err)
	}

	if err := c.wal.Commit(lsn); err != nil {
		return newError(op, KindShardUnavailable, err)
	}
	return nil
}

// applyAssocDelete is shared by AssocDelete and WAL replay; each shard write
// is retried per c.retry before surfacing as KindShardUnavailable.
func (c *Core) applyAssocDelete(ctx context.Context, id1 uint64, atype string, id2 uint64) error {
	primary, err := c.topo.Route(id1)
	if err != nil {
		return err
	}
	if err := c.withRetry(ctx, func() error {
		return primary.Engine.DeleteAssoc(id1, atype, id2)
	}); err != nil {
		return err
	}
	c.invalidateAssocCaches(id1, atype)

	if invType, ok := c.inv.InverseType(atype); ok {
		inverseShard, err := c.topo.Route(id2)
		if err != nil {
			return err
		}
		if err := c.withRetry(ctx, func() error {
			return inverseShard.Engine.DeleteAssoc(id2, invType, id1)
		}); err != nil {
			return err
		}
		c.invalidateAssocCaches(id2, invType)
	}
	return nil
}

func (c *Core) invalidateAssocCaches(id1 uint64, atype string) {
	c.counts.Delete(cache.CountKey{ID1: id1, Type: atype})
	// Range results are keyed by their full query parameters, so a point
	// write cannot name every cached key it affects; they expire on TTL
	// instead. This mirrors TAO's own tolerance for briefly stale assoc
	// ranges after a write.
}

// AssocGet fetches the edges (id1, atype, id2) for each id2 in id2s that
// actually exist, in no particular order. A missing id2 is simply absent
// from the result rather than failing the whole batch. Point lookups
// bypass the cache tiers: they are already O(1) against the storage engine
// and are not the hot path the range/count caches exist to protect.
func (c *Core) AssocGet(ctx context.Context, v viewer.Context, id1 uint64, atype string, id2s []uint64) ([]storage.AssocRow, error) {
	const op = "AssocGet"
	if err := v.Authorize(viewer.CapAssocRead); err != nil {
		return nil, newError(op, KindUnauthorized, err)
	}
	s, err := c.topo.Route(id1)
	if err != nil {
		return nil, newError(op, KindShardUnavailable, err)
	}
	out := make([]storage.AssocRow, 0, len(id2s))
	for _, id2 := range id2s {
		row, found, err := s.Engine.GetAssoc(id1, atype, id2)
		if err != nil {
			return nil, newError(op, KindShardUnavailable, err)
		}
		if !found {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// AssocRange returns up to limit edges from (id1, atype), newest first,
// skipping offset rows. limit < 0 means unlimited.
func (c *Core) AssocRange(ctx context.Context, v viewer.Context, id1 uint64, atype string, offset, limit int) ([]storage.AssocRow, error) {
	return c.AssocTimeRange(ctx, v, id1, atype, 0, 1<<62, offset, limit)
}

// AssocTimeRange returns edges from (id1, atype) with time in (timeLo,
// timeHi], newest first, honoring offset/limit like AssocRange.
func (c *Core) AssocTimeRange(ctx context.Context, v viewer.Context, id1 uint64, atype string, timeLo, timeHi int64, offset, limit int) ([]storage.AssocRow, error) {
	const op = "AssocTimeRange"
	if err := v.Authorize(viewer.CapAssocRead); err != nil {
		return nil, newError(op, KindUnauthorized, err)
	}

	key := cache.AssocListKey{ID1: id1, Type: atype, TimeLo: timeLo, TimeHi: timeHi, Offset: offset, Limit: limit}
	rows, err := c.assocs.GetOrLoad(ctx, key, func(ctx context.Context, key cache.AssocListKey) ([]storage.AssocRow, error) {
		s, err := c.topo.Route(key.ID1)
		if err != nil {
			return nil, err
		}
		return s.Engine.RangeAssoc(key.ID1, key.Type, key.TimeLo, key.TimeHi, key.Offset, key.Limit)
	})
	if err != nil {
		return nil, newError(op, KindShardUnavailable, err)
	}
	return rows, nil
}

// AssocCount returns the number of edges from (id1, atype).
func (c *Core) AssocCount(ctx context.Context, v viewer.Context, id1 uint64, atype string) (int64, error) {
	const op = "AssocCount"
	if err := v.Authorize(viewer.CapAssocRead); err != nil {
		return 0, newError(op, KindUnauthorized, err)
	}

	key := cache.CountKey{ID1: id1, Type: atype}
	n, err := c.counts.GetOrLoad(ctx, key, func(ctx context.Context, key cache.CountKey) (int64, error) {
		s, err := c.topo.Route(key.ID1)
		if err != nil {
			return 0, err
		}
		return s.Engine.CountAssoc(key.ID1, key.Type)
	})
	if err != nil {
		return 0, newError(op, KindShardUnavailable, err)
	}
	return n, nil
}

// Recover replays any WAL record left pending by a crash between a shard
// write and its commit. Call this once, before serving traffic. It takes no
// viewer and performs no authorization check.
func (c *Core) Recover(ctx context.Context) error {
	return c.wal.Recover(func(rec wal.Record) error {
		var args assocArgs
		if err := json.Unmarshal(rec.Args, &args); err != nil {
			return newError("Recover", KindCorruptedWAL, err)
		}
		switch rec.Op {
		case "assoc_add":
			return c.applyAssocAdd(ctx, args.ID1, args.Type, args.ID2, args.Time, args.Data)
		case "assoc_delete":
			return c.applyAssocDelete(ctx, args.ID1, args.Type, args.ID2)
		default:
			return newError("Recover", KindCorruptedWAL, fmt.Errorf("unknown wal op %q", rec.Op))
		}
	})
}

// GraphWalkEdgeTypes is the fixed set of association types a bounded graph
// walk follows between the discovered "user" nodes.
var GraphWalkEdgeTypes = []string{"friend", "follow", "like"}

// GraphNode is one object in a GraphWalk result.
type GraphNode struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}

// GraphEdge is one association in a GraphWalk result.
type GraphEdge struct {
	ID1  uint64 `json:"id1"`
	Type string `json:"type"`
	ID2  uint64 `json:"id2"`
}

// Graph is the {nodes[], edges[]} shape the /api/graph façade endpoint
// returns.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphWalk returns a bounded snapshot of up to maxUsers "user" objects,
// gathered shard by shard, plus the GraphWalkEdgeTypes edges found between
// them. It is an illustrative, non-paginated endpoint, not a bulk export
// path: callers needing the full graph should page through ObjGetMany and
// AssocRange directly.
func (c *Core) GraphWalk(ctx context.Context, v viewer.Context, maxUsers int) (Graph, error) {
	const op = "GraphWalk"
	if err := v.Authorize(viewer.CapObjectRead); err != nil {
		return Graph{}, newError(op, KindUnauthorized, err)
	}
	if err := v.Authorize(viewer.CapAssocRead); err != nil {
		return Graph{}, newError(op, KindUnauthorized, err)
	}
	if maxUsers <= 0 {
		maxUsers = 100
	}

	var nodes []GraphNode
	seen := make(map[uint64]struct{}, maxUsers)
	for i := 0; i < c.topo.Count() && len(nodes) < maxUsers; i++ {
		s, err := c.topo.ByID(uint16(i))
		if err != nil {
			return Graph{}, newError(op, KindShardUnavailable, err)
		}
		rows, err := s.Engine.ScanObjects("user", maxUsers-len(nodes))
		if err != nil {
			return Graph{}, newError(op, KindShardUnavailable, err)
		}
		for _, row := range rows {
			nodes = append(nodes, GraphNode{ID: row.ID, Type: row.Type})
			seen[row.ID] = struct{}{}
		}
	}

	var edges []GraphEdge
	for _, n := range nodes {
		for _, atype := range GraphWalkEdgeTypes {
			rows, err := c.AssocRange(ctx, v, n.ID, atype, 0, -1)
			if err != nil {
				return Graph{}, err
			}
			for _, r := range rows {
				if _, ok := seen[r.ID2]; !ok {
					continue
				}
				edges = append(edges, GraphEdge{ID1: r.ID1, Type: r.Type, ID2: r.ID2})
			}
		}
	}

	return Graph{Nodes: nodes, Edges: edges}, nil
}

// Snapshot reports lightweight cache occupancy counters for diagnostics,
// consumed by the httpapi debug endpoint and cmd/taodb-inspect.
type Snapshot struct {
	Shards            int `json:"shards"`
	ObjectCacheLen    int `json:"object_cache_len"`
	AssocListCacheLen int `json:"assoc_list_cache_len"`
	CountCacheLen     int `json:"count_cache_len"`
}

// Snapshot returns the current cache occupancy snapshot.
func (c *Core) Snapshot() Snapshot {
	return Snapshot{
		Shards:            c.topo.Count(),
		ObjectCacheLen:    c.objects.Len(),
		AssocListCacheLen: c.assocs.Len(),
		CountCacheLen:     c.counts.Len(),
	}
}

