// Package bench provides reproducible micro-benchmarks for taodb.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// Two layers are measured:
//   - pkg/cache in isolation, with the same key/value shape the teacher
//     used (uint64 key, 64-byte value), so cache-layer regressions are
//     visible independent of storage/WAL overhead.
//   - pkg/tao end to end, against an in-memory Badger instance, to measure
//     what a client actually observes: AssocAdd (WAL append, one shard
//     write for an edge type with no inverse, WAL commit) and AssocRange
//     (cache-aside range reads).
//
// © 2025 taodb authors. MIT License.
package bench

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/Voskan/taodb/pkg/cache"
	"github.com/Voskan/taodb/pkg/inverse"
	"github.com/Voskan/taodb/pkg/shard"
	"github.com/Voskan/taodb/pkg/storage"
	"github.com/Voskan/taodb/pkg/tao"
	"github.com/Voskan/taodb/pkg/viewer"
	"github.com/Voskan/taodb/pkg/wal"
)

type value64 struct {
	_ [64]byte
}

const (
	capBytes = 64 << 20 // 64 MiB per shard cap
	ttl      = time.Minute
	shardsN  = 16
	keys     = 1 << 20 // 1M keys for dataset
)

func newTestCache() *cache.Cache[uint64, value64] {
	c, err := cache.New[uint64, value64](capBytes, ttl, shardsN)
	if err != nil {
		panic(err)
	}
	return c
}

var ds = func() []uint64 {
	rnd := rand.New(rand.NewSource(42))
	arr := make([]uint64, keys)
	for i := range arr {
		arr[i] = rnd.Uint64()
	}
	return arr
}()

func BenchmarkCachePut(b *testing.B) {
	c := newTestCache()
	val := value64{}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		c.Put(context.Background(), key, val, 1)
	}
	c.Close()
}

func BenchmarkCacheGetOrLoad(b *testing.B) {
	c := newTestCache()
	val := value64{}
	for _, k := range ds {
		c.Put(context.Background(), k, val, 1)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		_, _ = c.GetOrLoad(context.Background(), k, func(ctx context.Context, key uint64) (value64, error) {
			return val, nil
		})
	}
	c.Close()
}

func BenchmarkCacheGetParallel(b *testing.B) {
	c := newTestCache()
	val := value64{}
	for _, k := range ds {
		c.Put(context.Background(), k, val, 1)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			_, _ = c.GetOrLoad(context.Background(), ds[idx], func(ctx context.Context, key uint64) (value64, error) {
				return val, nil
			})
		}
	})
	c.Close()
}

func newBenchCore(b *testing.B) *tao.Core {
	b.Helper()
	eng, err := storage.Open(0, "")
	if err != nil {
		b.Fatal(err)
	}
	topo, err := shard.New([]*shard.Shard{{ID: 0, Engine: eng}})
	if err != nil {
		b.Fatal(err)
	}
	l, err := wal.Open(b.TempDir() + "/bench.wal")
	if err != nil {
		b.Fatal(err)
	}
	objects, err := cache.New[uint64, storage.ObjectRow](capBytes, ttl, 4)
	if err != nil {
		b.Fatal(err)
	}
	assocs, err := cache.New[cache.AssocListKey, []storage.AssocRow](capBytes, ttl, 4)
	if err != nil {
		b.Fatal(err)
	}
	counts, err := cache.New[cache.CountKey, int64](capBytes, ttl, 4)
	if err != nil {
		b.Fatal(err)
	}
	core, err := tao.New(topo, l, inverse.NewRegistry(), 0, objects, assocs, counts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		_ = l.Close()
		_ = eng.Close()
	})
	return core
}

func BenchmarkTaoAssocAdd(b *testing.B) {
	core := newBenchCore(b)
	v := viewer.NewSystem("bench")
	ctx := context.Background()

	id1, err := core.ObjAdd(ctx, v, 0, "user", nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id2 := uint64(i + 1)
		if err := core.AssocAdd(ctx, v, id1, "like", id2, int64(i), nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTaoAssocRange(b *testing.B) {
	core := newBenchCore(b)
	v := viewer.NewSystem("bench")
	ctx := context.Background()

	id1, err := core.ObjAdd(ctx, v, 0, "user", nil)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		if err := core.AssocAdd(ctx, v, id1, "like", uint64(i+1), int64(i), nil); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := core.AssocRange(ctx, v, id1, "like", 0, 20); err != nil {
			b.Fatal(err)
		}
	}
}
