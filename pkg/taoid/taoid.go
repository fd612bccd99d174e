// Package taoid generates shard-aware, time-sortable 64-bit identifiers.
//
// An id packs three fields:
//
//	[ timestamp:42 | shard:10 | sequence:12 ]
//
// timestamp is milliseconds since a caller-supplied epoch, shard is the
// 0..1023 shard that owns the id, and sequence is a per-millisecond counter
// that resets to zero each time the clock advances. The layout means
// ShardOf never needs a lookup: the shard is carried inside the id itself.
//
// The generator mirrors the locking discipline used throughout this module
// — a single mutex guards the small amount of mutable state (lastMs, seq)
// and is never held across anything that can block for long.
//
// © 2025 taodb authors. MIT License.
package taoid

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const (
	timestampBits = 42
	shardBits     = 10
	sequenceBits  = 12

	maxShard    = 1<<shardBits - 1   // 1023
	maxSequence = 1<<sequenceBits - 1 // 4095

	shardShift = sequenceBits
	timeShift  = sequenceBits + shardBits
)

// ErrInvalidShardID is returned by New when shardID falls outside [0, 1023].
var ErrInvalidShardID = errors.New("taoid: shard id must be in [0, 1023]")

// ErrClockRegressionExceeded is returned by Next when the system clock has
// moved backwards by more than the generator's configured ceiling.
var ErrClockRegressionExceeded = errors.New("taoid: clock regression exceeded ceiling")

// Generator issues unique, monotonic, shard-aware ids for one shard.
//
// A Generator is safe for concurrent use. Callers typically construct one
// Generator per shard and share it among the goroutines serving writes
// routed to that shard.
type Generator struct {
	mu  sync.Mutex
	now func() int64 // injectable for tests; defaults to time.Now().UnixMilli

	epochMs   int64
	shardID   uint16
	maxRegressMs int64

	lastMs int64
	seq    uint32
}

// Option configures a Generator constructed by New.
type Option func(*Generator)

// WithClock overrides the generator's time source. Intended for tests that
// need to simulate clock regression or sequence wraparound deterministically.
func WithClock(now func() int64) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMaxClockRegression sets the ceiling (in milliseconds) a generator will
// tolerate the wall clock moving backwards before Next fails with
// ErrClockRegressionExceeded. The default is 0: any regression is fatal.
func WithMaxClockRegression(ms int64) Option {
	return func(g *Generator) {
		if ms > 0 {
			g.maxRegressMs = ms
		}
	}
}

// New constructs a Generator for shardID (0..1023), issuing ids relative to
// epochMs (milliseconds since the Unix epoch).
func New(shardID uint16, epochMs int64, opts ...Option) (*Generator, error) {
	if shardID > maxShard {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidShardID, shardID)
	}
	g := &Generator{
		now:     func() int64 { return time.Now().UnixMilli() },
		epochMs: epochMs,
		shardID: shardID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next returns a fresh id. It blocks briefly (yielding the processor, not
// sleeping) if the per-millisecond sequence space is exhausted, waiting for
// the clock to advance to the next millisecond.
func (g *Generator) Next() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if now < g.lastMs {
		regressed := g.lastMs - now
		if g.maxRegressMs <= 0 || regressed > g.maxRegressMs {
			return 0, fmt.Errorf("%w: clock moved back %dms", ErrClockRegressionExceeded, regressed)
		}
		// Within tolerance: wait for the clock to catch back up rather than
		// emit an id from the past.
		for now < g.lastMs {
			runtime.Gosched()
			now = g.now()
		}
	}

	if now == g.lastMs {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			// Sequence wrapped within the same millisecond: busy-wait for
			// the clock to tick forward rather than reuse a sequence.
			for now <= g.lastMs {
				runtime.Gosched()
				now = g.now()
			}
			g.lastMs = now
		}
	} else {
		g.seq = 0
		g.lastMs = now
	}

	ts := uint64(now-g.epochMs) << timeShift
	sh := uint64(g.shardID) << shardShift
	return ts | sh | uint64(g.seq), nil
}

// ShardOf extracts the owning shard from an id with no lookup required.
func ShardOf(id uint64) uint16 {
	return uint16((id >> shardShift) & maxShard)
}

// TimestampOf extracts the id's embedded timestamp and adds epochMs back,
// returning Unix milliseconds.
func TimestampOf(id uint64, epochMs int64) int64 {
	return int64(id>>timeShift) + epochMs
}

// SequenceOf extracts the id's per-millisecond sequence counter.
func SequenceOf(id uint64) uint32 {
	return uint32(id & maxSequence)
}
