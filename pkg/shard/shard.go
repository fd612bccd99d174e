// Package shard holds the static shard topology and the routing function
// that maps every id to the single shard that owns it. There are no
// cross-shard transactions in this core: every operation resolves to
// exactly one shard (or, for an inverse write, to exactly two).
//
// This generalizes the teacher's Cache.shardIndex — which hashes a key
// modulo the shard count — into an explicit lookup that needs no hashing at
// all, since a taodb id already embeds its shard (pkg/taoid).
//
// © 2025 taodb authors. MIT License.
package shard

import (
	"fmt"

	"github.com/Voskan/taodb/pkg/storage"
	"github.com/Voskan/taodb/pkg/taoid"
)

// Shard pairs a logical shard id with the storage engine that owns it.
type Shard struct {
	ID     uint16
	Engine *storage.Engine
}

// Topology is the static, ordered list of shards known to this process.
type Topology struct {
	shards []*Shard
}

// New builds a Topology from an ordered slice of shards. The slice index
// must equal the shard's ID — callers typically build this from
// taocfg.Config.Shards by opening one storage.Engine per entry.
func New(shards []*Shard) (*Topology, error) {
	for i, s := range shards {
		if s == nil {
			return nil, fmt.Errorf("shard: nil shard at index %d", i)
		}
		if int(s.ID) != i {
			return nil, fmt.Errorf("shard: shard at index %d has id %d, table must be dense and ordered", i, s.ID)
		}
	}
	return &Topology{shards: shards}, nil
}

// Count returns the number of shards in the topology.
func (t *Topology) Count() int { return len(t.shards) }

// ByID returns the shard with the given id.
func (t *Topology) ByID(id uint16) (*Shard, error) {
	if int(id) >= len(t.shards) {
		return nil, fmt.Errorf("shard: no shard with id %d (topology has %d shards)", id, len(t.shards))
	}
	return t.shards[id], nil
}

// Route resolves the shard that owns a given object or association-source
// id, per the id's embedded shard field.
func (t *Topology) Route(id uint64) (*Shard, error) {
	return t.ByID(taoid.ShardOf(id))
}

// Close closes every shard's storage engine, collecting the first error
// encountered while still attempting to close the rest.
func (t *Topology) Close() error {
	var first error
	for _, s := range t.shards {
		if err := s.Engine.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
