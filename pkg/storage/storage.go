// Package storage implements the per-shard object and association relations
// described by the core's data model: two logical tables, object(id, type,
// data, created, updated) and assoc(id1, type, id2, time, data, created,
// updated), backed by one embedded Badger instance per shard.
//
// Badger gives this package three things for free that a hand-rolled file
// format would not: crash-safe single-key transactions, an LSM tree that
// keeps writes cheap, and ordered iteration over a key prefix — which is
// exactly what the association index needs. This generalizes the teacher's
// disk_eject example, where Badger already served as an L2 store behind an
// in-memory cache; here it is promoted to the engine of record for a shard.
//
// © 2025 taodb authors. MIT License.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrConflict is returned by PutObject when the id already exists; PutObject
// always inserts strictly.
var ErrConflict = errors.New("storage: row already exists")

// ErrNotFound is returned by UpdateObject when the target row is absent.
// DeleteObject of an absent row succeeds without error.
var ErrNotFound = errors.New("storage: row not found")

// ObjectRow is the persisted shape of an object.
type ObjectRow struct {
	ID      uint64 `json:"id"`
	Type    string `json:"type"`
	Data    []byte `json:"data"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
}

// AssocRow is the persisted shape of one directed association.
type AssocRow struct {
	ID1     uint64 `json:"id1"`
	Type    string `json:"type"`
	ID2     uint64 `json:"id2"`
	Time    int64  `json:"time"`
	Data    []byte `json:"data"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
}

// Engine is the storage backend for exactly one shard.
type Engine struct {
	db     *badger.DB
	log    *zap.Logger
	shard  uint16
}

// Option configures an Engine returned by Open.
type Option func(*Engine)

// WithLogger attaches a zap.Logger to the Engine. No Engine method currently
// writes to it.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Open creates or reopens the Badger instance rooted at dir for the given
// shard id. Pass dir == "" to get an in-memory instance, used by tests,
// benchmarks and the server's default single-shard configuration.
func Open(shard uint16, dir string, opts ...Option) (*Engine, error) {
	badgerOpts := badger.DefaultOptions(dir)
	if dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil) // we surface our own zap logging

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open shard %d: %w", shard, err)
	}

	e := &Engine{db: db, log: zap.NewNop(), shard: shard}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the underlying Badger handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

/*
   ---------------- key encoding ----------------

   Types are assumed not to contain a NUL byte; this is a documented
   constraint on the schema, the same way association/object types are
   "short string discriminators" in the data model.
*/

func objectKey(id uint64) []byte {
	k := make([]byte, 0, 1+8)
	k = append(k, 'o', 0)
	return binary.BigEndian.AppendUint64(k, id)
}

func assocKey(id1 uint64, atype string, id2 uint64) []byte {
	k := make([]byte, 0, 1+8+1+len(atype)+1+8)
	k = append(k, 'a', 0)
	k = binary.BigEndian.AppendUint64(k, id1)
	k = append(k, 0)
	k = append(k, atype...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, id2)
	return k
}

// assocIndexPrefix returns the shared prefix of every index key for
// (id1, atype); appending an inverted-time/id2 suffix yields a full key.
func assocIndexPrefix(id1 uint64, atype string) []byte {
	k := make([]byte, 0, 1+8+1+len(atype)+1)
	k = append(k, 'i', 0)
	k = binary.BigEndian.AppendUint64(k, id1)
	k = append(k, 0)
	k = append(k, atype...)
	k = append(k, 0)
	return k
}

func assocIndexKey(id1 uint64, atype string, t int64, id2 uint64) []byte {
	prefix := assocIndexPrefix(id1, atype)
	k := make([]byte, 0, len(prefix)+8+8)
	k = append(k, prefix...)
	// Complement both fields so ascending byte order walks descending
	// (time, id2) order, including the tie-break when two edges share a
	// timestamp.
	k = binary.BigEndian.AppendUint64(k, ^uint64(t))
	k = binary.BigEndian.AppendUint64(k, ^id2)
	return k
}

func countKey(id1 uint64, atype string) []byte {
	k := make([]byte, 0, 1+8+1+len(atype))
	k = append(k, 'c', 0)
	k = binary.BigEndian.AppendUint64(k, id1)
	k = append(k, 0)
	k = append(k, atype...)
	return k
}

/*
   ---------------- object operations ----------------
*/

// PutObject inserts a new object row. It returns ErrConflict if id already
// exists; callers performing WAL replay should treat that as success.
func (e *Engine) PutObject(id uint64, otype string, data []byte, now int64) error {
	return e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(id)); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		row := ObjectRow{ID: id, Type: otype, Data: data, Created: now, Updated: now}
		return putJSON(txn, objectKey(id), row)
	})
}

// GetObject returns the object for id, or (zero, false, nil) if absent.
func (e *Engine) GetObject(id uint64) (ObjectRow, bool, error) {
	var row ObjectRow
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	return row, found, err
}

// UpdateObject replaces data and advances updated. Returns ErrNotFound if
// the row is absent.
func (e *Engine) UpdateObject(id uint64, data []byte, now int64) error {
	return e.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var row ObjectRow
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return err
		}
		row.Data = data
		row.Updated = now
		return putJSON(txn, objectKey(id), row)
	})
}

// DeleteObject removes the object row. It does not cascade to associations.
func (e *Engine) DeleteObject(id uint64) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(id))
	})
}

// ScanObjects returns up to limit objects of the given type stored on this
// shard, in key order. A negative limit means unlimited. This is the one
// read path that does not start from a known id; it exists for the bounded
// graph walk exposed over HTTP and is not meant for bulk export.
func (e *Engine) ScanObjects(otype string, limit int) ([]ObjectRow, error) {
	var out []ObjectRow
	prefix := []byte{'o', 0}

	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit >= 0 && len(out) >= limit {
				break
			}
			var row ObjectRow
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &row) }); err != nil {
				return err
			}
			if otype != "" && row.Type != otype {
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

/*
   ---------------- association operations ----------------
*/

// PutAssoc upserts the (id1, atype, id2) edge, refreshing time, data and
// updated per the upsert semantics this core defines for assoc_add.
func (e *Engine) PutAssoc(id1 uint64, atype string, id2 uint64, t int64, data []byte, now int64) error {
	return e.db.Update(func(txn *badger.Txn) error {
		existing, found, err := getAssocTxn(txn, id1, atype, id2)
		if err != nil {
			return err
		}

		row := AssocRow{ID1: id1, Type: atype, ID2: id2, Time: t, Data: data, Updated: now}
		if found {
			row.Created = existing.Created
			// Dropping the old index entry: its sort key embeds the old time.
			if err := txn.Delete(assocIndexKey(id1, atype, existing.Time, id2)); err != nil {
				return err
			}
		} else {
			row.Created = now
			if err := bumpCount(txn, id1, atype, 1); err != nil {
				return err
			}
		}

		if err := putJSON(txn, assocKey(id1, atype, id2), row); err != nil {
			return err
		}
		return putJSON(txn, assocIndexKey(id1, atype, t, id2), row)
	})
}

func getAssocTxn(txn *badger.Txn, id1 uint64, atype string, id2 uint64) (AssocRow, bool, error) {
	var row AssocRow
	item, err := txn.Get(assocKey(id1, atype, id2))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return row, false, nil
	}
	if err != nil {
		return row, false, err
	}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &row) })
	return row, true, err
}

// GetAssoc returns the single edge (id1, atype, id2), or found=false.
func (e *Engine) GetAssoc(id1 uint64, atype string, id2 uint64) (AssocRow, bool, error) {
	var row AssocRow
	var found bool
	err := e.db.View(func(txn *badger.Txn) error {
		r, ok, err := getAssocTxn(txn, id1, atype, id2)
		row, found = r, ok
		return err
	})
	return row, found, err
}

// RangeAssoc returns edges for (id1, atype) ordered time DESC, id2 DESC,
// restricted to the half-open window (timeLo, timeHi], with offset/limit
// applied to the ordered result.
func (e *Engine) RangeAssoc(id1 uint64, atype string, timeLo, timeHi int64, offset, limit int) ([]AssocRow, error) {
	var out []AssocRow
	prefix := assocIndexPrefix(id1, atype)

	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit >= 0 && len(out) >= limit {
				break
			}
			item := it.Item()
			var row AssocRow
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &row) }); err != nil {
				return err
			}
			if row.Time <= timeLo || row.Time > timeHi {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

// CountAssoc returns the denormalized edge count for (id1, atype).
func (e *Engine) CountAssoc(id1 uint64, atype string) (int64, error) {
	var n int64
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(countKey(id1, atype))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	return n, err
}

// DeleteAssoc removes the (id1, atype, id2) edge. It is idempotent: deleting
// an absent edge is not an error.
func (e *Engine) DeleteAssoc(id1 uint64, atype string, id2 uint64) error {
	return e.db.Update(func(txn *badger.Txn) error {
		existing, found, err := getAssocTxn(txn, id1, atype, id2)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := txn.Delete(assocKey(id1, atype, id2)); err != nil {
			return err
		}
		if err := txn.Delete(assocIndexKey(id1, atype, existing.Time, id2)); err != nil {
			return err
		}
		return bumpCount(txn, id1, atype, -1)
	})
}

func bumpCount(txn *badger.Txn, id1 uint64, atype string, delta int64) error {
	key := countKey(id1, atype)
	var n int64
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		n = 0
	case err != nil:
		return err
	default:
		if err := item.Value(func(val []byte) error {
			n = int64(binary.BigEndian.Uint64(val))
			return nil
		}); err != nil {
			return err
		}
	}
	n += delta
	if n < 0 {
		n = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return txn.Set(key, buf)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}
