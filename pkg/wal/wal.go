// Package wal implements the write-ahead log that makes multi-shard
// association writes (a primary edge plus its inverse) safe to resume after
// a crash. Every TAO Core association write (AssocAdd, AssocDelete) appends
// a pending record before touching storage and a matching committed record
// once both the primary and (if any) inverse shard operations have
// succeeded. Recovery replays any pending record that never got its
// committed counterpart.
//
// The single-writer-lock discipline mirrors the teacher's shard: the mutex
// in Log is held across the in-memory bookkeeping, the encode into the
// buffered writer, and the flush and fsync (after each append in
// FsyncPerOp mode, once per batch in FsyncGroup mode), never across the
// caller's actual storage I/O.
//
// © 2025 taodb authors. MIT License.
package wal

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a WAL record.
type Status string

const (
	Pending     Status = "pending"
	Committed   Status = "committed"
	Compensated Status = "compensated"
)

// Record is one entry in the log. Args is an opaque, caller-serialized
// payload — the log does not interpret it, matching the core's treatment of
// entity data as opaque bytes.
type Record struct {
	LSN       uint64
	Op        string
	Args      []byte
	StartedAt int64
	Status    Status
}

// ErrCorruptedWal is returned by Recover when a record cannot be decoded at
// all (as opposed to a cleanly truncated final write, which recovery
// tolerates).
var ErrCorruptedWal = errors.New("wal: corrupted record")

// FsyncMode controls how aggressively Append durably persists records.
type FsyncMode int

const (
	// FsyncPerOp calls fsync after every appended record.
	FsyncPerOp FsyncMode = iota
	// FsyncGroup batches fsyncs on a fixed interval; Append blocks until the
	// next flush completes.
	FsyncGroup
)

// Log is an append-only, crash-recoverable sequence of Records.
type Log struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	enc  *gob.Encoder

	lsn uint64

	mode          FsyncMode
	groupInterval time.Duration
	waiters       []chan struct{}

	log *zap.Logger

	closeOnce sync.Once
	stopGroup chan struct{}
	groupDone chan struct{}
}

// Option configures a Log opened by Open.
type Option func(*Log)

// WithFsyncMode selects per-op or grouped fsync. interval is only used for
// FsyncGroup.
func WithFsyncMode(mode FsyncMode, interval time.Duration) Option {
	return func(l *Log) {
		l.mode = mode
		l.groupInterval = interval
	}
}

// WithLogger attaches a zap.Logger for recovery and fsync diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.log = logger
		}
	}
}

// Open opens (creating if necessary) the log file at path.
func Open(path string, opts ...Option) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	l := &Log{
		file:          f,
		w:             bufio.NewWriter(f),
		mode:          FsyncPerOp,
		groupInterval: 5 * time.Millisecond,
		log:           zap.NewNop(),
	}
	l.enc = gob.NewEncoder(l.w)
	// A non-empty file already carries the gob type definition of Record from
	// an earlier encoder, and a decoder rejects a second definition of the
	// same type. This encoder's copy is written into the buffer and dropped
	// before anything reaches the file.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		if err := l.enc.Encode(&Record{}); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: prime encoder: %w", err)
		}
		l.w.Reset(f)
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.mode == FsyncGroup {
		l.stopGroup = make(chan struct{})
		l.groupDone = make(chan struct{})
		go l.runGroupCommit()
	}
	return l, nil
}

// NextLSN previews the lsn the next Append call will assign, without
// consuming it. Intended for tests and diagnostics; callers must not rely
// on it remaining unchanged under concurrent Append calls.
func (l *Log) NextLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn + 1
}

// Append assigns the next lsn, writes a pending record carrying op/args, and
// returns the assigned lsn once the record is durable per the configured
// fsync policy.
func (l *Log) Append(op string, args []byte, now int64) (uint64, error) {
	return l.appendStatus(0, op, args, now, Pending)
}

// Commit appends a committed tombstone for a previously-pending lsn.
func (l *Log) Commit(lsn uint64) error {
	_, err := l.appendStatus(lsn, "", nil, 0, Committed)
	return err
}

// Compensate marks an lsn as compensated — its inverse effect was undone by
// a higher layer (not currently exercised by the TAO core, which treats
// replay as idempotent instead of compensating, but kept for operators
// performing manual recovery).
func (l *Log) Compensate(lsn uint64) error {
	_, err := l.appendStatus(lsn, "", nil, 0, Compensated)
	return err
}

func (l *Log) appendStatus(lsn uint64, op string, args []byte, now int64, status Status) (uint64, error) {
	l.mu.Lock()
	if status == Pending {
		l.lsn++
		lsn = l.lsn
	}
	rec := Record{LSN: lsn, Op: op, Args: args, StartedAt: now, Status: status}

	if err := l.enc.Encode(&rec); err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("wal: encode lsn %d: %w", lsn, err)
	}

	var wait chan struct{}
	if l.mode == FsyncGroup {
		wait = make(chan struct{})
		l.waiters = append(l.waiters, wait)
	} else {
		if err := l.flushAndSync(); err != nil {
			l.mu.Unlock()
			return 0, err
		}
	}
	l.mu.Unlock()

	if wait != nil {
		<-wait
	}
	return lsn, nil
}

func (l *Log) flushAndSync() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

func (l *Log) runGroupCommit() {
	defer close(l.groupDone)
	ticker := time.NewTicker(l.groupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.flushGroup()
		case <-l.stopGroup:
			l.flushGroup()
			return
		}
	}
}

func (l *Log) flushGroup() {
	l.mu.Lock()
	waiters := l.waiters
	l.waiters = nil
	err := l.flushAndSync()
	l.mu.Unlock()

	if err != nil {
		l.log.Error("wal: group fsync failed", zap.Error(err))
	}
	for _, w := range waiters {
		close(w)
	}
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.stopGroup != nil {
			close(l.stopGroup)
			<-l.groupDone
		}
		l.mu.Lock()
		err = l.flushAndSync()
		l.mu.Unlock()
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// Recover scans the log from the beginning, matching pending records with
// their committed/compensated counterpart, and invokes replay (in lsn
// order) for every pending record left unresolved — a crash between a
// primary shard write and its WAL commit. replay must be idempotent: the
// TAO core's storage ops are upserts keyed by primary key, and deletes are
// naturally idempotent, so re-issuing them is always safe.
//
// Recover reads the file from its start through a separate handle, then sets
// the lsn counter to the highest lsn it read. Records still buffered for a
// group fsync are not visible to it, so run it before new appends start.
func (l *Log) Recover(replay func(Record) error) error {
	f, err := os.Open(l.file.Name())
	if err != nil {
		return fmt.Errorf("wal: reopen for recovery: %w", err)
	}
	defer f.Close()

	dec := gob.NewDecoder(bufio.NewReader(f))

	resolved := make(map[uint64]Status)
	var pendings []Record
	var maxLSN uint64
	decoded := 0

	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A cleanly truncated last write (process died mid-append)
			// looks like an EOF mid-record to gob, which surfaces as
			// io.ErrUnexpectedEOF. It is tolerated only after at least one
			// complete record; a file whose first record cannot be read,
			// or any other decode error, is reported as corruption.
			if errors.Is(err, io.ErrUnexpectedEOF) && decoded > 0 {
				break
			}
			return fmt.Errorf("%w: %v", ErrCorruptedWal, err)
		}
		decoded++

		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		switch rec.Status {
		case Pending:
			pendings = append(pendings, rec)
		case Committed, Compensated:
			resolved[rec.LSN] = rec.Status
		}
	}

	l.mu.Lock()
	l.lsn = maxLSN
	l.mu.Unlock()

	for _, rec := range pendings {
		if _, done := resolved[rec.LSN]; done {
			continue
		}
		l.log.Warn("wal: replaying unresolved record", zap.Uint64("lsn", rec.LSN), zap.String("op", rec.Op))
		if err := replay(rec); err != nil {
			return fmt.Errorf("wal: replay lsn %d: %w", rec.LSN, err)
		}
		if err := l.Commit(rec.LSN); err != nil {
			return fmt.Errorf("wal: commit replayed lsn %d: %w", rec.LSN, err)
		}
	}
	return nil
}

// Truncate drops every record with lsn <= upTo from the log file, assuming
// the caller has verified all of them are committed. It rewrites the file
// rather than punching holes, which is acceptable because truncation is an
// infrequent maintenance operation, not a hot-path call.
func (l *Log) Truncate(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushAndSync(); err != nil {
		return err
	}

	path := l.file.Name()
	old, err := os.Open(path)
	if err != nil {
		return err
	}
	defer old.Close()

	tmpPath := path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	dec := gob.NewDecoder(bufio.NewReader(old))
	bw := bufio.NewWriter(tmp)
	enc := gob.NewEncoder(bw)

	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: %v", ErrCorruptedWal, err)
		}
		if rec.LSN <= upTo {
			continue
		}
		if err := enc.Encode(&rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.enc = gob.NewEncoder(l.w)
	return nil
}
