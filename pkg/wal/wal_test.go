package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "taodb.wal")
}

func TestAppendCommitRoundTrip(t *testing.T) {
	path := tempLogPath(t)
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	lsn, err := l.Append("assoc_add", []byte(`{"id1":1}`), 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1, lsn)
	require.NoError(t, l.Commit(lsn))

	var replayed []Record
	require.NoError(t, l.Recover(func(r Record) error {
		replayed = append(replayed, r)
		return nil
	}))
	require.Empty(t, replayed, "committed records must not be replayed")
}

func TestRecoverReplaysUnresolvedPending(t *testing.T) {
	path := tempLogPath(t)
	l, err := Open(path)
	require.NoError(t, err)

	lsn, err := l.Append("assoc_add", []byte("payload"), 1000)
	require.NoError(t, err)
	// Simulate a crash: never call Commit.
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	var replayed []Record
	require.NoError(t, l2.Recover(func(r Record) error {
		replayed = append(replayed, r)
		return nil
	}))
	require.Len(t, replayed, 1)
	require.Equal(t, lsn, replayed[0].LSN)
	require.Equal(t, "assoc_add", replayed[0].Op)

	// A second recovery pass must find nothing left to replay: Recover
	// commits what it replays.
	var again []Record
	require.NoError(t, l2.Recover(func(r Record) error {
		again = append(again, r)
		return nil
	}))
	require.Empty(t, again)
}

func TestRecoverPreservesLsnOrdering(t *testing.T) {
	path := tempLogPath(t)
	l, err := Open(path)
	require.NoError(t, err)

	lsn1, err := l.Append("op1", nil, 1)
	require.NoError(t, err)
	require.NoError(t, l.Commit(lsn1))

	_, err = l.Append("op2", nil, 2)
	require.NoError(t, err)
	// lsn2 left pending.

	lsn3, err := l.Append("op3", nil, 3)
	require.NoError(t, err)
	require.NoError(t, l.Commit(lsn3))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	var ops []string
	require.NoError(t, l2.Recover(func(r Record) error {
		ops = append(ops, r.Op)
		return nil
	}))
	require.Equal(t, []string{"op2"}, ops)
	require.Equal(t, lsn3, l2.NextLSN()-1)
}

func TestRecoverNextLsnContinuesAfterRestart(t *testing.T) {
	path := tempLogPath(t)
	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Append("op1", nil, 1)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Recover(func(Record) error { return nil }))

	lsn, err := l2.Append("op2", nil, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, lsn)
}

func TestGroupFsyncBatchesAppends(t *testing.T) {
	path := tempLogPath(t)
	l, err := Open(path, WithFsyncMode(FsyncGroup, 10*time.Millisecond))
	require.NoError(t, err)
	defer l.Close()

	done := make(chan uint64, 3)
	for i := 0; i < 3; i++ {
		go func() {
			lsn, err := l.Append("op", nil, 0)
			require.NoError(t, err)
			done <- lsn
		}()
	}

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		select {
		case lsn := <-done:
			seen[lsn] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for grouped append to flush")
		}
	}
	require.Len(t, seen, 3)
}

func TestTruncateDropsCommittedPrefix(t *testing.T) {
	path := tempLogPath(t)
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	var lsns []uint64
	for i := 0; i < 4; i++ {
		lsn, err := l.Append("op", nil, int64(i))
		require.NoError(t, err)
		require.NoError(t, l.Commit(lsn))
		lsns = append(lsns, lsn)
	}

	require.NoError(t, l.Truncate(lsns[1]))

	var remaining []Record
	require.NoError(t, l.Recover(func(r Record) error {
		remaining = append(remaining, r)
		return nil
	}))
	require.Empty(t, remaining, "all remaining records are committed, nothing to replay")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestRecoverDetectsCorruption(t *testing.T) {
	path := tempLogPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream at all, definitely garbage bytes here"), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	err = l.Recover(func(Record) error { return nil })
	require.ErrorIs(t, err, ErrCorruptedWal)
}
