package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(0, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestObjectCRUD(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.PutObject(1, "user", []byte("alice"), 100))

	row, ok, err := e.GetObject(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "user", row.Type)
	require.Equal(t, []byte("alice"), row.Data)
	require.EqualValues(t, 100, row.Created)

	require.ErrorIs(t, e.PutObject(1, "user", []byte("dup"), 101), ErrConflict)

	require.NoError(t, e.UpdateObject(1, []byte("alice2"), 200))
	row, ok, err = e.GetObject(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("alice2"), row.Data)
	require.EqualValues(t, 200, row.Updated)

	require.ErrorIs(t, e.UpdateObject(2, nil, 1), ErrNotFound)

	require.NoError(t, e.DeleteObject(1))
	_, ok, err = e.GetObject(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAssocOrderingAndCount(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.PutAssoc(1, "like", 10, 100, nil, 100))
	require.NoError(t, e.PutAssoc(1, "like", 20, 200, nil, 200))
	require.NoError(t, e.PutAssoc(1, "like", 30, 300, nil, 300))

	n, err := e.CountAssoc(1, "like")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	rows, err := e.RangeAssoc(1, "like", 0, 1<<62, 0, -1)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.EqualValues(t, 300, rows[0].Time)
	require.EqualValues(t, 200, rows[1].Time)
	require.EqualValues(t, 100, rows[2].Time)
}

func TestAssocTimeRangeExcludesLowerBound(t *testing.T) {
	e := newTestEngine(t)

	for _, tm := range []int64{100, 200, 300} {
		require.NoError(t, e.PutAssoc(7, "like", uint64(tm), tm, nil, tm))
	}

	rows, err := e.RangeAssoc(7, "like", 100, 300, 0, -1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 300, rows[0].Time)
	require.EqualValues(t, 200, rows[1].Time)
}

func TestAssocUpsertRefreshesTimeAndCount(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.PutAssoc(1, "follow", 2, 100, []byte("v1"), 100))
	require.NoError(t, e.PutAssoc(1, "follow", 2, 500, []byte("v2"), 500))

	n, err := e.CountAssoc(1, "follow")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	row, ok, err := e.GetAssoc(1, "follow", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 500, row.Time)
	require.Equal(t, []byte("v2"), row.Data)
	require.EqualValues(t, 100, row.Created)

	rows, err := e.RangeAssoc(1, "follow", 0, 1<<62, 0, -1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 500, rows[0].Time)
}

func TestDeleteAssocIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.PutAssoc(1, "friend", 2, 100, nil, 100))
	require.NoError(t, e.DeleteAssoc(1, "friend", 2))
	require.NoError(t, e.DeleteAssoc(1, "friend", 2)) // idempotent

	n, err := e.CountAssoc(1, "friend")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestDanglingAssocSurvivesObjectDeletion(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.PutObject(1, "user", nil, 1))
	require.NoError(t, e.PutAssoc(1, "friend", 999, 10, nil, 10))
	require.NoError(t, e.DeleteObject(1))

	rows, err := e.RangeAssoc(1, "friend", 0, 1<<62, 0, -1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 999, rows[0].ID2)
}

func TestRangeAssocLimitAndOffset(t *testing.T) {
	e := newTestEngine(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, e.PutAssoc(1, "like", uint64(i), i*10, nil, i*10))
	}

	rows, err := e.RangeAssoc(1, "like", 0, 1<<62, 0, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 50, rows[0].Time)
	require.EqualValues(t, 40, rows[1].Time)

	rows, err = e.RangeAssoc(1, "like", 0, 1<<62, 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 30, rows[0].Time)
	require.EqualValues(t, 20, rows[1].Time)
}
