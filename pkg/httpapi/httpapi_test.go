package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/taodb/pkg/cache"
	"github.com/Voskan/taodb/pkg/inverse"
	"github.com/Voskan/taodb/pkg/shard"
	"github.com/Voskan/taodb/pkg/storage"
	"github.com/Voskan/taodb/pkg/tao"
	"github.com/Voskan/taodb/pkg/viewer"
	"github.com/Voskan/taodb/pkg/wal"
)

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(ctx context.Context, scheme, credential string) (viewer.Context, error) {
	return viewer.New(7, []viewer.Capability{
		viewer.CapObjectRead, viewer.CapObjectWrite, viewer.CapAssocRead, viewer.CapAssocWrite,
	}, ""), nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	eng, err := storage.Open(0, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	topo, err := shard.New([]*shard.Shard{{ID: 0, Engine: eng}})
	require.NoError(t, err)

	l, err := wal.Open(t.TempDir() + "/h.wal")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	objects, err := cache.New[uint64, storage.ObjectRow](1<<20, time.Minute, 1)
	require.NoError(t, err)
	assocs, err := cache.New[cache.AssocListKey, []storage.AssocRow](1<<20, time.Minute, 1)
	require.NoError(t, err)
	counts, err := cache.New[cache.CountKey, int64](1<<20, time.Minute, 1)
	require.NoError(t, err)

	core, err := tao.New(topo, l, inverse.NewRegistry(), 0, objects, assocs, counts)
	require.NoError(t, err)

	srv := New(core, nil, nil)
	return srv.Handler(allowAllAuth{}, nil)
}

func TestObjectLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"shard_id": 0, "type": "user", "data": []byte("alice")})
	req := httptest.NewRequest(http.MethodPost, "/objects", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created objAddResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	getReq := httptest.NewRequest(http.MethodGet, "/objects/"+itoa(created.ID), nil)
	getReq.Header.Set("Authorization", "Bearer tok")
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestObjectGetMissingReturns404(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/objects/123456789", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssocRangeOverHTTP(t *testing.T) {
	h := newTestServer(t)

	id1 := createObject(t, h)
	id2 := createObject(t, h)

	assocBody, _ := json.Marshal(map[string]any{"id1": id1, "type": "like", "id2": id2, "time": 100})
	req := httptest.NewRequest(http.MethodPost, "/assocs", bytes.NewReader(assocBody))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rangeReq := httptest.NewRequest(http.MethodGet, "/assocs/range?id1="+itoa(id1)+"&type=like", nil)
	rangeReq.Header.Set("Authorization", "Bearer tok")
	rangeRec := httptest.NewRecorder()
	h.ServeHTTP(rangeRec, rangeReq)
	require.Equal(t, http.StatusOK, rangeRec.Code)

	var rows []storage.AssocRow
	require.NoError(t, json.Unmarshal(rangeRec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
}

func TestHealthOverHTTP(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGraphWalkOverHTTP(t *testing.T) {
	h := newTestServer(t)

	id1 := createObject(t, h)
	id2 := createObject(t, h)

	assocBody, _ := json.Marshal(map[string]any{"id1": id1, "type": "friend", "id2": id2, "time": 100})
	req := httptest.NewRequest(http.MethodPost, "/assocs", bytes.NewReader(assocBody))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	graphReq := httptest.NewRequest(http.MethodGet, "/api/graph?max_users=10", nil)
	graphReq.Header.Set("Authorization", "Bearer tok")
	graphRec := httptest.NewRecorder()
	h.ServeHTTP(graphRec, graphReq)
	require.Equal(t, http.StatusOK, graphRec.Code)

	var g tao.Graph
	require.NoError(t, json.Unmarshal(graphRec.Body.Bytes(), &g))
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
}

func createObject(t *testing.T, h http.Handler) uint64 {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"shard_id": 0, "type": "user", "data": nil})
	req := httptest.NewRequest(http.MethodPost, "/objects", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created objAddResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	return created.ID
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
