package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/taodb/pkg/storage"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(ctx context.Context, scheme, credential string) (Context, error) {
	if credential == "bad" {
		return Context{}, ErrUnauthorized
	}
	return New(42, []Capability{CapObjectRead, CapObjectWrite}, ""), nil
}

func TestAuthorizeAnonymousCannotWrite(t *testing.T) {
	require.NoError(t, Anonymous.Authorize(CapObjectRead))
	require.ErrorIs(t, Anonymous.Authorize(CapObjectWrite), ErrUnauthorized)
}

func TestAuthorizeSystemBypassesCapabilities(t *testing.T) {
	sys := NewSystem("corr-1")
	require.NoError(t, sys.Authorize(CapSystemAdmin))
}

func TestMiddlewareSystemToken(t *testing.T) {
	mw := Middleware(fakeAuth{}, []string{"s3cr3t"})
	var captured Context
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-System-Token", "s3cr3t")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, captured.IsSystem())
}

func TestMiddlewareBearerToken(t *testing.T) {
	mw := Middleware(fakeAuth{}, nil)
	var captured Context
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.EqualValues(t, 42, captured.ViewerID())
	require.NoError(t, captured.Authorize(CapObjectWrite))
}

func TestMiddlewareRejectsBadBearerToken(t *testing.T) {
	mw := Middleware(fakeAuth{}, nil)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

type fakeCore struct{}

func (fakeCore) ObjGet(ctx context.Context, v Context, id uint64) (storage.ObjectRow, error) {
	return storage.ObjectRow{ID: id}, nil
}

func (fakeCore) AssocRange(ctx context.Context, v Context, id1 uint64, atype string, offset, limit int) ([]storage.AssocRow, error) {
	return nil, nil
}

func TestWithCoreAttachesHandle(t *testing.T) {
	v := New(1, []Capability{CapObjectRead}, "", "admin")
	require.Nil(t, v.Core())
	require.True(t, v.HasRole("admin"))
	require.False(t, v.HasRole("guest"))

	v = WithCore(v, fakeCore{})
	require.NotNil(t, v.Core())

	row, err := v.Core().ObjGet(context.Background(), v, 7)
	require.NoError(t, err)
	require.EqualValues(t, 7, row.ID)
}

func TestMiddlewareDefaultsToAnonymous(t *testing.T) {
	mw := Middleware(fakeAuth{}, nil)
	var captured Context
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, captured.IsAnonymous())
}
