// Package viewer carries the authenticated caller identity through every
// TAO Core call. A Context is immutable once constructed; middleware builds
// one per inbound request and callers thread it through ctx.Context using
// the standard context.WithValue pattern, the same way the teacher's HTTP
// examples thread request-scoped state.
//
// © 2025 taodb authors. MIT License.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Voskan/taodb/pkg/storage"
)

// Capability names one permission a viewer may or may not hold.
type Capability string

const (
	CapObjectRead  Capability = "object:read"
	CapObjectWrite Capability = "object:write"
	CapAssocRead   Capability = "assoc:read"
	CapAssocWrite  Capability = "assoc:write"
	CapSystemAdmin Capability = "system:admin"
)

// ErrUnauthorized is returned by Authorize when the viewer lacks a required
// capability.
var ErrUnauthorized = errors.New("viewer: unauthorized")

// CoreHandle is the subset of *tao.Core's read surface that typed entity
// wrappers living outside this repo need in order to call back through a
// viewer without threading the core separately. pkg/tao imports pkg/viewer
// for Context, so Context cannot hold a *tao.Core field directly without a
// cycle; CoreHandle breaks the cycle the other way, with *tao.Core
// satisfying it structurally.
type CoreHandle interface {
	ObjGet(ctx context.Context, v Context, id uint64) (storage.ObjectRow, error)
	AssocRange(ctx context.Context, v Context, id1 uint64, atype string, offset, limit int) ([]storage.AssocRow, error)
}

// Context is the immutable, request-scoped identity of a caller.
type Context struct {
	viewerID      uint64
	anonymous     bool
	isSystem      bool
	capabilities  map[Capability]struct{}
	roles         []string
	correlationID string
	core          CoreHandle
}

// Anonymous is the read-only viewer used when no credentials are
// presented. It holds no write capabilities.
var Anonymous = Context{anonymous: true, capabilities: map[Capability]struct{}{
	CapObjectRead: {},
	CapAssocRead:  {},
}}

// New builds a Context for an authenticated, non-system viewer. roles is
// optional; most callers don't have a role hierarchy and omit it.
func New(viewerID uint64, caps []Capability, correlationID string, roles ...string) Context {
	c := Context{viewerID: viewerID, correlationID: correlationID, roles: roles, capabilities: make(map[Capability]struct{}, len(caps))}
	for _, capability := range caps {
		c.capabilities[capability] = struct{}{}
	}
	return c
}

// NewSystem builds a Context for a trusted internal caller (migration jobs,
// system-token requests) that bypasses capability checks entirely.
func NewSystem(correlationID string, roles ...string) Context {
	return Context{isSystem: true, correlationID: correlationID, roles: roles}
}

// WithCore returns a copy of v with its core handle set to core. Called once
// per request, typically by the component that owns the *tao.Core (e.g.
// pkg/httpapi), so entity wrappers constructed downstream can call back into
// the core through v.Core() instead of needing it threaded as a parameter.
func WithCore(v Context, core CoreHandle) Context {
	v.core = core
	return v
}

// Core returns the handle attached by WithCore, or nil if none was attached.
func (c Context) Core() CoreHandle { return c.core }

// Roles returns the caller's role names, if the authenticator populated any.
func (c Context) Roles() []string { return c.roles }

// HasRole reports whether role is among the caller's roles.
func (c Context) HasRole(role string) bool {
	for _, r := range c.roles {
		if r == role {
			return true
		}
	}
	return false
}

// ViewerID returns the authenticated caller's object id. Zero for anonymous
// or system viewers.
func (c Context) ViewerID() uint64 { return c.viewerID }

// IsAnonymous reports whether this is the unauthenticated default viewer.
func (c Context) IsAnonymous() bool { return c.anonymous }

// IsSystem reports whether this viewer bypasses authorization.
func (c Context) IsSystem() bool { return c.isSystem }

// CorrelationID returns the request's tracing correlation id, if any.
func (c Context) CorrelationID() string { return c.correlationID }

// Authorize returns ErrUnauthorized if the viewer holds neither system
// privilege nor the given capability.
func (c Context) Authorize(capability Capability) error {
	if c.isSystem {
		return nil
	}
	if _, ok := c.capabilities[capability]; ok {
		return nil
	}
	return ErrUnauthorized
}

type contextKey struct{}

// WithContext attaches v to ctx.
func WithContext(ctx context.Context, v Context) context.Context {
	return context.WithValue(ctx, contextKey{}, v)
}

// FromContext extracts a viewer.Context previously attached with
// WithContext, defaulting to Anonymous when none is present.
func FromContext(ctx context.Context) Context {
	if v, ok := ctx.Value(contextKey{}).(Context); ok {
		return v
	}
	return Anonymous
}

// Authenticator resolves a bearer token or API key to a viewer identity.
// Implementations typically look the token up in an object store or an
// external identity service; TAO Core does not prescribe how.
type Authenticator interface {
	Authenticate(ctx context.Context, scheme, credential string) (Context, error)
}

// Middleware builds net/http middleware that parses the caller's identity
// from one of:
//
//	Authorization: Bearer <token>   -> auth.Authenticate(ctx, "bearer", token)
//	X-System-Token: <token>          -> a literal match against systemTokens grants NewSystem
//	X-API-Key: <key>                 -> auth.Authenticate(ctx, "apikey", key)
//	(none of the above)               -> Anonymous
//
// and attaches the resolved Context to the request before calling next.
func Middleware(auth Authenticator, systemTokens []string) func(http.Handler) http.Handler {
	systemSet := make(map[string]struct{}, len(systemTokens))
	for _, t := range systemTokens {
		systemSet[t] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			correlationID := r.Header.Get("X-Correlation-ID")

			if tok := r.Header.Get("X-System-Token"); tok != "" {
				if _, ok := systemSet[tok]; ok {
					v := NewSystem(correlationID)
					next.ServeHTTP(w, r.WithContext(WithContext(ctx, v)))
					return
				}
				http.Error(w, "invalid system token", http.StatusUnauthorized)
				return
			}

			if hdr := r.Header.Get("Authorization"); hdr != "" {
				scheme, token, ok := strings.Cut(hdr, " ")
				if !ok || !strings.EqualFold(scheme, "Bearer") {
					http.Error(w, "malformed Authorization header", http.StatusUnauthorized)
					return
				}
				v, err := auth.Authenticate(ctx, "bearer", token)
				if err != nil {
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
				v.correlationID = correlationID
				next.ServeHTTP(w, r.WithContext(WithContext(ctx, v)))
				return
			}

			if key := r.Header.Get("X-API-Key"); key != "" {
				v, err := auth.Authenticate(ctx, "apikey", key)
				if err != nil {
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
				v.correlationID = correlationID
				next.ServeHTTP(w, r.WithContext(WithContext(ctx, v)))
				return
			}

			v := Anonymous
			v.correlationID = correlationID
			next.ServeHTTP(w, r.WithContext(WithContext(ctx, v)))
		})
	}
}
