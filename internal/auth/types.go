// Package auth carries the caller identity asserted by the trusted upstream
// proxy and checks the shared service token that proves the proxy sent it.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"taskpilot/internal/errs"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor-ID"
	HeaderRoles  = "X-Actor-Roles"

	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

type Actor struct {
	TenantID string   `json:"tenant_id"`
	ID       string   `json:"actor_id"`
	Roles    []string `json:"roles,omitempty"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// CanApprove reports whether the actor may decide approval requests.
func (a Actor) CanApprove() bool {
	return a.HasRole(RoleApprover) || a.HasRole(RoleAdmin)
}

// ActorFromHeaders reads identity headers. Tenant and actor are required.
func ActorFromHeaders(h http.Header) (Actor, error) {
	a := Actor{
		TenantID: strings.TrimSpace(h.Get(HeaderTenant)),
		ID:       strings.TrimSpace(h.Get(HeaderActor)),
	}
	for _, r := range strings.Split(h.Get(HeaderRoles), ",") {
		if r = strings.TrimSpace(r); r != "" {
			a.Roles = append(a.Roles, strings.ToLower(r))
		}
	}
	if a.TenantID == "" || a.ID == "" {
		return Actor{}, &errs.AuthorizationError{Reason: "tenant and actor identity required"}
	}
	return a, nil
}

// CheckServiceToken validates the proxy's bearer token. An empty expected
// token disables the check.
func CheckServiceToken(r *http.Request, expected string) error {
	if expected == "" {
		return nil
	}
	token, err := ParseBearer(r)
	if err != nil {
		return &errs.AuthorizationError{Reason: err.Error()}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return &errs.AuthorizationError{Reason: "invalid service token"}
	}
	return nil
}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}

// ParseBearer returns the token from an "Authorization: Bearer" header.
func ParseBearer(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("bearer token required")
	}
	return strings.TrimSpace(token), nil
}
