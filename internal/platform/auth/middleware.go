package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyEvent describes one rejected request for the audit log.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			m.deny(w, r, Identity{}, http.StatusUnauthorized, "unauthorized", err)
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				if errors.Is(err, ErrForbidden) {
					m.deny(w, r, identity, http.StatusForbidden, "forbidden", err)
					return
				}
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", err)
				return
			}
		}

		r = r.WithContext(ContextWithIdentity(r.Context(), identity))
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, reason string, cause error) {
	if m.Logger != nil {
		m.Logger.Warn("request denied",
			"reason", reason,
			"method", r.Method,
			"path", r.URL.Path,
			"subject", identity.Subject,
			"error", cause,
		)
	}
	if m.Audit != nil {
		event := DenyEvent{
			Time:       time.Now().UTC(),
			Status:     status,
			Reason:     reason,
			Error:      cause.Error(),
			RequestID:  r.Header.Get("X-Request-Id"),
			Method:     r.Method,
			Path:       r.URL.Path,
			Subject:    identity.Subject,
			Roles:      identity.Roles,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}
		if err := m.Audit(r.Context(), event); err != nil && m.Logger != nil {
			m.Logger.Error("audit deny failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      reason,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return identity, ok
}
