// Package auditlog appends control-action and auth-denial records to
// the append-only audit_events table.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/platform/auth"
)

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Payload      any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// Insert appends one audit event and returns its sequence id.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO audit_events (occurred_at, actor, action, resource_type, resource_id, request_id, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING event_id`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		strings.TrimSpace(event.RequestID),
		payloadJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// InsertAuthDeny records a rejected request.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, deny auth.DenyEvent) error {
	actor := deny.Subject
	if strings.TrimSpace(actor) == "" {
		actor = "anonymous"
	}
	_, err := Insert(ctx, q, Event{
		OccurredAt:   deny.Time,
		Actor:        actor,
		Action:       "auth." + deny.Reason,
		ResourceType: "request",
		ResourceID:   deny.Method + " " + deny.Path,
		RequestID:    deny.RequestID,
		Payload: map[string]any{
			"service":     service,
			"status":      deny.Status,
			"error":       deny.Error,
			"remote_addr": deny.RemoteAddr,
			"user_agent":  deny.UserAgent,
			"roles":       deny.Roles,
		},
	})
	return err
}
