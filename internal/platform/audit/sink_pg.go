package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialvisits/internal/platform/db"
)

// PGSink appends events to the tenant's trial_audit_event table. Events are
// delivered off the request path, so the sink acquires its own tenant-scoped
// connection from the tenant recorded on the event.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

const insertAuditEvent = `
	INSERT INTO trial_audit_event (id, event_type, visit_id, actor, severity, payload, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *PGSink) RecordDeviation(ctx context.Context, ev DeviationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal deviation: %w", err)
	}
	return s.insert(ctx, ev.TenantID, TypeDeviation, visitRef(ev.VisitID), "", ev.Severity, payload, ev.DetectedAt)
}

func (s *PGSink) RecordSubmission(ctx context.Context, ev SubmissionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal submission: %w", err)
	}
	return s.insert(ctx, ev.TenantID, TypeSubmission, visitRef(ev.VisitID), ev.ConductedBy, "", payload, ev.SubmittedAt)
}

func (s *PGSink) RecordAccess(ctx context.Context, ev AccessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal access: %w", err)
	}
	var visit uuid.NullUUID
	if ev.ResourceType == "visits" {
		if id, err := uuid.Parse(ev.ResourceID); err == nil {
			visit = visitRef(id)
		}
	}
	return s.insert(ctx, ev.TenantID, TypeAccess, visit, ev.UserID, "", payload, ev.AccessedAt)
}

func (s *PGSink) insert(ctx context.Context, tenantID, eventType string, visitID uuid.NullUUID, actor, severity string, payload []byte, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	write := func(ctx context.Context) error {
		_, err := db.Conn(ctx, s.pool).Exec(ctx, insertAuditEvent,
			uuid.New(), eventType, visitID, nullable(actor), nullable(severity), payload, at)
		if err != nil {
			return fmt.Errorf("audit: insert %s: %w", eventType, err)
		}
		return nil
	}
	if tenantID == "" {
		return write(ctx)
	}
	return db.WithTenant(ctx, s.pool, tenantID, write)
}

func visitRef(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
