package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corral-labs/corral-go/internal/auditexport"
	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/platform/auditlog"
)

// AuditAppender writes audit events through a QueryRower, which may be a
// plain connection or an open transaction, and mirrors committed events to
// the configured exporter.
type AuditAppender struct {
	db       auditlog.QueryRower
	exporter auditexport.Exporter
	now      func() time.Time
}

func NewAuditAppender(db auditlog.QueryRower, exporter auditexport.Exporter) *AuditAppender {
	if db == nil {
		return nil
	}
	if exporter == nil {
		exporter = auditexport.NoopExporter{}
	}
	return &AuditAppender{db: db, exporter: exporter, now: time.Now}
}

func (a *AuditAppender) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("audit appender not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	logEvent := auditlog.Event{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		IP:           event.IP,
		UserAgent:    event.UserAgent,
		Payload:      payload,
	}
	id, err := auditlog.Insert(ctx, a.db, logEvent)
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	event.EventID = id
	event.Payload = payload
	if event.IntegritySHA256 == "" {
		payloadJSON, err := json.Marshal(payload)
		if err == nil {
			event.IntegritySHA256, _ = auditlog.ComputeIntegritySHA256(logEvent, payloadJSON)
		}
	}
	if err := a.exporter.Export(ctx, event); err != nil {
		return id, fmt.Errorf("export audit event: %w", err)
	}
	return id, nil
}
