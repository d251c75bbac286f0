package auditexport

import (
	"context"

	"github.com/corral-labs/corral-go/internal/domain"
)

// Exporter mirrors committed audit events to an external sink.
type Exporter interface {
	Export(ctx context.Context, event domain.AuditEvent) error
}

// NoopExporter drops events. Used when no export sink is configured.
type NoopExporter struct{}

func (NoopExporter) Export(ctx context.Context, event domain.AuditEvent) error {
	return nil
}
