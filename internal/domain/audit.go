package domain

import (
	"errors"
	"net"
	"strings"
	"time"
)

// AuditEvent is one append-only row in the console's audit trail. Actions
// are dotted resource.verb names ("dataset.created", "import.triggered",
// "import_run.paused", "auth.role_denied"); the ledger event id and the
// integrity hash are assigned at insert and never set by callers.
type AuditEvent struct {
	EventID    int64
	OccurredAt time.Time

	// Who and what.
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string

	// Request provenance, blank for system-initiated events.
	RequestID string
	IP        net.IP
	UserAgent string

	Payload         Metadata
	IntegritySHA256 string
}

func (e AuditEvent) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("occurred at is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("resource type is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("resource id is required")
	}
	return nil
}
