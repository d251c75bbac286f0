package requestid

import (
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("New()=%q not a uuid: %v", a, err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if a == b {
		t.Fatalf("ids must not repeat: %q", a)
	}
}
