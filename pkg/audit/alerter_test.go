package audit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"mediscan/pkg/domain"
)

func TestRedisAlerterTriggersOnceAtThreshold(t *testing.T) {
	srv := miniredis.RunT(t)
	a := NewRedisAlerter(srv.Addr(), "", "test:alerts")
	ctx := context.Background()
	entry := domain.AuditEntry{Action: ActionSignatureMismatch, IPAddress: "203.0.113.9"}

	var fired int
	for i := 0; i < 8; i++ {
		res, err := a.Observe(ctx, entry)
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if res.Triggered {
			fired++
			if res.Count != 5 {
				t.Fatalf("triggered at count %d, want 5", res.Count)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}

	// Another source has its own counter.
	other, err := a.Observe(ctx, domain.AuditEntry{Action: ActionSignatureMismatch, IPAddress: "198.51.100.1"})
	if err != nil || other.Count != 1 {
		t.Fatalf("expected fresh counter, got %+v %v", other, err)
	}
}

func TestRedisAlerterIgnoresUnruledActions(t *testing.T) {
	srv := miniredis.RunT(t)
	a := NewRedisAlerter(srv.Addr(), "", "")
	res, err := a.Observe(context.Background(), domain.AuditEntry{Action: ActionFileUpload, Success: true})
	if err != nil || res.Triggered || res.Count != 0 {
		t.Fatalf("successful upload should not be counted: %+v %v", res, err)
	}
	if NewRedisAlerter("", "", "") != nil {
		t.Fatalf("empty addr should disable alerter")
	}
}
