package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"mediscan/pkg/audit"
	"mediscan/pkg/store"
)

func useStore(t *testing.T, s store.AuditStore) {
	t.Helper()
	prev := openStore
	openStore = func(string) (store.AuditStore, error) { return s, nil }
	t.Cleanup(func() { openStore = prev })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, s store.AuditStore, now time.Time, n int) {
	t.Helper()
	ledger, err := audit.New(audit.Config{
		Store:     s,
		Retention: audit.RetentionPolicy{Standard: time.Hour, Sensitive: time.Hour},
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := ledger.Append(context.Background(), audit.Event{
			Action:       audit.ActionJobCreated,
			ResourceType: audit.ResourceJob,
			ResourceID:   "job-1",
			Success:      true,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestVerifyIntactChain(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, time.Now().UTC(), 4)
	useStore(t, s)

	out, err := run(t, "verify")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "checked 4 entries") || !strings.Contains(out, "chain intact") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPurgeKeepsChainTip(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, time.Now().UTC().Add(-48*time.Hour), 3)
	useStore(t, s)

	out, err := run(t, "purge")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "purged 2 entries") {
		t.Fatalf("unexpected output: %q", out)
	}

	out, err = run(t, "list", "--action", audit.ActionRetentionPurge)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("purge should be recorded once: %q", out)
	}
	if _, err := run(t, "verify"); err != nil {
		t.Fatalf("chain should survive a purge: %v", err)
	}
}

func TestMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := run(t, "verify", "--database-url", ""); err == nil {
		t.Fatalf("expected an error without a database url")
	}
}
