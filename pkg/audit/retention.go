package audit

import (
	"context"
	"log/slog"
	"time"

	"mediscan/pkg/store"
)

// Sweeper removes entries past their retention expiry. Protected entries and
// the chain tip are never removed; the purge itself is audited.
type Sweeper struct {
	store    store.AuditStore
	recorder Recorder
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a retention sweeper. interval <= 0 defaults to one hour.
func NewSweeper(s store.AuditStore, recorder Recorder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: s, recorder: recorder, interval: interval, now: time.Now}
}

// RunOnce purges expired entries and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	n, err := s.store.PurgeExpiredAudit(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 && s.recorder != nil {
		s.recorder.Record(ctx, Event{
			Action:       ActionRetentionPurge,
			ResourceType: ResourceLedger,
			Success:      true,
			Details:      map[string]any{"purged": n, "cutoff": now.Format(time.RFC3339)},
		})
	}
	return n, nil
}

// Start runs the sweeper until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.RunOnce(ctx); err != nil {
					slog.Warn("audit retention sweep failed", "err", err)
				} else if n > 0 {
					slog.Info("audit retention sweep", "purged", n)
				}
			}
		}
	}()
}
