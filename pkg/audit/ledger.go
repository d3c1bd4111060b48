// Package audit implements the append-only audit ledger. The ledger only
// creates entries; there is no update or delete on its surface.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mediscan/internal/util"
	"mediscan/pkg/domain"
	"mediscan/pkg/metrics"
	"mediscan/pkg/store"
)

// Recorder is the write side used by the rest of the pipeline.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Observer counts entries and reports threshold breaches.
type Observer interface {
	Observe(ctx context.Context, entry domain.AuditEntry) (AlertResult, error)
}

// Alert is raised when an entry is critical or crosses a threshold.
type Alert struct {
	Action     string           `json:"action"`
	RiskLevel  domain.RiskLevel `json:"riskLevel"`
	ResourceID string           `json:"resourceId,omitempty"`
	IPAddress  string           `json:"ipAddress,omitempty"`
	Count      int64            `json:"count,omitempty"`
	Threshold  int64            `json:"threshold,omitempty"`
	EntryID    string           `json:"entryId"`
	RaisedAt   time.Time        `json:"raisedAt"`
}

// Notifier hands alerts to whatever delivers them.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert Alert) error
}

// Config wires a Ledger.
type Config struct {
	Store     store.AuditStore
	Observer  Observer
	Notifier  Notifier
	Retention RetentionPolicy
	// Fallback receives entries that could not be written.
	Fallback *slog.Logger
	Now      func() time.Time
}

// Ledger appends hash-chained audit entries.
type Ledger struct {
	store     store.AuditStore
	observer  Observer
	notifier  Notifier
	retention RetentionPolicy
	fallback  *slog.Logger
	now       func() time.Time
}

// New creates a ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("audit store required")
	}
	if cfg.Retention.Standard <= 0 {
		cfg.Retention.Standard = DefaultRetention.Standard
	}
	if cfg.Retention.Sensitive <= 0 {
		cfg.Retention.Sensitive = DefaultRetention.Sensitive
	}
	if cfg.Fallback == nil {
		cfg.Fallback = util.NewFallbackLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		store:     cfg.Store,
		observer:  cfg.Observer,
		notifier:  cfg.Notifier,
		retention: cfg.Retention,
		fallback:  cfg.Fallback,
		now:       cfg.Now,
	}, nil
}

// Record appends an entry on a best-effort basis. Failures go to the
// fallback logger and never reach the caller.
func (l *Ledger) Record(ctx context.Context, ev Event) {
	if _, err := l.Append(ctx, ev); err != nil {
		l.fallback.Error("audit_write_failed",
			"err", err,
			"action", ev.Action,
			"resource_type", ev.ResourceType,
			"resource_id", ev.ResourceID,
			"actor_id", ev.ActorID,
			"success", ev.Success,
			"request_id", ev.Meta.RequestID,
			"details", ev.Details,
		)
	}
}

// Append writes one entry and returns it.
func (l *Ledger) Append(ctx context.Context, ev Event) (domain.AuditEntry, error) {
	if strings.TrimSpace(ev.Action) == "" {
		return domain.AuditEntry{}, fmt.Errorf("audit action required: %w", domain.ErrValidation)
	}
	var details json.RawMessage
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return domain.AuditEntry{}, fmt.Errorf("encode audit details: %w", err)
		}
		details = raw
	}
	if ev.Meta == (Meta{}) {
		ev.Meta = MetaFromContext(ctx)
	}
	risk, sensitive := Classify(ev.Action, ev.Success)
	risk = maxRisk(risk, ev.RiskHint)
	sensitive = sensitive || ev.SensitiveHint

	// Postgres keeps microseconds; truncating keeps the digest stable on reload.
	now := l.now().UTC().Truncate(time.Microsecond)
	var actor *string
	if id := strings.TrimSpace(ev.ActorID); id != "" {
		actor = &id
	}
	entry, err := l.store.AppendAudit(ctx, func(tip store.AuditTip) (domain.AuditEntry, error) {
		e := domain.AuditEntry{
			ID:                 util.NewID(),
			Seq:                tip.Seq + 1,
			ActorID:            actor,
			Action:             ev.Action,
			ResourceType:       ev.ResourceType,
			ResourceID:         ev.ResourceID,
			IPAddress:          ev.Meta.IP,
			UserAgent:          ev.Meta.UserAgent,
			RequestID:          ev.Meta.RequestID,
			RiskLevel:          risk,
			SensitiveData:      sensitive,
			Success:            ev.Success,
			Details:            details,
			RetentionExpiresAt: l.retention.expiry(now, risk, sensitive),
			Protected:          protected(risk),
			CreatedAt:          now,
			PrevHash:           tip.Hash,
		}
		hash, err := HashEntry(e)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		e.Hash = hash
		return e, nil
	})
	if err != nil {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		return domain.AuditEntry{}, err
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	l.raiseAlerts(ctx, entry)
	return entry, nil
}

// raiseAlerts is the notification trigger point. Delivery belongs to the Notifier.
func (l *Ledger) raiseAlerts(ctx context.Context, entry domain.AuditEntry) {
	alert := Alert{
		Action:     entry.Action,
		RiskLevel:  entry.RiskLevel,
		ResourceID: entry.ResourceID,
		IPAddress:  entry.IPAddress,
		EntryID:    entry.ID,
		RaisedAt:   entry.CreatedAt,
	}
	raise := entry.RiskLevel == domain.RiskCritical
	if l.observer != nil {
		res, err := l.observer.Observe(ctx, entry)
		if err != nil {
			l.fallback.Warn("audit_alert_observe_failed", "err", err, "action", entry.Action)
		} else if res.Triggered {
			raise = true
			alert.Count = res.Count
			alert.Threshold = res.Threshold
		}
	}
	if !raise {
		return
	}
	metrics.AuditAlerts.WithLabelValues(entry.Action).Inc()
	slog.Warn("security_alert",
		"action", alert.Action,
		"risk", alert.RiskLevel,
		"resource_id", alert.ResourceID,
		"ip", alert.IPAddress,
		"count", alert.Count,
		"threshold", alert.Threshold,
	)
	if l.notifier != nil {
		if err := l.notifier.NotifyAlert(ctx, alert); err != nil {
			l.fallback.Warn("audit_alert_notify_failed", "err", err, "action", alert.Action)
		}
	}
}

// List returns entries in chain order.
func (l *Ledger) List(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	return l.store.ListAudit(ctx, filter)
}

// VerifyChain recomputes every stored digest and link.
func (l *Ledger) VerifyChain(ctx context.Context) (ChainReport, error) {
	entries, err := l.store.ListAudit(ctx, store.AuditFilter{})
	if err != nil {
		return ChainReport{}, err
	}
	return VerifyEntries(entries)
}
