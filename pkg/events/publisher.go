// Package events publishes job lifecycle and security alert events to AMQP.
// Delivery to end users is handled by whoever consumes the exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
)

const defaultExchange = "mediscan.events"

// JobEvent is published when a job reaches a terminal state. It carries
// identifiers only; results stay behind the authenticated API.
type JobEvent struct {
	JobID      string `json:"jobId"`
	ArtifactID string `json:"artifactId"`
	OwnerID    string `json:"ownerId"`
	Status     string `json:"status"`
	RetryCount int    `json:"retryCount"`
	ErrorCode  string `json:"errorCode,omitempty"`
	OccurredAt string `json:"occurredAt"`
}

type AlertEvent struct {
	Action     string `json:"action"`
	RiskLevel  string `json:"riskLevel"`
	ResourceID string `json:"resourceId,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	EntryID    string `json:"entryId"`
	Count      int64  `json:"count,omitempty"`
	Threshold  int64  `json:"threshold,omitempty"`
	RaisedAt   string `json:"raisedAt"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	Close() error
}

type dialFunc func(url, exchange string) (connection, channel, error)

type Config struct {
	URL      string
	Exchange string
	Timeout  time.Duration
}

// Publisher is safe for concurrent use. A nil *Publisher drops events, which
// is what NewPublisher returns when no broker is configured.
type Publisher struct {
	url      string
	exchange string
	timeout  time.Duration
	dial     dialFunc

	mu   sync.Mutex
	conn connection
	ch   channel
}

func NewPublisher(cfg Config) *Publisher {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{url: url, exchange: exchange, timeout: timeout, dial: dialAMQP}
}

func dialAMQP(url, exchange string) (connection, channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// NotifyJob implements jobs.Notifier.
func (p *Publisher) NotifyJob(ctx context.Context, job domain.Job) error {
	if p == nil {
		return nil
	}
	key, body, err := jobMessage(job)
	if err != nil {
		return err
	}
	return p.publish(ctx, key, body)
}

// NotifyAlert implements audit.Notifier.
func (p *Publisher) NotifyAlert(ctx context.Context, alert audit.Alert) error {
	if p == nil {
		return nil
	}
	key, body, err := alertMessage(alert)
	if err != nil {
		return err
	}
	return p.publish(ctx, key, body)
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func jobMessage(job domain.Job) (string, []byte, error) {
	ev := JobEvent{
		JobID:      job.ID,
		ArtifactID: job.ArtifactID,
		OwnerID:    job.OwnerID,
		Status:     string(job.Status),
		RetryCount: job.RetryCount,
		OccurredAt: job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.Error != nil && job.Status == domain.JobFailed {
		ev.ErrorCode = job.Error.Code
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return "job." + string(job.Status), body, nil
}

func alertMessage(alert audit.Alert) (string, []byte, error) {
	body, err := json.Marshal(AlertEvent{
		Action:     alert.Action,
		RiskLevel:  string(alert.RiskLevel),
		ResourceID: alert.ResourceID,
		IPAddress:  alert.IPAddress,
		EntryID:    alert.EntryID,
		Count:      alert.Count,
		Threshold:  alert.Threshold,
		RaisedAt:   alert.RaisedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", nil, err
	}
	return "alert." + alert.Action, body, nil
}

// publish retries once on a fresh channel; a broken connection is only
// noticed on the next publish.
func (p *Publisher) publish(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if p.ch == nil {
			conn, ch, err := p.dial(p.url, p.exchange)
			if err != nil {
				lastErr = err
				continue
			}
			p.conn, p.ch = conn, ch
		}
		err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("event publish failed, reconnecting", "key", key, "err", err)
		_ = p.resetLocked()
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("publish %s: %w", key, lastErr)
}

func (p *Publisher) resetLocked() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
