// Package queue carries jobs that need another dispatch attempt.
//
// The job record stays the source of truth for retry budgets; the queue only
// tracks delivery attempts so a handler that keeps erroring (for example a
// store outage) does not spin forever.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mediscan/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusDone       = "done"
	StatusDropped    = "dropped"
)

// Delivery is the queue-side view of one job handed to a consumer.
type Delivery struct {
	JobID     string    `json:"jobId"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Backoff returns min(initial * 2^(attempt-1), max).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay for delivery attempt n, 1-indexed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}

type RedisDispatchQueue struct {
	client        *redis.Client
	stream        string
	group         string
	consumerBase  string
	deliveryTTL   time.Duration
	maxDeliveries int
	block         time.Duration
	claimIdle     time.Duration
	backoff       Backoff
	maxLen        int64
	readCount     int64
	claimCount    int64
	once          sync.Once
}

type RedisQueueConfig struct {
	Addr          string
	Password      string
	Stream        string
	Group         string
	Consumer      string
	DeliveryTTL   time.Duration
	MaxDeliveries int
	Block         time.Duration
	ClaimIdle     time.Duration
	Backoff       Backoff
	MaxLen        int64
	ReadCount     int64
	ClaimCount    int64
}

func NewRedisDispatchQueue(cfg RedisQueueConfig) (*RedisDispatchQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "dispatch"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	ttl := cfg.DeliveryTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	backoff := cfg.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = 2 * time.Second
	}
	if backoff.Max <= 0 {
		backoff.Max = time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisDispatchQueue{
		client:        redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:        stream,
		group:         group,
		consumerBase:  consumer,
		deliveryTTL:   ttl,
		maxDeliveries: maxDeliveries,
		block:         block,
		claimIdle:     claimIdle,
		backoff:       backoff,
		maxLen:        maxLen,
		readCount:     readCount,
		claimCount:    claimCount,
	}, nil
}

// Enqueue schedules a dispatch attempt for jobID.
func (q *RedisDispatchQueue) Enqueue(ctx context.Context, jobID, reason string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("jobId required")
	}
	now := time.Now().UTC()
	d, ok, err := q.GetDelivery(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		d = Delivery{JobID: jobID, CreatedAt: now}
	}
	d.Reason = reason
	d.Status = StatusQueued
	d.Attempts = 0
	d.LastError = ""
	d.UpdatedAt = now
	if err := q.writeDelivery(ctx, d); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": jobID,
			"reason": reason,
		},
	}).Err()
}

func (q *RedisDispatchQueue) GetDelivery(ctx context.Context, jobID string) (Delivery, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.deliveryKey(jobID)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisDispatchQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Delivery) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisDispatchQueue) Close() error {
	return q.client.Close()
}

func (q *RedisDispatchQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("dispatch queue group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisDispatchQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Delivery) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("dispatch queue read failed", "consumer", consumer, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisDispatchQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisDispatchQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Delivery) error) {
	jobID, _ := msg.Values["job_id"].(string)
	reason, _ := msg.Values["reason"].(string)
	if jobID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	d, err := q.markDelivering(ctx, jobID, reason)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	herr := handler(ctx, d)
	if herr == nil {
		_ = q.markStatus(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if d.Attempts >= q.maxDeliveries {
		slog.Error("dispatch delivery dropped", "job_id", jobID, "attempts", d.Attempts, "err", herr)
		_ = q.markStatus(ctx, jobID, StatusDropped, herr.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markStatus(ctx, jobID, StatusQueued, herr.Error())
	if !sleepCtx(ctx, q.backoff.Delay(d.Attempts)) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, reason)
}

func (q *RedisDispatchQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisDispatchQueue) requeueAndAck(ctx context.Context, msgID, jobID, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": jobID,
			"reason": reason,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisDispatchQueue) markDelivering(ctx context.Context, jobID, reason string) (Delivery, error) {
	d, ok, err := q.GetDelivery(ctx, jobID)
	if err != nil {
		return Delivery{}, err
	}
	now := time.Now().UTC()
	if !ok {
		d = Delivery{JobID: jobID, CreatedAt: now}
	}
	if reason != "" {
		d.Reason = reason
	}
	d.Attempts++
	d.Status = StatusDelivering
	d.UpdatedAt = now
	if err := q.writeDelivery(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *RedisDispatchQueue) markStatus(ctx context.Context, jobID, status, errMsg string) error {
	d, _, err := q.GetDelivery(ctx, jobID)
	if err != nil {
		return err
	}
	d.JobID = jobID
	d.Status = status
	d.LastError = errMsg
	d.UpdatedAt = time.Now().UTC()
	return q.writeDelivery(ctx, d)
}

func (q *RedisDispatchQueue) writeDelivery(ctx context.Context, d Delivery) error {
	key := q.deliveryKey(d.JobID)
	payload := map[string]any{
		"jobId":     d.JobID,
		"reason":    d.Reason,
		"status":    d.Status,
		"error":     d.LastError,
		"attempts":  strconv.Itoa(d.Attempts),
		"createdAt": d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.deliveryTTL).Err()
	return nil
}

func (q *RedisDispatchQueue) deliveryKey(jobID string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, jobID)
}

func decodeDelivery(jobID string, data map[string]string) Delivery {
	d := Delivery{JobID: jobID}
	d.Reason = data["reason"]
	d.Status = data["status"]
	d.LastError = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = t
		}
	}
	return d
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
