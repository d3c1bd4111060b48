package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mediscan/pkg/domain"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// RedisAlerter counts audit entries in fixed windows shared by all replicas.
type RedisAlerter struct {
	client *redis.Client
	prefix string
}

// NewRedisAlerter returns nil when addr is empty so alerting stays optional.
func NewRedisAlerter(addr, password, prefix string) *RedisAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "mediscan:audit:alerts"
	}
	return &RedisAlerter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Close releases the Redis client.
func (a *RedisAlerter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

// Observe counts entry against its rule and reports whether the threshold was reached.
func (a *RedisAlerter) Observe(ctx context.Context, entry domain.AuditEntry) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.client == nil {
		return result, nil
	}
	threshold, window, scope, ok := alertRule(entry)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%d", a.prefix, sanitizeSegment(entry.Action), sanitizeSegment(scope), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	// Fire once per window, on the crossing, so redelivered events do not re-alert.
	result.Triggered = count == threshold
	return result, nil
}

// alertRule returns the threshold, window and counting scope for an entry.
func alertRule(entry domain.AuditEntry) (threshold int64, window time.Duration, scope string, ok bool) {
	switch entry.Action {
	case ActionSignatureMismatch:
		return 5, 5 * time.Minute, orUnknown(entry.IPAddress), true
	case ActionDispatchFailed:
		return 10, 5 * time.Minute, "worker", true
	case ActionRetryBudgetExhausted:
		return 10, 15 * time.Minute, "worker", true
	case ActionFileUpload:
		if entry.Success {
			return 0, 0, "", false
		}
		return 20, time.Minute, orUnknown(entry.IPAddress), true
	}
	return 0, 0, "", false
}

func orUnknown(in string) string {
	if strings.TrimSpace(in) == "" {
		return "unknown"
	}
	return in
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
