package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mediscan/internal/util"
	"mediscan/pkg/artifact"
	"mediscan/pkg/audit"
	"mediscan/pkg/callback"
	"mediscan/pkg/dispatch"
	"mediscan/pkg/events"
	"mediscan/pkg/jobs"
	"mediscan/pkg/queue"
	"mediscan/pkg/storage"
	"mediscan/pkg/store"
)

// Config holds runtime configuration for the intake application.
type Config struct {
	DatabaseURL string
	// Store and Objects override the backends selected from the fields below.
	Store   store.Store
	Objects storage.ObjectStore
	Minio   storage.MinioConfig

	RedisAddr     string
	RedisPassword string
	AMQPURL       string

	WorkerURL           string
	CallbackURL         string
	WorkerSecret        string
	DispatchTimeout     time.Duration
	DispatchMaxInFlight int64
	MaxRetries          int

	MaxUploadBytes    int64
	AllowedMediaTypes []string

	AuditRetention     audit.RetentionPolicy
	AuditSweepInterval time.Duration

	ResultsCacheSize int
	ResultsCacheTTL  time.Duration

	HTTPClient *http.Client
}

// Requeuer hands a re-queued job back to the dispatcher.
type Requeuer interface {
	Enqueue(ctx context.Context, jobID, reason string) error
}

// App wires the pipeline components behind the HTTP surface.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	ledger    *audit.Ledger
	registry  *artifact.Registry
	machine   *jobs.Machine
	gateway   *dispatch.Gateway
	verifier  *callback.Verifier
	publisher *events.Publisher
	alerter   *audit.RedisAlerter
	queue     *queue.RedisDispatchQueue
	requeuer  Requeuer
	sweeper   *audit.Sweeper
	results   *expirable.LRU[string, cachedResult]

	maxUploadBytes int64
	allowedTypes   map[string]struct{}
}

// New constructs the application. Without a database URL the in-memory
// store is used; without a MinIO endpoint objects stay in process.
func New(cfg Config) (*App, error) {
	if strings.TrimSpace(cfg.WorkerURL) == "" {
		return nil, fmt.Errorf("worker URL required")
	}
	if strings.TrimSpace(cfg.WorkerSecret) == "" {
		return nil, fmt.Errorf("worker secret required")
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			dataStore = store.NewMemoryStore()
		} else {
			gs, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			dataStore = gs
		}
	}

	objects := cfg.Objects
	if objects == nil {
		if cfg.Minio.Endpoint == "" {
			objects = storage.NewMemoryStore("")
		} else {
			ms, err := storage.NewMinioStore(cfg.Minio)
			if err != nil {
				return nil, err
			}
			objects = ms
		}
	}

	a := &App{
		store:          dataStore,
		objects:        objects,
		publisher:      events.NewPublisher(events.Config{URL: cfg.AMQPURL}),
		alerter:        audit.NewRedisAlerter(cfg.RedisAddr, cfg.RedisPassword, ""),
		maxUploadBytes: cfg.MaxUploadBytes,
		allowedTypes:   make(map[string]struct{}, len(cfg.AllowedMediaTypes)),
	}
	for _, t := range cfg.AllowedMediaTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			a.allowedTypes[t] = struct{}{}
		}
	}

	ledgerCfg := audit.Config{Store: dataStore, Retention: cfg.AuditRetention}
	if a.alerter != nil {
		ledgerCfg.Observer = a.alerter
	}
	if a.publisher != nil {
		ledgerCfg.Notifier = a.publisher
	}
	ledger, err := audit.New(ledgerCfg)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger
	a.registry = artifact.NewRegistry(dataStore, ledger)

	machineCfg := jobs.Config{
		Store:      dataStore,
		Artifacts:  a.registry,
		Ledger:     ledger,
		MaxRetries: cfg.MaxRetries,
	}
	if a.publisher != nil {
		machineCfg.Notifier = a.publisher
	}
	a.machine, err = jobs.New(machineCfg)
	if err != nil {
		return nil, err
	}

	a.gateway, err = dispatch.New(dispatch.Config{
		WorkerURL:   cfg.WorkerURL,
		CallbackURL: cfg.CallbackURL,
		Secret:      []byte(cfg.WorkerSecret),
		Timeout:     cfg.DispatchTimeout,
		MaxInFlight: cfg.DispatchMaxInFlight,
		Jobs:        a.machine,
		URLs:        objects,
		Ledger:      ledger,
		HTTPClient:  cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("init dispatch gateway: %w", err)
	}

	if cfg.RedisAddr != "" {
		q, err := queue.NewRedisDispatchQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   "mediscan:dispatch",
		})
		if err != nil {
			return nil, fmt.Errorf("init redispatch queue: %w", err)
		}
		a.queue = q
		a.requeuer = q
	} else {
		a.requeuer = inlineRequeuer{app: a}
	}

	a.verifier, err = callback.NewVerifier([]byte(cfg.WorkerSecret), a.machine, ledger, a.requeuer)
	if err != nil {
		return nil, fmt.Errorf("init callback verifier: %w", err)
	}

	size := cfg.ResultsCacheSize
	if size <= 0 {
		size = 512
	}
	ttl := cfg.ResultsCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	a.results = expirable.NewLRU[string, cachedResult](size, nil, ttl)
	a.sweeper = audit.NewSweeper(dataStore, ledger, cfg.AuditSweepInterval)
	return a, nil
}

// Start runs the background workers until ctx is done: the redispatch
// consumer when Redis is configured and the audit retention sweeper.
func (a *App) Start(ctx context.Context, redispatchConcurrency int) {
	if a.queue != nil {
		a.queue.Start(ctx, redispatchConcurrency, func(ctx context.Context, d queue.Delivery) error {
			return a.Redispatch(ctx, d.JobID)
		})
	}
	a.sweeper.Start(ctx)
}

// Close releases broker and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.alerter != nil {
		errs = append(errs, a.alerter.Close())
	}
	return errors.Join(errs...)
}

// inlineRequeuer redispatches in process when no queue is configured.
type inlineRequeuer struct {
	app *App
}

func (r inlineRequeuer) Enqueue(ctx context.Context, jobID, reason string) error {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := r.app.Redispatch(ctx, jobID); err != nil {
			util.LoggerFromContext(ctx).Warn("inline redispatch failed", "job_id", jobID, "reason", reason, "err", err)
		}
	}()
	return nil
}
