package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediscan/internal/usertoken"
	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/storage"
	"mediscan/services/intake/internal/app"
	"mediscan/services/intake/internal/config"
	"mediscan/services/intake/internal/server"
)

func main() {
	// A .env file is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	dispatchTimeout := mustDuration("dispatchTimeout", cfg.DispatchTimeout)
	jwtLeeway := mustDuration("jwtLeeway", cfg.JWTLeeway)
	sweepInterval := mustDuration("auditSweepInterval", cfg.AuditSweepInterval)
	cacheTTL := mustDuration("resultsCacheTTL", cfg.ResultsCacheTTL)

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		AMQPURL:             cfg.AMQPURL,
		WorkerURL:           cfg.WorkerURL,
		CallbackURL:         strings.TrimRight(cfg.PublicBaseURL, "/") + "/internal/ai/callback",
		WorkerSecret:        cfg.WorkerSecret,
		DispatchTimeout:     dispatchTimeout,
		DispatchMaxInFlight: cfg.DispatchMaxInFlight,
		MaxRetries:          cfg.MaxRetries,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		AllowedMediaTypes:   cfg.AllowedMediaTypes,
		AuditRetention: audit.RetentionPolicy{
			Standard:  config.Days(cfg.AuditRetentionDays),
			Sensitive: config.Days(cfg.AuditSensitiveRetentionDays),
		},
		AuditSweepInterval: sweepInterval,
		ResultsCacheSize:   cfg.ResultsCacheSize,
		ResultsCacheTTL:    cacheTTL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		TokenVerifier:              tokenVerifier,
		TrustedProxies:             trusted,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		UploadRateLimitPerMinute:   cfg.UploadRateLimitPerMinute,
		CallbackRateLimitPerMinute: cfg.CallbackRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		DevMode:                    cfg.DevMode,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx, cfg.RedispatchConcurrency)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("intake listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func mustDuration(name, raw string) time.Duration {
	d, err := config.ParseDuration(raw)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", name, err)
	}
	return d
}
