package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/user/turnstile/internal/admission"
	"github.com/user/turnstile/internal/config"
	"github.com/user/turnstile/internal/delivery"
	"github.com/user/turnstile/internal/health"
	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/retrieval"
	"github.com/user/turnstile/internal/retry"
	"github.com/user/turnstile/internal/session"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/worker"
	"github.com/user/turnstile/pkg/llm"
	"github.com/user/turnstile/pkg/llm/openai"
	"github.com/user/turnstile/pkg/llm/scripted"
)

// app holds the components shared by serve, worker and the queue commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store  store.Store
	redis  *redis.Client
	broker delivery.Broker
	queue  *queue.Queue
	health *health.Server

	// Set by withSessions; gateway processes only.
	sessions  *session.Registry
	admission *admission.Controller

	closeOnce sync.Once
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:        store.Driver(cfg.Store.Driver),
		SQLitePath:    cfg.Store.SQLitePath,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		RedisPrefix:   cfg.Store.RedisPrefix,
	}
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		MaxBacklog:      cfg.Queue.MaxBacklog,
		LeaseTTL:        cfg.Queue.LeaseTTL.D(),
		ReapInterval:    cfg.Queue.ReapInterval.D(),
		ResultRetention: cfg.Queue.ResultRetention.D(),
		Ceiling:         cfg.Worker.GlobalConcurrency,
		UserSpacing:     cfg.Worker.MinUserSpacing.D(),
		RateRefill:      admissionConfig(cfg).Bucket().RefillTime(),
		MaxTurnDuration: cfg.Worker.MaxTurnDuration.D(),
		Retry: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			Delay:      cfg.Retry.Delay.D(),
			Strategy:   retry.Strategy(cfg.Retry.Strategy),
			Multiplier: cfg.Retry.Multiplier,
			MaxDelay:   cfg.Retry.MaxDelay.D(),
		},
	}
}

// newApp opens the store and the delivery broker.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	sc := storeConfig(cfg)
	st, err := store.Open(ctx, sc, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st, health: health.New(logger)}

	switch cfg.Delivery.Driver {
	case "redis":
		a.redis = store.NewRedisClient(sc)
		a.broker = delivery.NewRedisBroker(a.redis, cfg.Store.RedisPrefix, logger)
	default:
		a.broker = delivery.NewMemoryBroker(logger)
	}
	a.queue = queue.New(st, queueOptions(cfg), logger)
	return a, nil
}

// withSessions adds the session registry and admission controller.
func (a *app) withSessions() {
	a.sessions = session.NewRegistry(session.Config{
		MaxMessages:     a.cfg.Session.MaxMessages,
		MaxBytes:        a.cfg.Session.MaxBytes,
		IdleTimeout:     a.cfg.Session.IdleTimeout.D(),
		MaxLifetime:     a.cfg.Session.MaxLifetime.D(),
		ResultRetention: a.cfg.Session.ResultRetention.D(),
		BufferSize:      a.cfg.Session.BufferSize,
	}, a.broker, a.logger)
	a.admission = admission.New(admissionConfig(a.cfg), a.sessions, a.queue, a.logger)
}

func admissionConfig(cfg *config.Config) admission.Config {
	return admission.Config{
		MaxPayloadBytes:   cfg.Admission.MaxPayloadBytes,
		RequestsPerMinute: cfg.Admission.RequestsPerMinute,
		Burst:             cfg.Admission.Burst,
	}
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		counter, err := llm.NewTokenCounter(cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		prompt, err := llm.NewPromptBuilder(counter, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, cfg.LLM.SystemPrompt)
		if err != nil {
			return nil, err
		}
		return openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}, prompt), nil
	case "scripted", "":
		return scripted.New(cfg.LLM.TokenDelay.D()), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func newRetriever(cfg *config.Config) (retrieval.Retriever, error) {
	if cfg.Retrieval.CorpusPath == "" {
		return retrieval.Nop{}, nil
	}
	r, err := retrieval.LoadStatic(cfg.Retrieval.CorpusPath, cfg.Retrieval.Limit)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	return r, nil
}

// newPool builds the worker pool publishing through the app's broker.
func (a *app) newPool() (*worker.Pool, error) {
	provider, err := newProvider(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	retriever, err := newRetriever(a.cfg)
	if err != nil {
		return nil, err
	}
	pool, err := worker.New(worker.Config{
		PoolSize:          a.cfg.Worker.PoolSize,
		PollInterval:      a.cfg.Worker.PollInterval.D(),
		MaxTurnDuration:   a.cfg.Worker.MaxTurnDuration.D(),
		MaxResponseLength: a.cfg.Worker.MaxResponseLength,
		LengthUnit:        a.cfg.Worker.ResponseLengthUnit,
	}, a.queue, provider, retriever, a.broker, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	a.logger.Info("worker pool ready",
		"owner", pool.Owner(),
		"pool_size", a.cfg.Worker.PoolSize,
		"global_concurrency", a.cfg.Worker.GlobalConcurrency,
		"llm_provider", provider.Name(),
	)
	return pool, nil
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.sessions != nil {
			a.sessions.Close()
		}
		a.broker.Close()
		if a.redis != nil {
			a.redis.Close()
		}
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	})
}
