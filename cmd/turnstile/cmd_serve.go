package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/turnstile/internal/auth"
	"github.com/user/turnstile/internal/config"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/guardrail"
	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd)
	serveCmd.Flags().Bool("workers", true, "run a worker pool in this process")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (and, by default, a worker pool)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker-only process against the shared store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(false, true)
	},
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "turnstile.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetBool("workers")
	return run(true, workers)
}

// run starts the requested roles and blocks until SIGINT/SIGTERM, a
// guardrail retirement, or SIGHUP (which re-execs the binary).
func run(gatewayRole, workerRole bool) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !gatewayRole && cfg.Delivery.Driver != "redis" {
		logger.Warn("worker-only process with in-memory delivery: output reaches no gateway", "delivery_driver", cfg.Delivery.Driver)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	var pidPath string
	if gatewayRole {
		var err error
		if pidPath, err = writePIDFile(cfg.DataDir); err != nil {
			return err
		}
		defer os.Remove(pidPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restart := make(chan struct{})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		select {
		case <-hup:
			logger.Info("received SIGHUP, restarting")
			close(restart)
			stop()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := serve(ctx, stop, a, gatewayRole, workerRole); err != nil {
		return err
	}

	select {
	case <-restart:
		a.close()
		return reexec(pidPath, cfg)
	default:
		return nil
	}
}

func serve(ctx context.Context, stop context.CancelFunc, a *app, gatewayRole, workerRole bool) error {
	cfg, logger := a.cfg, a.logger
	g, gctx := errgroup.WithContext(ctx)

	var pool *worker.Pool
	if workerRole {
		var err error
		if pool, err = a.newPool(); err != nil {
			return err
		}
		// Turns outlive the signal; shutdown drains them.
		pool.Start(context.WithoutCancel(ctx))
		defer pool.Stop()
	}

	reaper := queue.NewReaper(a.queue, a.broker, logger)
	reaper.Start(gctx)
	defer reaper.Stop()

	if cfg.Health.GRPCAddr != "" {
		g.Go(func() error { return a.health.Serve(gctx, cfg.Health.GRPCAddr) })
	}

	var gw *gateway.Server
	var httpServer *http.Server
	if gatewayRole {
		a.withSessions()
		identity := auth.NewJWTIdentifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.AllowAnonymous)
		gw = gateway.New(gateway.Config{
			MaxConnections: cfg.Gateway.MaxConnections,
			IdleTimeout:    cfg.Gateway.IdleTimeout.D(),
			MaxLifetime:    cfg.Gateway.MaxLifetime.D(),
			MaxMessages:    cfg.Gateway.MaxMessages,
			ReadLimit:      cfg.Gateway.ReadLimit,
			SendBuffer:     cfg.Gateway.SendBuffer,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
		}, a.sessions, a.admission, a.queue, identity, logger)

		opts := []guardrail.Option{
			guardrail.WithShedder(a.admission),
			guardrail.WithHealth(a.health),
			guardrail.WithLogger(logger),
		}
		if cfg.Guardrail.RetireOnPressure {
			opts = append(opts, guardrail.WithRetire(func() {
				logger.Warn("retiring process under sustained memory pressure")
				stop()
			}))
		}
		guard := guardrail.New(guardrailConfig(cfg), a.sessions, a.queue, opts...)
		if err := guard.Start(gctx); err != nil {
			return err
		}
		defer guard.Stop()

		httpServer = &http.Server{
			Addr:              cfg.Gateway.Listen,
			Handler:           gw,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("gateway listening", "listen", cfg.Gateway.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway server: %w", err)
			}
			return nil
		})
	}

	logger.Info("turnstile started",
		"gateway", gatewayRole,
		"workers", workerRole,
		"store", cfg.Store.Driver,
		"delivery", cfg.Delivery.Driver,
		"llm_provider", cfg.LLM.Provider,
	)

	g.Go(func() error {
		<-gctx.Done()
		shutdown(logger, a, pool, gw, httpServer)
		return nil
	})
	return g.Wait()
}

// shutdown stops admitting, lets running turns finish, then closes client
// connections.
func shutdown(logger *slog.Logger, a *app, pool *worker.Pool, gw *gateway.Server, httpServer *http.Server) {
	logger.Info("shutting down")
	a.health.SetServing(false)
	if a.admission != nil {
		a.admission.SetShedding(true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if pool != nil {
		if err := pool.Drain(ctx); err != nil {
			logger.Warn("drain incomplete, leases left to the reaper", "error", err)
		}
	}
	if gw != nil {
		if err := gw.Shutdown(ctx); err != nil {
			logger.Warn("closing connections", "error", err)
		}
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
}

func guardrailConfig(cfg *config.Config) guardrail.Config {
	return guardrail.Config{
		SweepInterval:    cfg.Guardrail.SweepInterval.D(),
		MemoryThreshold:  cfg.Guardrail.MemoryThresholdBytes,
		RecoveryRatio:    cfg.Guardrail.RecoveryRatio,
		RetireOnPressure: cfg.Guardrail.RetireOnPressure,
		RetireAfter:      cfg.Guardrail.RetireAfter,
	}
}

func reexec(pidPath string, cfg *config.Config) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	// Clean up PID file before re-exec
	if pidPath != "" {
		os.Remove(pidPath)
	}
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		if pidPath != "" {
			writePIDFile(cfg.DataDir)
		}
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
