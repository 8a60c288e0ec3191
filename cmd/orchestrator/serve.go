package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/xela07ax/ledger-orchestrator/internal/api"
	"github.com/xela07ax/ledger-orchestrator/internal/engine"
	"github.com/xela07ax/ledger-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC ingress and the agent control listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			defer a.close()

			return a.serve(ctx)
		},
	}
}

// serve блокируется до сигнала или до падения одного из серверов.
func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Проверка токенов: ключ из конфига, либо dev-заголовки
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(key)
	} else if !cfg.Auth.DevHeaders {
		logger.Warn("no auth public key and dev headers disabled: every /v1 call will be rejected")
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewServer(api.Deps{
			Orchestrator:  a.orch,
			Agents:        a.runtime,
			Control:       a.control,
			Audit:         a.sink,
			Breakers:      a.breakers,
			TenantLimiter: a.tenantLimiter,
			Metrics:       a.metrics,
			Gatherer:      a.promReg,
			Validator:     validator,
			DevHeaders:    cfg.Auth.DevHeaders,
			Logger:        logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Первая ошибка отменяет контекст: остальные компоненты гасятся
	p := pool.New().WithContext(ctx).WithCancelOnError()

	// 1. HTTP
	p.Go(func(ctx context.Context) error {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// 2. gRPC вход
	if cfg.Server.GRPCPort > 0 {
		gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
			engine.UnaryAuthInterceptor(validator, cfg.Auth.DevHeaders, logger),
			engine.UnaryRateLimitInterceptor(a.defaultLimiter, logger),
		))
		engine.NewOrchestratorServer(a.orch).Register(gs)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		p.Go(func(ctx context.Context) error {
			logger.Info("grpc server started", zap.String("addr", addr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
		p.Go(func(ctx context.Context) error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	// 3. Сигналы управления агентами от других инстансов
	if a.rdb != nil {
		p.Go(func(ctx context.Context) error {
			a.control.Listen(ctx)
			return nil
		})
	}

	err := p.Wait()
	logger.Info("orchestrator stopped", zap.Error(err))
	return err
}
