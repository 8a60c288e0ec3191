package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/ledger-orchestrator/internal/connectors"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// WrapperConfig: политика повторов внутри предохранителя.
type WrapperConfig struct {
	Attempts       uint          `mapstructure:"attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// ReliabilityWrapper защищает коннектор внешней зависимости:
// лимитер -> предохранитель -> повторы -> таймаут на попытку.
type ReliabilityWrapper struct {
	name    string
	next    connectors.Connector
	cb      *CircuitBreaker
	limiter *RateLimiter
	cfg     WrapperConfig
	logger  *zap.Logger
}

func NewReliabilityWrapper(next connectors.Connector, cb *CircuitBreaker, limiter *RateLimiter, cfg WrapperConfig, logger *zap.Logger) *ReliabilityWrapper {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &ReliabilityWrapper{
		name:    cb.Name(),
		next:    next,
		cb:      cb,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.Named("reliability").With(zap.String("dependency", cb.Name())),
	}
}

// limitKey: корзина на пару зависимость+тенант, без тенанта общий пул зависимости.
func (w *ReliabilityWrapper) limitKey(ctx context.Context) string {
	if tc, ok := domain.TenantFrom(ctx); ok && tc.TenantID != "" {
		return w.name + ":" + tc.TenantID
	}
	return w.name
}

func (w *ReliabilityWrapper) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	// 1. Rate Limiter (не ждем, отдаем RateLimited с retry_after)
	if w.limiter != nil {
		if err := w.limiter.Allow(w.limitKey(ctx)); err != nil {
			w.logger.Warn("dependency call throttled", zap.String("capability", capID), zap.Error(err))
			return nil, fmt.Errorf("%s: %w", w.name, err)
		}
	}

	// 2. Circuit Breaker
	res, err := Execute(w.cb, func() ([]byte, error) {
		var finalData []byte
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если коннектор вернул ThrottleError (например, считал Retry-After заголовок)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях (сетевой лаг, 500-ка): стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
			defer cancel()

			var callErr error
			finalData, callErr = w.next.Call(tCtx, capID, payload)
			return callErr
		})
		return finalData, retryErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.name, err)
	}
	return res, nil
}

var _ connectors.Connector = (*ReliabilityWrapper)(nil)
