package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig: пороги предохранителя одной внешней зависимости.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// BreakerStats: снимок состояния для админки и метрик.
type BreakerStats struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    uint32       `json:"failure_count"`
	SuccessCount    uint32       `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
}

// StateObserver получает переходы состояний (метрики, логи).
type StateObserver func(name string, from, to BreakerState)

// CircuitBreaker защищает одну зависимость. Внутренний автомат: gobreaker:
// ReadyToTrip по ConsecutiveFailures, MaxRequests = success_threshold в half-open,
// переход open -> half_open вычисляется лениво при следующем вызове.
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	logger   *zap.Logger
	observer StateObserver

	mu          sync.RWMutex
	cb          *gobreaker.CircuitBreaker
	lastFailure time.Time
}

func NewCircuitBreaker(name string, cfg BreakerConfig, logger *zap.Logger, observer StateObserver) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &CircuitBreaker{
		name:     name,
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "breaker"), zap.String("breaker", name)),
		observer: observer,
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	return b
}

func (b *CircuitBreaker) settings() gobreaker.Settings {
	threshold := b.cfg.FailureThreshold
	return gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.cfg.SuccessThreshold,
		Interval:    0, // В closed счетчики сбрасывает только успех
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit state changed",
				zap.String("from", stateName(from)),
				zap.String("to", stateName(to)))
			if b.observer != nil {
				b.observer(name, toState(from), toState(to))
			}
		},
	}
}

func (b *CircuitBreaker) Name() string { return b.name }

// Execute: обязательная обертка для каждого вызова внешней зависимости.
// В open вызов отклоняется с CircuitOpen без вызова fn.
func Execute[T any](b *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	res, err := cb.Execute(func() (interface{}, error) {
		v, callErr := fn()
		if callErr != nil {
			b.mu.Lock()
			b.lastFailure = time.Now()
			b.mu.Unlock()
		}
		return v, callErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &domain.RetryableError{
				Kind:       domain.ErrCircuitOpen,
				RetryAfter: b.retryAfter(),
				Cause:      err,
			}
		}
		return zero, err
	}

	v, _ := res.(T)
	return v, nil
}

// Do: вариант Execute для вызовов без результата.
func (b *CircuitBreaker) Do(fn func() error) error {
	_, err := Execute(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (b *CircuitBreaker) retryAfter() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	wait := b.cfg.Timeout - time.Since(b.lastFailure)
	if wait < 0 {
		return 0
	}
	return wait
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return toState(b.cb.State())
}

func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := b.cb.Counts()
	return BreakerStats{
		Name:            b.name,
		State:           toState(b.cb.State()),
		FailureCount:    counts.ConsecutiveFailures,
		SuccessCount:    counts.ConsecutiveSuccesses,
		LastFailureTime: b.lastFailure,
	}
}

// Reset: ручной сброс в closed (admin override). gobreaker не умеет сбрасываться,
// поэтому пересоздаем внутренний автомат.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	prev := toState(b.cb.State())
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.logger.Info("circuit manually reset")
	if b.observer != nil && prev != StateClosed {
		b.observer(b.name, prev, StateClosed)
	}
}

func toState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateName(s gobreaker.State) string { return string(toState(s)) }
