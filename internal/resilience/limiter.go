package resilience

import (
	"math"
	"sync"
	"time"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"golang.org/x/time/rate"
)

// RateLimitConfig описывает token bucket: емкость BurstSize, пополнение RequestsPerMinute/60 в секунду.
type RateLimitConfig struct {
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// Decision: результат проверки лимита.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Usage: текущая заполненность корзины ключа.
type Usage struct {
	Available int `json:"available"`
	Max       int `json:"max"`
}

// RateLimiter держит по корзине на ключ (tenant_id, имя зависимости и т.д.).
// Корзины создаются лениво и живут до Reset. Пополнение считается в момент проверки
// по прошедшему времени, фоновых таймеров нет. Разные экземпляры корзины не делят.
type RateLimiter struct {
	cfg     RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

type LimiterOption func(*RateLimiter)

// WithClock подменяет источник времени (тесты).
func WithClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

func NewRateLimiter(cfg RateLimitConfig, opts ...LimiterOption) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(math.Ceil(cfg.RequestsPerMinute))
	}
	l := &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RateLimiter) refillRate() float64 { return l.cfg.RequestsPerMinute / 60 }

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.refillRate()), l.cfg.BurstSize)
		// Новая корзина стартует полной относительно часов лимитера
		b.SetLimitAt(l.now(), rate.Limit(l.refillRate()))
		l.buckets[key] = b
	}
	return b
}

// Check списывает один токен, если он есть; иначе считает retry_after = ceil((1 - tokens)/refill_rate).
func (l *RateLimiter) Check(key string) Decision {
	b := l.bucket(key)
	now := l.now()
	if b.AllowN(now, 1) {
		return Decision{Allowed: true}
	}
	tokens := b.TokensAt(now)
	secs := math.Ceil((1 - tokens) / l.refillRate())
	return Decision{Allowed: false, RetryAfter: time.Duration(secs) * time.Second}
}

// Allow: то же, что Check, но в форме ошибки RateLimited для оберток.
func (l *RateLimiter) Allow(key string) error {
	d := l.Check(key)
	if d.Allowed {
		return nil
	}
	return &domain.RetryableError{Kind: domain.ErrRateLimited, RetryAfter: d.RetryAfter}
}

func (l *RateLimiter) Usage(key string) Usage {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return Usage{Available: l.cfg.BurstSize, Max: l.cfg.BurstSize}
	}
	return Usage{Available: int(math.Floor(b.TokensAt(l.now()))), Max: l.cfg.BurstSize}
}

// Reset удаляет корзину ключа (admin override); следующая проверка создаст полную.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
