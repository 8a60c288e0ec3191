package resilience

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Имена защищаемых зависимостей
const (
	DepPayments   = "payments"
	DepBanking    = "banking"
	DepAccounting = "accounting"
	DepDocuments  = "documents"
	DepLLM        = "llm"
)

// DefaultBreakerConfigs: пороги по умолчанию для внешних сервисов.
func DefaultBreakerConfigs() map[string]BreakerConfig {
	return map[string]BreakerConfig{
		DepPayments:   {FailureThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 2},
		DepBanking:    {FailureThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 2},
		DepAccounting: {FailureThreshold: 3, Timeout: 60 * time.Second, SuccessThreshold: 2},
		DepDocuments:  {FailureThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 2},
		DepLLM:        {FailureThreshold: 10, Timeout: 20 * time.Second, SuccessThreshold: 3},
	}
}

// BreakerSet: по одному предохранителю на зависимость. Создается при старте процесса
// и далее только читается, поэтому мапа не требует блокировки.
type BreakerSet struct {
	breakers map[string]*CircuitBreaker
}

func NewBreakerSet(configs map[string]BreakerConfig, logger *zap.Logger, observer StateObserver) *BreakerSet {
	merged := DefaultBreakerConfigs()
	for name, cfg := range configs {
		merged[name] = cfg
	}

	s := &BreakerSet{breakers: make(map[string]*CircuitBreaker, len(merged))}
	for name, cfg := range merged {
		s.breakers[name] = NewCircuitBreaker(name, cfg, logger, observer)
	}
	return s
}

// Get возвращает предохранитель зависимости; неизвестное имя: ошибка конфигурации.
func (s *BreakerSet) Get(name string) (*CircuitBreaker, error) {
	b, ok := s.breakers[name]
	if !ok {
		return nil, fmt.Errorf("resilience: no circuit breaker for dependency %q", name)
	}
	return b, nil
}

// MustGet используется при сборке зависимостей в main.
func (s *BreakerSet) MustGet(name string) *CircuitBreaker {
	b, err := s.Get(name)
	if err != nil {
		panic(err)
	}
	return b
}

func (s *BreakerSet) Stats() []BreakerStats {
	out := make([]BreakerStats, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
