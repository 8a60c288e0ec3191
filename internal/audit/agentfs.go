package audit

/*
Sink: асинхронный сборщик аудита задач оркестрации.

- Non-blocking: Record кладет запись в буферизованный канал и возвращается сразу,
  задержки записи в БД не влияют на время исполнения задач.
- Batching: записи копятся в памяти и пишутся пачкой по таймеру или по лимиту пачки.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
- Сбой хранилища логируется и проглатывается.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gauge: заполненность буфера (prometheus.Gauge подходит).
type Gauge interface {
	Set(float64)
}

type SinkConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type Sink struct {
	ch      chan Entry
	flushCh chan chan struct{}
	exited  chan struct{} // Закрывается, когда воркер завершился
	repo    Store
	cfg     SinkConfig
	logger  *zap.Logger
	fill    Gauge
	wg      sync.WaitGroup

	mu     sync.RWMutex // Защищает закрытие канала от параллельных Record
	closed bool
}

func NewSink(repo Store, cfg SinkConfig, logger *zap.Logger, fill Gauge) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Sink{
		ch:      make(chan Entry, cfg.BufferSize),
		flushCh: make(chan chan struct{}),
		exited:  make(chan struct{}),
		repo:    repo,
		cfg:     cfg,
		logger:  logger.With(zap.String("mod", "audit")),
		fill:    fill,
	}
}

func (s *Sink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (s *Sink) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.logger.Info("stopping audit sink: closing channel and flushing buffer...")
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("audit sink stopped gracefully")
}

// Record никогда не блокирует и не возвращает ошибку.
func (s *Sink) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	// Убеждаемся, что таймстемп всегда проставлен
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("audit entry dropped: sink is stopping", zap.String("id", e.ID), zap.String("action", e.Action))
		return
	}

	// Load Shedding: при переполнении пишем запись в лог, чтобы не потерять ее совсем
	select {
	case s.ch <- e:
		if s.fill != nil {
			s.fill.Set(float64(len(s.ch)))
		}
	default:
		s.logger.Error("audit_buffer_overflow",
			zap.String("tenant_id", e.TenantID),
			zap.String("agent_id", string(e.AgentID)),
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
		)
	}
}

// Flush дожидается записи всего, что уже принято в буфер.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query сначала сбрасывает буфер, затем читает из хранилища (по убыванию времени).
func (s *Sink) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, fmt.Errorf("audit: flush before query: %w", err)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	entries, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

func (s *Sink) worker() {
	defer s.wg.Done()
	defer close(s.exited)

	batch := make([]Entry, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как контекст запроса может быть уже закрыт
			if err := s.repo.WriteBatch(context.Background(), batch); err != nil {
				s.logger.Error("audit flush failed", zap.Int("entries", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
		if s.fill != nil {
			s.fill.Set(float64(len(s.ch)))
		}
	}

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, делаем финальный сброс
				flush()
				s.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case done := <-s.flushCh:
			// Дочитываем то, что уже лежит в канале
			for drained := false; !drained; {
				select {
				case e, ok := <-s.ch:
					if ok {
						batch = append(batch, e)
					} else {
						drained = true
					}
				default:
					drained = true
				}
			}
			flush()
			close(done)
		case <-ticker.C:
			flush()
		}
	}
}

var _ Recorder = (*Sink)(nil)
