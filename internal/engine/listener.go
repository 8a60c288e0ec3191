package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Signal: команда управления агентом: "agent_id:on" или "agent_id:off".
type Signal struct {
	AgentID string
	On      bool
}

func (s Signal) String() string {
	if s.On {
		return s.AgentID + ":on"
	}
	return s.AgentID + ":off"
}

// ParseSignal разбирает payload сообщения. id агента может сам содержать ':',
// поэтому режем по последнему разделителю.
func ParseSignal(payload string) (Signal, error) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return Signal{}, fmt.Errorf("invalid signal format: %q", payload)
	}
	id, state := payload[:i], strings.ToLower(payload[i+1:])
	switch state {
	case "on", "true", "start":
		return Signal{AgentID: id, On: true}, nil
	case "off", "false", "stop":
		return Signal{AgentID: id, On: false}, nil
	}
	return Signal{}, fmt.Errorf("invalid signal state %q in %q", state, payload)
}

// ListenStateResilient: цикл «живучей» подписки на сигналы Redis.
// Переподключается при обрыве и на каждом успешном коннекте вызывает onReconnect
// (сообщения, пропущенные во время обрыва, восстанавливаются из состояния).
func ListenStateResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error,
	onMessage func(s Signal),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте
		if err := onReconnect(ctx); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				s, err := ParseSignal(msg.Payload)
				if err != nil {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				onMessage(s)
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
