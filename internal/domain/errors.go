package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Таксономия ошибок слоя оркестрации
var (
	ErrMissingCapability = errors.New("missing capability")
	ErrTenantIsolation   = errors.New("tenant isolation violation")
	ErrAgentBusy         = errors.New("agent busy")
	ErrAgentOffline      = errors.New("agent offline")
	ErrAgentFaulted      = errors.New("agent faulted")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrRateLimited       = errors.New("rate limited")
	ErrHandlerTimeout    = errors.New("handler timeout")
	ErrHandlerError      = errors.New("handler error")
	ErrUnknownAgent      = errors.New("unknown agent")
)

// RetryableError: транзиентная ошибка с подсказкой, когда имеет смысл повторить.
type RetryableError struct {
	Kind       error
	RetryAfter time.Duration
	Cause      error
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: retry after %v (cause: %v)", e.Kind, e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("%v: retry after %v", e.Kind, e.RetryAfter)
}

func (e *RetryableError) Is(target error) bool { return e.Kind == target }

func (e *RetryableError) Unwrap() error { return e.Cause }

// RetryAfter достает задержку из цепочки ошибок (0, если ее нет).
func RetryAfter(err error) time.Duration {
	var rErr *RetryableError
	if errors.As(err, &rErr) {
		return rErr.RetryAfter
	}
	return 0
}

// Kind возвращает имя класса ошибки для TaskResult.ErrorKind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCapability):
		return "MissingCapability"
	case errors.Is(err, ErrTenantIsolation):
		return "TenantIsolationViolation"
	case errors.Is(err, ErrAgentBusy):
		return "AgentBusy"
	case errors.Is(err, ErrAgentOffline):
		return "AgentOffline"
	case errors.Is(err, ErrAgentFaulted):
		return "AgentFaulted"
	case errors.Is(err, ErrUnknownAgent):
		return "UnknownAgent"
	case errors.Is(err, ErrInvalidTask):
		return "InvalidTask"
	case errors.Is(err, ErrCircuitOpen):
		return "CircuitOpen"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrHandlerTimeout), errors.Is(err, context.DeadlineExceeded):
		return "HandlerTimeout"
	default:
		return "HandlerError"
	}
}

// Retryable сообщает, может ли вызывающий повторить попытку.
func Retryable(err error) bool {
	switch Kind(err) {
	case "AgentBusy", "CircuitOpen", "RateLimited", "HandlerTimeout":
		return true
	}
	return false
}
