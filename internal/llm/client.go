package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/xela07ax/ledger-orchestrator/internal/resilience"
	"go.uber.org/zap"
)

// ErrDisabled возвращается, когда сервис рассуждений не сконфигурирован.
var ErrDisabled = errors.New("llm: reasoning service is not configured")

// Config: настройки подключения к модели.
type Config struct {
	// Provider: "anthropic" (API ключ) или "bedrock" (AWS). Пусто: сервис выключен.
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// CompleteOptions: параметры одного запроса.
type CompleteOptions struct {
	System      string
	Temperature float64
	MaxTokens   int64
}

// Completer: минимальный контракт сервиса рассуждений.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
}

// Client: клиент Anthropic API. Каждый вызов идет через предохранитель llm.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	cb        *resilience.CircuitBreaker
	logger    *zap.Logger
}

func NewClient(ctx context.Context, cfg Config, cb *resilience.CircuitBreaker, logger *zap.Logger) (*Client, error) {
	var opts []option.RequestOption
	switch cfg.Provider {
	case "bedrock":
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	case "anthropic":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", ErrDisabled)
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrDisabled, cfg.Provider)
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.Provider == "bedrock" && !strings.HasPrefix(string(model), "us.anthropic") {
		// Bedrock работает через cross-region inference profile: us.anthropic.{model}-v1:0
		model = anthropic.Model("us.anthropic." + string(model) + "-v1:0")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
		cb:        cb,
		logger:    logger.Named("llm").With(zap.String("model", string(model))),
	}, nil
}

// Complete отправляет один запрос модели и возвращает склеенный текст ответа.
func (c *Client) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	system := opts.System
	if system == "" {
		system = "You are a helpful AI assistant."
	}

	return resilience.Execute(c.cb, func() (string, error) {
		resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       c.model,
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(opts.Temperature),
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("llm: messages.new: %w", err)
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
				sb.WriteString(variant.Text)
			}
		}
		c.logger.Debug("completion finished",
			zap.Int64("input_tokens", resp.Usage.InputTokens),
			zap.Int64("output_tokens", resp.Usage.OutputTokens),
		)
		return sb.String(), nil
	})
}

// Decompose раскладывает составной запрос на подзадачи.
func (c *Client) Decompose(ctx context.Context, request string) ([]Subtask, error) {
	return Decompose(ctx, c, request, c.logger)
}

// Disabled: заглушка на случай, когда модель не сконфигурирована.
type Disabled struct{}

func (Disabled) Complete(context.Context, string, CompleteOptions) (string, error) {
	return "", ErrDisabled
}

func (d Disabled) Decompose(ctx context.Context, request string) ([]Subtask, error) {
	return Decompose(ctx, d, request, zap.NewNop())
}

var (
	_ Completer = (*Client)(nil)
	_ Completer = Disabled{}
)
