package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/ledger-orchestrator/internal/agent"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/llm"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"github.com/xela07ax/ledger-orchestrator/internal/resilience"
	"github.com/xela07ax/ledger-orchestrator/internal/risk"
)

// Config: корневая структура конфигурации оркестратора.
type Config struct {
	Server       ServerConfig                        `mapstructure:"server"`
	Database     DatabaseConfig                      `mapstructure:"database"`
	Redis        RedisConfig                         `mapstructure:"redis"`
	Auth         AuthConfig                          `mapstructure:"auth"`
	LLM          llm.Config                          `mapstructure:"llm"`
	Connectors   map[string]ConnectorConfig          `mapstructure:"connectors"`
	Breakers     map[string]resilience.BreakerConfig `mapstructure:"breakers"`
	RateLimits   RateLimitsConfig                    `mapstructure:"rate_limits"`
	Reliability  resilience.WrapperConfig            `mapstructure:"reliability"`
	Agents       AgentsConfig                        `mapstructure:"agents"`
	Orchestrator orchestrator.Options                `mapstructure:"orchestrator"`
	Audit        audit.SinkConfig                    `mapstructure:"audit"`
	Risk         []risk.Rule                         `mapstructure:"risk_rules"`
	Logger       LoggerConfig                        `mapstructure:"logger"`
}

// ServerConfig описывает HTTP и gRPC входы.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"` // 0: gRPC вход выключен
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL: аудит в памяти.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (сигналы управления агентами).
// Пустой Addr: один инстанс, управление только локальное.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит публичный ключ RS256 для проверки токенов тенантов.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	// DevHeaders разрешает X-Tenant-ID/X-User-ID/X-Role без токена (локальный запуск)
	DevHeaders bool `mapstructure:"dev_headers"`
	PublicKey  []byte
}

// ConnectorConfig: адрес gRPC сервиса внешней зависимости. Пустой адрес означает мок.
type ConnectorConfig struct {
	Address string `mapstructure:"address"`
}

type RateLimitsConfig struct {
	Default    resilience.RateLimitConfig `mapstructure:"default"`
	Tenant     resilience.RateLimitConfig `mapstructure:"tenant"`
	Dependency resilience.RateLimitConfig `mapstructure:"dependency"`
}

type AgentsConfig struct {
	agent.Options `mapstructure:",squash"`
	DefaultAgent  domain.AgentID   `mapstructure:"default_agent"`
	CatalogPath   string           `mapstructure:"catalog_path"`
	Disabled      []domain.AgentID `mapstructure:"disabled"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Пустой path: поиск config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ: сначала PEM прямо в ENV (Docker/K8s), иначе файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.read_timeout", 5*time.Second)
	// Стрим событий длится все время оркестрации
	v.SetDefault("server.write_timeout", 5*time.Minute)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("auth.dev_headers", false)

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.max_tokens", 4096)

	for name, b := range resilience.DefaultBreakerConfigs() {
		v.SetDefault("breakers."+name+".failure_threshold", b.FailureThreshold)
		v.SetDefault("breakers."+name+".timeout", b.Timeout)
		v.SetDefault("breakers."+name+".success_threshold", b.SuccessThreshold)
	}

	v.SetDefault("rate_limits.default.requests_per_minute", 60)
	v.SetDefault("rate_limits.default.burst_size", 100)
	v.SetDefault("rate_limits.tenant.requests_per_minute", 30)
	v.SetDefault("rate_limits.tenant.burst_size", 50)
	v.SetDefault("rate_limits.dependency.requests_per_minute", 600)
	v.SetDefault("rate_limits.dependency.burst_size", 60)

	v.SetDefault("reliability.attempts", 3)
	v.SetDefault("reliability.attempt_timeout", 10*time.Second)

	v.SetDefault("agents.task_timeout", 30*time.Second)
	v.SetDefault("agents.fault_threshold", 0)
	v.SetDefault("agents.default_agent", "generalist")
	v.SetDefault("agents.catalog_path", "")

	v.SetDefault("orchestrator.delegate_attempts", 1)

	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: ключ из ENV или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
