package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "ledger"
)

// Ключи для Sets (состояние)
const (
	RedisKeyStoppedAgents = RedisNamespace + ":agents:stopped_set"
	RedisKeyLockSeed      = RedisNamespace + ":lock:seed:stopped"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAgentControl: сигналы "agent_id:on|off" для всех инстансов оркестратора.
	RedisChanAgentControl = RedisNamespace + ":agents:control-signal"
)
