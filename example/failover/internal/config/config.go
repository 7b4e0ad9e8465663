package config

const (
	// Local regions. The global address serves account discovery.
	GlobalAddr = "127.0.0.1:8080"
	WestAddr   = "127.0.0.1:8081"
	EastAddr   = "127.0.0.1:8082"

	GlobalEndpoint = "http://" + GlobalAddr + "/"

	// Server configuration
	MetricsPort = ":2112"

	// OpenTelemetry configuration
	OTLPEndpoint   = "localhost:4317"
	ServiceName    = "sentinel-pipeline-failover-example"
	ServiceVersion = "0.1.0"

	// RedisAddrEnv names the variable holding a Redis address. When set,
	// circuit breaker state is shared through Redis.
	RedisAddrEnv = "REDIS_ADDR"

	// Request loop
	RequestInterval = 1  // seconds
	OutageEvery     = 15 // requests between West outages and recoveries
)
