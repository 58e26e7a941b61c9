package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	AdminJWTSecret     string
	AdminTokenTTL      time.Duration
	InternalToken      string
	APIKeySalt         string
	DefaultKeyQuota    int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	TrustProxyHeaders  bool
	UsageCleanupEvery  time.Duration
	UsageRetention     time.Duration
	Monitor            MonitorConfig
}

// MonitorConfig tunes the in-process monitoring registry and alert evaluator.
type MonitorConfig struct {
	MetricCapacity          int
	ErrorCapacity           int
	SecurityCapacity        int
	AlertCapacity           int
	EvaluateEvery           time.Duration
	ErrorRatePercent        float64
	ResponseTimeMS          float64
	MemoryUsageGB           float64
	MinUptimePercent        float64
	RateLimitViolationsHour float64
	FailedLoginsHour        float64
	HeartbeatAlert          bool
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://qrcode:qrcode@db:5432/qrcode?sslmode=disable"),
		AdminJWTSecret:     GetString("ADMIN_JWT_SECRET", "supersecuresecret"),
		AdminTokenTTL:      time.Duration(GetInt("ADMIN_TOKEN_TTL_HOURS", 12)) * time.Hour,
		InternalToken:      GetString("INTERNAL_API_TOKEN", ""),
		APIKeySalt:         GetString("API_KEY_SALT", ""),
		DefaultKeyQuota:    GetInt("API_KEY_DEFAULT_RATE_LIMIT", 1000),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		TrustProxyHeaders:  GetBool("TRUST_PROXY_HEADERS", false),
		UsageCleanupEvery:  time.Duration(GetInt("USAGE_CLEANUP_SECONDS", 60)) * time.Second,
		UsageRetention:     time.Duration(GetInt("USAGE_RETENTION_HOURS", 24)) * time.Hour,
		Monitor: MonitorConfig{
			MetricCapacity:          GetInt("MONITOR_METRIC_CAPACITY", 10000),
			ErrorCapacity:           GetInt("MONITOR_ERROR_CAPACITY", 5000),
			SecurityCapacity:        GetInt("MONITOR_SECURITY_CAPACITY", 2000),
			AlertCapacity:           GetInt("MONITOR_ALERT_CAPACITY", 100),
			EvaluateEvery:           time.Duration(GetInt("MONITOR_EVALUATE_SECONDS", 60)) * time.Second,
			ErrorRatePercent:        GetFloat("ALERT_ERROR_RATE_PERCENT", 5),
			ResponseTimeMS:          GetFloat("ALERT_RESPONSE_TIME_MS", 1000),
			MemoryUsageGB:           GetFloat("ALERT_MEMORY_GB", 1.5),
			MinUptimePercent:        GetFloat("ALERT_MIN_UPTIME_PERCENT", 99),
			RateLimitViolationsHour: GetFloat("ALERT_RATE_LIMIT_VIOLATIONS_HOUR", 50),
			FailedLoginsHour:        GetFloat("ALERT_FAILED_LOGINS_HOUR", 20),
			HeartbeatAlert:          GetBool("MONITOR_HEARTBEAT_ALERT", false),
		},
	}
}
