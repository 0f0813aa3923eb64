package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// ServiceConfig represents tunable breaker settings for one upstream.
type ServiceConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetHTTPConfig returns the default HTTP breaker configuration, with
// environment overrides. Used by the vector index, embedding, rerank,
// and LLM clients.
func GetHTTPConfig() ServiceConfig {
	return ServiceConfig{
		MaxRequests:      getEnvUint32("CB_HTTP_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// GetRedisConfig returns the Redis breaker configuration used by the
// embedding vector cache.
func GetRedisConfig() ServiceConfig {
	return ServiceConfig{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts ServiceConfig to a breaker Config.
func (sc ServiceConfig) ToConfig() Config {
	return Config{
		MaxRequests:      sc.MaxRequests,
		Interval:         sc.Interval,
		Timeout:          sc.Timeout,
		FailureThreshold: sc.FailureThreshold,
		SuccessThreshold: sc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
