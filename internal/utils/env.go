package utils

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/khenlevy/stocksync-backend/internal/logger"
)

func GetEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if log != nil {
			log.Debug("Env var unset, using default", "key", key)
		}
		return def
	}
	return v
}

func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("Env var is not an int, using default", "key", key, "value", v)
		}
		return def
	}
	return i
}

func GetEnvAsBool(key string, def bool, log *logger.Logger) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if log != nil {
			log.Warn("Env var is not a bool, using default", "key", key, "value", v)
		}
		return def
	}
}

// GetEnvAsDuration reads a duration expressed in milliseconds. Zero means unset.
func GetEnvAsDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		if log != nil {
			log.Warn("Env var is not a duration in ms, using default", "key", key, "value", v)
		}
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
