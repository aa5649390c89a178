package config

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const DATABASE_TYPE = "AFLOW_DATABASE_TYPE"
const DATABASE_URL = "AFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "AFLOW_DATABASE_SQLLITE_FILE_NAME"
const ENGINE_EXECUTOR_NAME = "AFLOW_ENGINE_EXECUTOR_NAME"
const ENGINE_EXECUTOR_GROUP = "AFLOW_ENGINE_EXECUTOR_GROUP" //requests created here are recovered by executors of the same group
const ENGINE_BATCH_SIZE = "AFLOW_ENGINE_BATCH_SIZE"         //number of requests to pull from the database per sweep
const ENGINE_RECOVERY_INTERVAL = "AFLOW_ENGINE_RECOVERY_INTERVAL"
const ENGINE_STALE_AFTER = "AFLOW_ENGINE_STALE_AFTER" //pending requests untouched for this long are replayed
const ENGINE_DISPATCH_INTERVAL = "AFLOW_ENGINE_DISPATCH_INTERVAL"
const ENGINE_DISPATCH_MAX_ATTEMPTS = "AFLOW_ENGINE_DISPATCH_MAX_ATTEMPTS"
const ENGINE_DISPATCH_RETRY_MIN = "AFLOW_ENGINE_DISPATCH_RETRY_MIN"
const ENGINE_DISPATCH_RETRY_MAX = "AFLOW_ENGINE_DISPATCH_RETRY_MAX"
const ENGINE_PERSISTENCE_RETRIES = "AFLOW_ENGINE_PERSISTENCE_RETRIES"
const ENGINE_PERSISTENCE_RETRY_INITIAL = "AFLOW_ENGINE_PERSISTENCE_RETRY_INITIAL"
const ENGINE_RETENTION_SCHEDULE = "AFLOW_ENGINE_RETENTION_SCHEDULE" //cron expression
const ENGINE_RETENTION_AGE = "AFLOW_ENGINE_RETENTION_AGE"
const LOCK_BACKEND = "AFLOW_LOCK_BACKEND"
const LOCK_REDIS_ADDR = "AFLOW_LOCK_REDIS_ADDR"
const LOCK_TTL = "AFLOW_LOCK_TTL"
const LOG_LEVEL = "AFLOW_LOG_LEVEL"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

const LOCK_BACKEND_LOCAL = "LOCAL"
const LOCK_BACKEND_REDIS = "REDIS"

var (
	mu       sync.RWMutex
	settings = newSettings()
)

func newSettings() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(DATABASE_SQLLITE_FILE_NAME, "./aflow.db")
	v.SetDefault(ENGINE_EXECUTOR_GROUP, "default")
	v.SetDefault(ENGINE_BATCH_SIZE, "50")
	v.SetDefault(ENGINE_RECOVERY_INTERVAL, "60s")
	v.SetDefault(ENGINE_STALE_AFTER, "5m")
	v.SetDefault(ENGINE_DISPATCH_INTERVAL, "10s")
	v.SetDefault(ENGINE_DISPATCH_MAX_ATTEMPTS, "10")
	v.SetDefault(ENGINE_DISPATCH_RETRY_MIN, "5s")
	v.SetDefault(ENGINE_DISPATCH_RETRY_MAX, "10m")
	v.SetDefault(ENGINE_PERSISTENCE_RETRIES, "5")
	v.SetDefault(ENGINE_PERSISTENCE_RETRY_INITIAL, "200ms")
	v.SetDefault(ENGINE_RETENTION_SCHEDULE, "@every 1h")
	v.SetDefault(ENGINE_RETENTION_AGE, "720h")
	v.SetDefault(LOCK_BACKEND, LOCK_BACKEND_LOCAL)
	v.SetDefault(LOCK_TTL, "30s")
	v.SetDefault(LOG_LEVEL, "INFO")
	return v
}

// LoadFile merges a config file (yaml, json, toml...) over the defaults.
// Environment variables still win.
func LoadFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	settings.SetConfigFile(path)
	return settings.ReadInConfig()
}

// Set overrides a setting for the lifetime of the process.
func Set(settingKey string, value string) {
	mu.Lock()
	defer mu.Unlock()
	settings.Set(settingKey, value)
}

// Reset drops overrides and any loaded file.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	settings = newSettings()
}

func GetSystemSettingString(settingKey string) string {
	mu.RLock()
	defer mu.RUnlock()
	return strings.TrimSpace(settings.GetString(settingKey))
}

func GetSystemSettingInteger(settingKey string) int {
	mu.RLock()
	defer mu.RUnlock()
	return settings.GetInt(settingKey)
}

func GetSystemSettingDuration(settingKey string) time.Duration {
	val := GetSystemSettingString(settingKey)
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("Invalid duration setting", "key", settingKey, "value", val, "error", err)
		return 0
	}
	return d
}
