package engine

import (
	"time"

	"github.com/RealZimboGuy/approvalflow/internal/config"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

// Settings tunes the background sweeps and retry behaviour of the engine.
type Settings struct {
	ExecutorName            string
	ExecutorGroup           string
	BatchSize               int
	StaleAfter              time.Duration
	RecoveryInterval        time.Duration
	DispatchInterval        time.Duration
	DispatchRetry           models.RetryConfig
	PersistenceRetries      int
	PersistenceRetryInitial time.Duration
	RetentionSchedule       string
	RetentionAge            time.Duration
	HeartbeatInterval       time.Duration
	// DeferDispatch leaves terminal callbacks to the dispatch sweep of a
	// serving executor instead of running them in this process.
	DeferDispatch bool
}

// SettingsFromConfig reads the AFLOW_ENGINE_* system settings.
func SettingsFromConfig() Settings {
	return Settings{
		ExecutorName:     config.GetSystemSettingString(config.ENGINE_EXECUTOR_NAME),
		ExecutorGroup:    config.GetSystemSettingString(config.ENGINE_EXECUTOR_GROUP),
		BatchSize:        config.GetSystemSettingInteger(config.ENGINE_BATCH_SIZE),
		StaleAfter:       config.GetSystemSettingDuration(config.ENGINE_STALE_AFTER),
		RecoveryInterval: config.GetSystemSettingDuration(config.ENGINE_RECOVERY_INTERVAL),
		DispatchInterval: config.GetSystemSettingDuration(config.ENGINE_DISPATCH_INTERVAL),
		DispatchRetry: models.RetryConfig{
			MaxRetryCount:    config.GetSystemSettingInteger(config.ENGINE_DISPATCH_MAX_ATTEMPTS),
			RetryIntervalMin: config.GetSystemSettingDuration(config.ENGINE_DISPATCH_RETRY_MIN),
			RetryIntervalMax: config.GetSystemSettingDuration(config.ENGINE_DISPATCH_RETRY_MAX),
		},
		PersistenceRetries:      config.GetSystemSettingInteger(config.ENGINE_PERSISTENCE_RETRIES),
		PersistenceRetryInitial: config.GetSystemSettingDuration(config.ENGINE_PERSISTENCE_RETRY_INITIAL),
		RetentionSchedule:       config.GetSystemSettingString(config.ENGINE_RETENTION_SCHEDULE),
		RetentionAge:            config.GetSystemSettingDuration(config.ENGINE_RETENTION_AGE),
		HeartbeatInterval:       30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	if s.ExecutorGroup == "" {
		s.ExecutorGroup = "default"
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 5 * time.Minute
	}
	if s.RecoveryInterval <= 0 {
		s.RecoveryInterval = time.Minute
	}
	if s.DispatchInterval <= 0 {
		s.DispatchInterval = 10 * time.Second
	}
	if s.DispatchRetry.MaxRetryCount <= 0 {
		s.DispatchRetry.MaxRetryCount = 10
	}
	if s.DispatchRetry.RetryIntervalMax < s.DispatchRetry.RetryIntervalMin {
		s.DispatchRetry.RetryIntervalMax = s.DispatchRetry.RetryIntervalMin
	}
	if s.PersistenceRetryInitial <= 0 {
		s.PersistenceRetryInitial = 200 * time.Millisecond
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	return s
}
