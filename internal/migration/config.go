package migration

import (
	"fmt"
	"strings"
	"time"

	"tblbridge/api/internal/backup"
)

type LogLevel string

const (
	LogSilent LogLevel = "silent"
	LogInfo   LogLevel = "info"
	LogDebug  LogLevel = "debug"
)

func ParseLogLevel(raw string) (LogLevel, error) {
	switch level := LogLevel(strings.ToLower(strings.TrimSpace(raw))); level {
	case "":
		return LogInfo, nil
	case LogSilent, LogInfo, LogDebug:
		return level, nil
	default:
		return "", fmt.Errorf("unknown log level %q (want silent, info or debug)", raw)
	}
}

type Config struct {
	DryRun            bool
	BatchSize         int
	BatchPause        time.Duration
	AutoRollback      bool
	ValidateIntegrity bool
	// AllowDuplicateNames lets the transform fall back to numeric suffixes once a
	// parent suffix is not enough, so a collision never aborts a run.
	AllowDuplicateNames bool
	BackupPrefix        string
	LogLevel            LogLevel
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           10,
		BatchPause:          100 * time.Millisecond,
		AutoRollback:        true,
		ValidateIntegrity:   true,
		AllowDuplicateNames: true,
		BackupPrefix:        backup.DefaultPrefix,
		LogLevel:            LogInfo,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.BackupPrefix == "" {
		c.BackupPrefix = defaults.BackupPrefix
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	return c
}
