package embed

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogger returns the logger built by SetupLogging, or nil if it has
// not run yet.
func (cfg *Config) GetLogger() *zap.Logger {
	cfg.loggerMu.RLock()
	l := cfg.logger
	cfg.loggerMu.RUnlock()
	return l
}

// Level returns the shared atomic level; /apteryx/debug adjusts it at
// runtime.
func (cfg *Config) Level() zap.AtomicLevel {
	return cfg.level
}

// SetupLogging initializes the configured logger. StartApteryxd calls it
// itself when no logger has been set up yet.
func (cfg *Config) SetupLogging() error {
	var lvl zapcore.Level
	if err := lvl.Set(cfg.LogLevel); err != nil {
		return fmt.Errorf("embed: bad log-level %q: %v", cfg.LogLevel, err)
	}
	cfg.level = zap.NewAtomicLevelAt(lvl)

	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = cfg.level
	lg, err := zcfg.Build()
	if err != nil {
		return err
	}

	cfg.loggerMu.Lock()
	cfg.logger = lg.Named(cfg.Name)
	cfg.loggerMu.Unlock()
	return nil
}
