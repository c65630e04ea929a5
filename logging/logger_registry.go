package logging

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/samber/lo"
)

var globalRegistry = newRegistry()

// Registry tracks named loggers so their levels can be set from pattern configuration after they
// have been handed out.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

func (lr *Registry) registerLogger(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
}

func (lr *Registry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

// must hold lr.mu.
func (lr *Registry) updateLoggerLevelWithCfg(name string) error {
	for _, lpc := range lr.logConfig {
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return err
		}
		if r.MatchString(name) {
			logger, ok := lr.loggers[name]
			if !ok {
				return fmt.Errorf("logger named %s not recognized", name)
			}
			level, err := LevelFromString(lpc.Level)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
		}
	}

	return nil
}

func (lr *Registry) updateLoggerLevel(name string, level Level) error {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	if !ok {
		return fmt.Errorf("logger named %s not recognized", name)
	}
	logger.SetLevel(level)
	return nil
}

// Update applies the pattern configuration to every registered logger. Loggers matched by no
// pattern are reset to INFO. Later patterns win over earlier ones.
func (lr *Registry) Update(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	lr.mu.Lock()
	lr.logConfig = logConfig
	lr.mu.Unlock()

	names := lr.registeredNames()
	levels := make(map[string]Level, len(names))
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			errorLogger.Warnw("failed to validate a pattern", "pattern", lpc.Pattern)
			continue
		}
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return err
		}
		level, err := LevelFromString(lpc.Level)
		if err != nil {
			return err
		}
		for _, name := range lo.Filter(names, func(name string, _ int) bool { return r.MatchString(name) }) {
			levels[name] = level
		}
	}

	for _, name := range names {
		level, ok := levels[name]
		if !ok {
			level = INFO
		}
		if err := lr.updateLoggerLevel(name, level); err != nil {
			return err
		}
	}
	return nil
}

func (lr *Registry) registeredNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lo.Keys(lr.loggers)
}

// getOrRegister returns the logger already registered under name, or registers logger and applies
// the current patterns to it.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existingLogger, ok := lr.loggers[name]; ok {
		return existingLogger
	}

	lr.loggers[name] = logger
	//nolint:errcheck
	lr.updateLoggerLevelWithCfg(name)
	return logger
}

// UpdateConfig applies pattern based level configuration to all loggers created through
// `NewLogger` and their subloggers.
func UpdateConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	return globalRegistry.Update(logConfig, errorLogger)
}

// RegisteredLoggerNames returns the names of all loggers in the global registry.
func RegisteredLoggerNames() []string {
	return globalRegistry.registeredNames()
}
