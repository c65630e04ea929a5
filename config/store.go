package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/lilygo-motion/motioncontroller/logging"
	"github.com/lilygo-motion/motioncontroller/utils"
)

// A Store holds the live configuration. Readers get immutable snapshots without locking.
// Changes are persisted by a background writer so callers on the control path never wait on
// the filesystem, and edits made to the file by hand are picked up while running.
type Store struct {
	path   string
	logger logging.Logger

	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(*Config)
	lastWritten []byte

	writeMu sync.Mutex
	pending atomic.Bool
	dirty   chan struct{}
	workers *utils.Loops
	watcher *fsnotify.Watcher
}

// NewStore returns a store holding cfg. If path is empty nothing is persisted.
func NewStore(path string, cfg *Config, logger logging.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger,
		dirty:  make(chan struct{}, 1),
	}
	s.current.Store(clone(cfg))
	return s
}

// Open reads the store's initial contents from path. A missing file is created with the
// defaults.
func Open(path string, logger logging.Logger) (*Store, error) {
	cfg, err := Read(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logger.Infow("config file not found, writing defaults", "path", path)
		cfg = Defaults()
		if err := Write(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	return NewStore(path, cfg, logger), nil
}

// Start launches the background writer and, when the store is backed by a file, the file
// watcher. Close stops both.
func (s *Store) Start() error {
	if s.path == "" {
		s.workers = utils.StartLoops()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	// watch the directory since atomic replacement swaps the inode
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return multierr.Combine(errors.Wrapf(err, "failed to watch %s", s.path), watcher.Close())
	}
	s.watcher = watcher
	s.workers = utils.StartLoops(s.writeLoop, s.watchLoop)
	return nil
}

// Config returns the current snapshot. It must not be modified.
func (s *Store) Config() *Config {
	return s.current.Load()
}

// Motor returns the current motor configuration.
func (s *Store) Motor() MotorConfig {
	return s.current.Load().Motor
}

// Subscribe registers fn to be called with every new snapshot. fn runs on the goroutine that
// made the change and must not block.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Update applies fn to a copy of the current configuration, publishes it and queues it to be
// persisted. If fn fails or the result is invalid nothing changes.
func (s *Store) Update(fn func(*Config) error) (*Config, error) {
	s.mu.Lock()
	updated := clone(s.current.Load())
	if err := fn(updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := updated.Validate("config"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current.Store(updated)
	subscribers := append([]func(*Config){}, s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subscribers {
		sub(updated)
	}
	s.persist()
	return updated, nil
}

// SetMotorAttributes applies a partial motor configuration given by json field name.
func (s *Store) SetMotorAttributes(attributes map[string]interface{}) (MotorConfig, error) {
	cfg, err := s.Update(func(c *Config) error {
		motor, err := c.Motor.WithAttributes(attributes)
		if err != nil {
			return err
		}
		c.Motor = motor
		return nil
	})
	if err != nil {
		return s.Motor(), err
	}
	s.logger.Infow("motor configuration updated", "attributes", attributes)
	return cfg.Motor, nil
}

// RecordLimitPosition stores the position captured by limit switch 1 or 2. It never blocks on
// the filesystem.
func (s *Store) RecordLimitPosition(number int, position int64) {
	if number != 1 && number != 2 {
		s.logger.Warnw("ignoring position for unknown limit switch", "switch", number)
		return
	}
	if _, err := s.Update(func(c *Config) error {
		if number == 1 {
			c.Motor.LimitPos1 = position
		} else {
			c.Motor.LimitPos2 = position
		}
		return nil
	}); err != nil {
		s.logger.Errorw("failed to record limit position", "switch", number, "error", err)
	}
}

// Flush writes the current snapshot if it has changed since the last write.
func (s *Store) Flush() error {
	if s.path == "" || !s.pending.Swap(false) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	md, err := encode(s.current.Load())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastWritten = md
	s.mu.Unlock()
	if err := writeFile(s.path, md); err != nil {
		s.pending.Store(true)
		return err
	}
	return nil
}

// Close stops the background workers and writes any pending change.
func (s *Store) Close() error {
	if s.workers != nil {
		s.workers.Stop()
	}
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	return multierr.Combine(err, s.Flush())
}

func (s *Store) persist() {
	s.pending.Store(true)
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty:
		}
		if err := s.Flush(); err != nil {
			s.logger.Errorw("failed to persist configuration", "path", s.path, "error", err)
		}
	}
}

func (s *Store) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.reload()
			}
		}
	}
}

func (s *Store) reload() {
	// hold the write lock so the file is never compared in the middle of one of our writes
	s.writeMu.Lock()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.writeMu.Unlock()
		s.logger.Warnw("failed to read changed config", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	ours := bytes.Equal(raw, s.lastWritten)
	s.mu.Unlock()
	s.writeMu.Unlock()
	if ours {
		return
	}

	cfg, err := parse(raw)
	if err != nil {
		s.logger.Warnw("ignoring invalid config change", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	s.lastWritten = raw
	s.current.Store(cfg)
	subscribers := append([]func(*Config){}, s.subscribers...)
	s.mu.Unlock()

	s.logger.Infow("configuration reloaded", "path", s.path)
	for _, sub := range subscribers {
		sub(cfg)
	}
}

func clone(cfg *Config) *Config {
	c := *cfg
	c.Log = append([]logging.LoggerPatternConfig(nil), cfg.Log...)
	c.Web.AllowedOrigins = append([]string(nil), cfg.Web.AllowedOrigins...)
	c.Hardware.LimitSwitches = append(c.Hardware.LimitSwitches[:0:0], cfg.Hardware.LimitSwitches...)
	return &c
}
