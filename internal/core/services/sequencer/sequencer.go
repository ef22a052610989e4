// Package sequencer runs all mutations of a key (a symbol) on one goroutine,
// one step at a time, in arrival order. Different keys never share a
// goroutine or a lock and progress in parallel.
//
// A step may defer side effects with Tx.After. Effects run after the step
// completes, outside the key's goroutine and in step order, so an effect may
// safely call Do again for the same key.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/victoralfred/execution-engine/internal/core/domain"
	"go.uber.org/zap"
)

// Config contains configuration for the sequencer
type Config struct {
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{QueueSize: 1024}
}

// Tx is handed to a step. It is only valid for the duration of the step.
type Tx struct {
	key     string
	effects []func()
}

// Key returns the key the step runs under
func (tx *Tx) Key() string { return tx.key }

// After schedules fn to run once the step has committed. Effects of a step
// that returns an error are discarded.
func (tx *Tx) After(fn func()) {
	tx.effects = append(tx.effects, fn)
}

type task struct {
	ctx  context.Context
	fn   func(*Tx) error
	done chan error
}

type lane struct {
	key   string
	inbox chan task

	outMu    sync.Mutex
	outbox   []func()
	draining bool
}

// Sequencer owns one lane per key
type Sequencer struct {
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
	quit   chan struct{}

	steps atomic.Uint64
}

// New creates a sequencer. A nil logger disables logging.
func New(config Config, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize < 1 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Sequencer{
		config: config,
		logger: logger.Named("sequencer"),
		lanes:  make(map[string]*lane),
		quit:   make(chan struct{}),
	}
}

func (s *Sequencer) lane(key string) (*lane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrShutdown
	}
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{key: key, inbox: make(chan task, s.config.QueueSize)}
		s.lanes[key] = l
		s.wg.Add(1)
		go s.run(l)
		s.logger.Debug("lane started", zap.String("key", key))
	}
	return l, nil
}

func (s *Sequencer) run(l *lane) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.reject(l)
			return
		case t := <-l.inbox:
			s.execute(l, t)
		}
	}
}

func (s *Sequencer) execute(l *lane, t task) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	tx := &Tx{key: l.key}
	err := s.call(tx, t.fn)
	if err == nil && len(tx.effects) > 0 {
		l.outMu.Lock()
		l.outbox = append(l.outbox, tx.effects...)
		l.outMu.Unlock()
	}
	s.steps.Add(1)
	t.done <- err
}

func (s *Sequencer) call(tx *Tx, fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("step panicked", zap.String("key", tx.key), zap.Any("panic", r))
			err = fmt.Errorf("sequencer step for %s panicked: %v", tx.key, r)
			tx.effects = nil
		}
	}()
	return fn(tx)
}

func (s *Sequencer) reject(l *lane) {
	for {
		select {
		case t := <-l.inbox:
			t.done <- domain.ErrShutdown
		default:
			return
		}
	}
}

// Do runs fn on key's goroutine and waits for it to finish, then runs any
// pending effects for the key on the calling goroutine. If ctx is cancelled
// before the step starts, the step is skipped and ctx.Err() is returned.
func (s *Sequencer) Do(ctx context.Context, key string, fn func(tx *Tx) error) error {
	l, err := s.lane(key)
	if err != nil {
		return err
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case l.inbox <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return domain.ErrShutdown
	}
	select {
	case err = <-t.done:
	case <-s.quit:
		// the lane may have answered before exiting
		s.wg.Wait()
		select {
		case err = <-t.done:
		default:
			err = domain.ErrShutdown
		}
	}
	s.flush(l)
	return err
}

// flush runs queued effects in order. Only one goroutine drains a lane at a
// time; a reentrant or concurrent caller leaves its effects to the active
// drainer.
func (s *Sequencer) flush(l *lane) {
	for {
		l.outMu.Lock()
		if l.draining || len(l.outbox) == 0 {
			l.outMu.Unlock()
			return
		}
		l.draining = true
		for len(l.outbox) > 0 {
			batch := l.outbox
			l.outbox = nil
			l.outMu.Unlock()
			for _, fn := range batch {
				s.runEffect(l.key, fn)
			}
			l.outMu.Lock()
		}
		l.draining = false
		l.outMu.Unlock()
	}
}

func (s *Sequencer) runEffect(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("effect panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	fn()
}

// Keys returns the keys that currently own a lane
func (s *Sequencer) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.lanes))
	for k := range s.lanes {
		keys = append(keys, k)
	}
	return keys
}

// Steps returns the number of steps executed so far
func (s *Sequencer) Steps() uint64 { return s.steps.Load() }

// Close stops every lane. Queued steps fail with ErrShutdown.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	s.wg.Wait()
}
