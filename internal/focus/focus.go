// Package focus turns "the user is back" signals into session
// re-validation: explicit foreground transitions, SIGCONT after a
// suspended terminal, and changes of the persisted session made by another
// process.
package focus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/clinicchat/internal/clock"
	"github.com/codefionn/clinicchat/internal/logger"
)

// Target is re-validated whenever the application becomes visible.
type Target interface {
	OnVisible(ctx context.Context) error
}

// Coordinator coalesces visibility triggers and forwards them to a Target.
type Coordinator struct {
	target   Target
	clock    clock.Clock
	debounce time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	pending clock.Timer
	watcher *fsnotify.Watcher
	names   map[string]struct{}
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(fc *Coordinator) { fc.clock = c } }

// WithDebounce sets the coalescing window. Zero forwards every trigger.
func WithDebounce(d time.Duration) Option { return func(fc *Coordinator) { fc.debounce = d } }

func WithLogger(l *logger.Logger) Option { return func(fc *Coordinator) { fc.log = l } }

func New(target Target, opts ...Option) *Coordinator {
	c := &Coordinator{
		target:   target,
		clock:    clock.Real(),
		debounce: 250 * time.Millisecond,
		log:      logger.Global().WithPrefix("focus"),
		ctx:      context.Background(),
		names:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch re-validates after path changes on disk. The parent directory is
// watched so atomic replaces and SQLite journals are seen too.
func (c *Coordinator) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		c.watcher = w
	}
	if err := c.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	c.names[abs] = struct{}{}
	return nil
}

// Foreground forwards an explicit transition immediately, dropping any
// pending debounced trigger.
func (c *Coordinator) Foreground(ctx context.Context) error {
	c.mu.Lock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.mu.Unlock()
	return c.target.OnVisible(ctx)
}

// Trigger schedules a debounced re-validation.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce <= 0 {
		go c.fire()
		return
	}
	if c.pending != nil {
		return
	}
	c.pending = c.clock.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.fire()
	})
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if err := c.target.OnVisible(ctx); err != nil {
		c.log.Warn("re-validate session: %v", err)
	}
}

// Run forwards file and signal triggers until ctx is done, then releases
// the watcher.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	w := c.watcher
	c.mu.Unlock()

	signals := make(chan os.Signal, 1)
	notifyForeground(signals)
	defer stopNotify(signals)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w != nil {
		events, errs = w.Events, w.Errors
		defer w.Close()
	}

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.pending != nil {
				c.pending.Stop()
				c.pending = nil
			}
			c.mu.Unlock()
			return nil
		case sig := <-signals:
			c.log.Debug("received %s", sig)
			c.Trigger()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if c.relevant(ev) {
				c.log.Debug("session store changed: %s", ev)
				c.Trigger()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Error("session watcher error: %v", err)
		}
	}
}

func (c *Coordinator) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := ev.Name
	for _, suffix := range []string{"-journal", "-wal"} {
		name = strings.TrimSuffix(name, suffix)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.names[filepath.Clean(name)]
	return ok
}
