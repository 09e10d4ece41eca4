// Package session owns the access credential: it persists it, arms the
// expiry warning and hard-expiry timers, refreshes it on demand and ends
// the session when it runs out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codefionn/clinicchat/internal/actor"
	"github.com/codefionn/clinicchat/internal/clock"
	"github.com/codefionn/clinicchat/internal/logger"
)

// State is the lifecycle state of the session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateWarningShown
	// StateExpired is terminal until the next login.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateWarningShown:
		return "warning-shown"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Refresher exchanges the current token for a new one.
type Refresher interface {
	Refresh(ctx context.Context, token string) (Grant, error)
}

// Notifier is the UI boundary. Methods may be called from any goroutine and
// must not block.
type Notifier interface {
	SessionExpiring(remaining time.Duration)
	SessionRefreshed(c *Credential)
	SessionRefreshFailed(err error)
	// SessionExpired asks the UI to navigate to the login screen.
	SessionExpired()
}

// EventKind identifies a credential change published to listeners.
type EventKind int

const (
	// CredentialChanged carries a new live credential.
	CredentialChanged EventKind = iota
	// SessionEnded means no credential is live anymore.
	SessionEnded
)

// End reasons.
const (
	ReasonExpired = "expired"
	ReasonLogout  = "logout"
)

// Event is delivered to listeners on the manager's loop.
type Event struct {
	Kind       EventKind
	Credential *Credential
	Reason     string
}

// Listener observes credential changes. It runs on the manager's loop and
// must not call back into the manager synchronously.
type Listener func(Event)

// Config tunes the manager.
type Config struct {
	WarningWindow time.Duration
	// AutoRefresh refreshes in the background as soon as the warning fires.
	AutoRefresh bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *logger.Logger) Option { return func(m *Manager) { m.log = l } }

// WithLoopOptions forwards options to the manager's event loop.
func WithLoopOptions(opts ...actor.Option) Option {
	return func(m *Manager) { m.loopOpts = append(m.loopOpts, opts...) }
}

type timerKind int

const (
	warnTimer timerKind = iota
	expireTimer
)

func (k timerKind) String() string {
	if k == warnTimer {
		return "warn"
	}
	return "expire"
}

// expiryTimers is replaced as a whole whenever the generation changes. At
// most one of the two handles is armed at a time: the expire timer is armed
// when the warning fires.
type expiryTimers struct {
	gen    uint64
	warn   clock.Timer
	expire clock.Timer
}

func (t expiryTimers) stop() {
	if t.warn != nil {
		t.warn.Stop()
	}
	if t.expire != nil {
		t.expire.Stop()
	}
}

// Manager is the process-wide session lifecycle service. All mutation
// happens on its event loop.
type Manager struct {
	cfg       Config
	store     *Store
	refresher Refresher
	notifier  Notifier
	clock     clock.Clock
	log       *logger.Logger
	loopOpts  []actor.Option
	loop      *actor.Loop
	flight    singleflight.Group

	// mu guards the snapshot read by Current, State and Generation. Only
	// the loop writes.
	mu     sync.RWMutex
	state  State
	cred   *Credential
	gen    uint64
	timers expiryTimers
	warned bool
	// epoch changes when a session begins or ends; adopting a credential
	// persisted elsewhere keeps it.
	epoch uint64

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// NewManager builds a stopped manager; call Start and then Initialize.
func NewManager(cfg Config, store *Store, refresher Refresher, notifier Notifier, opts ...Option) *Manager {
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = 60 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		notifier:  notifier,
		clock:     clock.Real(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Global().WithPrefix("session")
	}
	m.loop = actor.New("session", actor.ReceiverFunc(m.receive), 32,
		append([]actor.Option{actor.WithLogger(m.log)}, m.loopOpts...)...)
	return m
}

// Start runs the manager's event loop.
func (m *Manager) Start(ctx context.Context) error {
	return m.loop.Start(ctx)
}

// Initialize loads the persisted credential and arms its timers. Without
// one the session stays unauthenticated.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.loop.Call(ctx, initializeMsg{})
}

// Login installs a credential obtained from a fresh login and persists it.
func (m *Manager) Login(ctx context.Context, c *Credential) error {
	if c == nil || c.Destroyed() {
		return fmt.Errorf("%w: nil credential", ErrInvalidCredential)
	}
	return m.loop.Call(ctx, loginMsg{cred: c})
}

// ScheduleFromCredential makes c the live credential and re-arms the expiry
// timers for it, cancelling every timer of the previous generation.
func (m *Manager) ScheduleFromCredential(ctx context.Context, c *Credential) error {
	if c == nil {
		return fmt.Errorf("%w: nil credential", ErrInvalidCredential)
	}
	return m.loop.Call(ctx, scheduleMsg{cred: c})
}

// Refresh exchanges the current credential for a new one. Concurrent calls
// share a single request and its outcome. On failure the current credential
// and its timers are left untouched.
func (m *Manager) Refresh(ctx context.Context) (*Credential, error) {
	// The shared request must not die with the first caller's context;
	// each caller still stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		return m.refresh(shared)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceExpire ends the session: timers are cancelled, the credential and
// persisted state are cleared and the UI is told to go to login, once.
func (m *Manager) ForceExpire(ctx context.Context) error {
	return m.loop.Call(ctx, expireMsg{})
}

// Logout ends the session without reporting an expiry.
func (m *Manager) Logout(ctx context.Context) error {
	return m.loop.Call(ctx, logoutMsg{})
}

// OnVisible re-reads the persisted credential, which another process may
// have refreshed or cleared, and re-derives the timers.
func (m *Manager) OnVisible(ctx context.Context) error {
	return m.loop.Call(ctx, visibleMsg{})
}

// Teardown cancels the timers and stops the loop. Persisted state is kept.
func (m *Manager) Teardown(ctx context.Context) error {
	if err := m.loop.Call(ctx, teardownMsg{}); err != nil && !errors.Is(err, actor.ErrStopped) {
		return err
	}
	return m.loop.Stop(ctx)
}

// Current returns the live credential or nil.
func (m *Manager) Current() *Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Generation is the timer generation; it changes whenever timers are
// re-armed or invalidated.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// StorePath returns the file backing the persisted state, if any.
func (m *Manager) StorePath() string {
	return m.store.Path()
}

// Subscribe registers l and returns a function removing it.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// refresh runs outside the loop; only the final swap is posted to it.
func (m *Manager) refresh(ctx context.Context) (*Credential, error) {
	m.mu.RLock()
	base, epoch := m.cred, m.epoch
	m.mu.RUnlock()
	token := base.Token()
	if token == "" {
		return nil, ErrUnauthenticated
	}

	grant, err := m.refresher.Refresh(ctx, token)
	if err == nil {
		var next *Credential
		next, err = FromGrant(grant, m.clock.Now())
		if err == nil {
			apply := &applyRefreshMsg{base: base, epoch: epoch, next: next}
			if err = m.loop.Call(ctx, apply); err == nil {
				return next, nil
			}
			next.destroy()
			if errors.Is(err, ErrSessionEnded) {
				return nil, err
			}
		}
	}

	m.log.Error("token refresh failed: %v", err)
	m.notifier.SessionRefreshFailed(err)
	return nil, fmt.Errorf("refresh session: %w", err)
}

func (m *Manager) receive(ctx context.Context, msg actor.Message) error {
	switch msg := msg.(type) {
	case initializeMsg:
		return m.handleInitialize(ctx)
	case loginMsg:
		return m.handleLogin(ctx, msg.cred)
	case scheduleMsg:
		if msg.cred != m.cred {
			m.replace(msg.cred)
			m.schedule(ctx, msg.cred)
			if m.cred == msg.cred {
				m.publish(Event{Kind: CredentialChanged, Credential: msg.cred})
			}
			return nil
		}
		m.schedule(ctx, msg.cred)
		return nil
	case timerMsg:
		m.handleTimer(ctx, msg)
		return nil
	case *applyRefreshMsg:
		return m.handleRefreshed(ctx, msg)
	case expireMsg:
		m.expire(ctx, m.cred != nil)
		return nil
	case logoutMsg:
		return m.handleLogout(ctx)
	case visibleMsg:
		return m.handleVisible(ctx)
	case teardownMsg:
		m.cancelTimers()
		return nil
	default:
		return fmt.Errorf("unknown message %s", msg.Type())
	}
}

func (m *Manager) handleInitialize(ctx context.Context) error {
	rec, found, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrInvalidCredential):
		m.log.Warn("discarding persisted session: %v", err)
		if err := m.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear invalid session: %w", err)
		}
		m.setState(StateUnauthenticated)
		return nil
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	case !found:
		m.setState(StateUnauthenticated)
		return nil
	}

	now := m.clock.Now()
	if !rec.ExpiresAt.After(now) {
		m.log.Info("persisted session expired at %s", rec.ExpiresAt.Format(time.RFC3339))
		m.expire(ctx, true)
		return nil
	}
	cred, err := FromRecord(rec, now)
	if err != nil {
		m.log.Warn("discarding persisted session: %v", err)
		m.expire(ctx, true)
		return nil
	}

	m.replace(cred)
	m.schedule(ctx, cred)
	m.log.Info("session restored, %s", cred)
	m.publish(Event{Kind: CredentialChanged, Credential: cred})
	return nil
}

func (m *Manager) handleLogin(ctx context.Context, c *Credential) error {
	if err := m.store.Save(ctx, c.Record()); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.beginEpoch()
	m.replace(c)
	m.schedule(ctx, c)
	m.log.Info("logged in, %s", c)
	m.publish(Event{Kind: CredentialChanged, Credential: c})
	return nil
}

func (m *Manager) handleRefreshed(ctx context.Context, msg *applyRefreshMsg) error {
	if m.cred == nil || msg.epoch != m.epoch {
		m.log.Debug("dropping refresh of an ended session")
		return ErrSessionEnded
	}
	if m.cred != msg.base {
		m.log.Debug("applying refresh over a credential adopted while it was in flight")
	}
	if err := m.store.Save(ctx, msg.next.Record()); err != nil {
		// the session stays usable in this process
		m.log.Error("failed to persist refreshed session: %v", err)
	}

	m.replace(msg.next)
	m.schedule(ctx, msg.next)
	m.log.Info("session refreshed, %s", msg.next)
	m.notifier.SessionRefreshed(msg.next)
	m.publish(Event{Kind: CredentialChanged, Credential: msg.next})
	return nil
}

func (m *Manager) handleLogout(ctx context.Context) error {
	had := m.cred != nil
	m.cancelTimers()
	m.invalidate()
	m.beginEpoch()
	m.setState(StateUnauthenticated)
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if had {
		m.log.Info("logged out")
		m.publish(Event{Kind: SessionEnded, Reason: ReasonLogout})
	}
	return nil
}

func (m *Manager) handleVisible(ctx context.Context) error {
	rec, found, err := m.store.Load(ctx)
	if err != nil && !errors.Is(err, ErrInvalidCredential) {
		return fmt.Errorf("load session: %w", err)
	}

	now := m.clock.Now()
	if err != nil || !found || !rec.ExpiresAt.After(now) {
		if err != nil {
			m.log.Warn("persisted session unusable: %v", err)
		}
		m.expire(ctx, m.cred != nil || found || err != nil)
		return nil
	}

	if m.cred != nil && m.cred.Matches(rec) {
		m.schedule(ctx, m.cred)
		return nil
	}

	cred, err := FromRecord(rec, now)
	if err != nil {
		m.log.Warn("persisted session unusable: %v", err)
		m.expire(ctx, true)
		return nil
	}
	m.log.Info("adopting session persisted by another process, %s", cred)
	m.replace(cred)
	m.schedule(ctx, cred)
	m.publish(Event{Kind: CredentialChanged, Credential: cred})
	return nil
}

func (m *Manager) handleTimer(ctx context.Context, msg timerMsg) {
	m.mu.RLock()
	current := m.timers.gen
	m.mu.RUnlock()
	if msg.gen != current || m.cred == nil {
		m.log.Debug("dropping stale %s timer (generation %d, current %d)", msg.kind, msg.gen, current)
		return
	}

	switch msg.kind {
	case warnTimer:
		m.fireWarning(msg.gen)
	case expireTimer:
		m.log.Info("session expired")
		m.expire(ctx, true)
	}
}

// schedule starts a new timer generation for c.
func (m *Manager) schedule(ctx context.Context, c *Credential) {
	m.cancelTimers()
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()

	now := m.clock.Now()
	if !c.ExpiresAt().After(now) {
		m.expire(ctx, true)
		return
	}
	if !m.warned {
		m.setState(StateAuthenticated)
	}

	warnAt := c.ExpiresAt().Add(-m.cfg.WarningWindow)
	if m.warned || !warnAt.After(now) {
		m.fireWarning(gen)
		return
	}

	t := m.clock.AfterFunc(warnAt.Sub(now), m.timerCallback(gen, warnTimer))
	m.mu.Lock()
	m.timers.warn = t
	m.mu.Unlock()
	m.log.Debug("generation %d: warning in %s", gen, warnAt.Sub(now))
}

// fireWarning shows the warning once per credential and arms the expire
// timer of generation gen.
func (m *Manager) fireWarning(gen uint64) {
	now := m.clock.Now()
	remaining := m.cred.Remaining(now)

	if !m.warned {
		m.warned = true
		m.setState(StateWarningShown)
		m.log.Info("session expires in %s", remaining.Round(time.Second))
		m.notifier.SessionExpiring(remaining)
		if m.cfg.AutoRefresh {
			go m.autoRefresh()
		}
	}

	t := m.clock.AfterFunc(remaining, m.timerCallback(gen, expireTimer))
	m.mu.Lock()
	m.timers.warn = nil
	m.timers.expire = t
	m.mu.Unlock()
	m.log.Debug("generation %d: expiry in %s", gen, remaining)
}

func (m *Manager) autoRefresh() {
	if _, err := m.Refresh(context.Background()); err != nil {
		m.log.Warn("automatic refresh failed: %v", err)
	}
}

func (m *Manager) timerCallback(gen uint64, kind timerKind) func() {
	return func() {
		if err := m.loop.Post(timerMsg{gen: gen, kind: kind}); err != nil {
			m.log.Debug("%s timer of generation %d not delivered: %v", kind, gen, err)
		}
	}
}

// expire ends the live session. had reports whether there was anything to
// end; only then is the UI notified.
func (m *Manager) expire(ctx context.Context, had bool) {
	m.cancelTimers()
	m.invalidate()
	m.beginEpoch()
	if !had {
		return
	}
	if err := m.store.Clear(ctx); err != nil {
		m.log.Error("failed to clear persisted session: %v", err)
	}
	m.setState(StateExpired)
	m.notifier.SessionExpired()
	m.publish(Event{Kind: SessionEnded, Reason: ReasonExpired})
}

// cancelTimers stops the armed timers and bumps the generation, so that a
// callback already queued on the loop is dropped as well.
func (m *Manager) cancelTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.stop()
	m.gen++
	m.timers = expiryTimers{gen: m.gen}
}

// invalidate destroys the live credential.
func (m *Manager) invalidate() {
	m.mu.Lock()
	old := m.cred
	m.cred = nil
	m.warned = false
	m.mu.Unlock()
	old.destroy()
}

func (m *Manager) beginEpoch() {
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()
}

func (m *Manager) replace(c *Credential) {
	m.mu.Lock()
	old := m.cred
	m.cred = c
	m.warned = false
	m.mu.Unlock()
	if old != c {
		old.destroy()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) publish(ev Event) {
	m.listenersMu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

type initializeMsg struct{}

func (initializeMsg) Type() string { return "initialize" }

type loginMsg struct{ cred *Credential }

func (loginMsg) Type() string { return "login" }

type scheduleMsg struct{ cred *Credential }

func (scheduleMsg) Type() string { return "schedule" }

type timerMsg struct {
	gen  uint64
	kind timerKind
}

func (timerMsg) Type() string { return "timer" }

type applyRefreshMsg struct {
	base  *Credential
	epoch uint64
	next  *Credential
}

func (*applyRefreshMsg) Type() string { return "apply-refresh" }

type expireMsg struct{}

func (expireMsg) Type() string { return "expire" }

type logoutMsg struct{}

func (logoutMsg) Type() string { return "logout" }

type visibleMsg struct{}

func (visibleMsg) Type() string { return "visible" }

type teardownMsg struct{}

func (teardownMsg) Type() string { return "teardown" }
