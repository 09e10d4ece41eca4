// Package app wires the session manager, the realtime channel, the backend
// client and the focus coordinator into one running application.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codefionn/clinicchat/internal/actor"
	"github.com/codefionn/clinicchat/internal/api"
	"github.com/codefionn/clinicchat/internal/chat"
	"github.com/codefionn/clinicchat/internal/clock"
	"github.com/codefionn/clinicchat/internal/config"
	"github.com/codefionn/clinicchat/internal/focus"
	"github.com/codefionn/clinicchat/internal/logger"
	"github.com/codefionn/clinicchat/internal/session"
	"github.com/codefionn/clinicchat/internal/socketclient"
)

// Options override the collaborators New would build from the config.
type Options struct {
	Notifier session.Notifier
	Clock    clock.Clock
	// KV replaces the SQLite session database.
	KV          session.KV
	Dialer      chat.Dialer
	HTTPClient  *http.Client
	Logger      *logger.Logger
	LoopOptions []actor.Option
}

// App is a running clinicchat instance.
type App struct {
	cfg   *config.Config
	log   *logger.Logger
	clock clock.Clock
	kv    session.KV
	store *session.Store

	API     *api.Client
	Session *session.Manager
	Channel *chat.Channel
	Focus   *focus.Coordinator

	unsubscribe func()
	stopFocus   context.CancelFunc
	focusDone   chan struct{}
}

// New builds the application without starting it.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{log: log.WithPrefix("session")}
	}

	kv := opts.KV
	if kv == nil {
		sqlite, err := session.OpenSQLiteKV(cfg.SessionDBPath)
		if err != nil {
			return nil, err
		}
		kv = sqlite
	}

	a := &App{cfg: cfg, log: log, clock: clk, kv: kv, store: session.NewStore(kv, clk)}

	apiOpts := []api.Option{api.WithTimeout(cfg.RequestTimeout()), api.WithLogger(log.WithPrefix("api"))}
	if opts.HTTPClient != nil {
		apiOpts = append([]api.Option{api.WithHTTPClient(opts.HTTPClient)}, apiOpts...)
	}
	client, err := api.New(cfg.APIBase, nil, apiOpts...)
	if err != nil {
		a.closeKV()
		return nil, err
	}
	a.API = client

	a.Session = session.NewManager(session.Config{
		WarningWindow: cfg.WarningWindow(),
		AutoRefresh:   cfg.AutoRefresh,
	}, a.store, client, notifier,
		session.WithClock(clk),
		session.WithLogger(log.WithPrefix("session")),
		session.WithLoopOptions(opts.LoopOptions...))
	client.SetTokenSource(a.Session)

	dialer := opts.Dialer
	if dialer == nil {
		transport := socketclient.DefaultDialer()
		transport.HandshakeTimeout = cfg.HandshakeTimeout()
		transport.Logger = log.WithPrefix("socket")
		dialer = chat.WebsocketDialer{Transport: transport, URLs: client}
	}

	a.Channel = chat.NewChannel(chat.ChannelConfig{
		Reconnect:   reconnectPolicy(cfg),
		DialTimeout: cfg.HandshakeTimeout() + time.Second,
		Clock:       clk,
		Logger:      log.WithPrefix("chat"),
		LoopOptions: opts.LoopOptions,
	}, dialer, client, chat.NewDispatcher(client), a.Session)

	a.Focus = focus.New(a.Session,
		focus.WithClock(clk),
		focus.WithDebounce(cfg.FocusDebounce()),
		focus.WithLogger(log.WithPrefix("focus")))
	return a, nil
}

func reconnectPolicy(cfg *config.Config) chat.ReconnectPolicy {
	if cfg.Reconnect.Strategy == config.StrategyExponential {
		return chat.ExponentialReconnect(cfg.ReconnectDelay(), cfg.ReconnectMaxDelay())
	}
	return chat.FixedReconnect(cfg.ReconnectDelay())
}

// Start runs the event loops, restores the persisted session and starts
// reacting to credential changes.
func (a *App) Start(ctx context.Context) error {
	if err := a.Session.Start(ctx); err != nil {
		return err
	}
	if err := a.Channel.Start(ctx); err != nil {
		return err
	}
	a.unsubscribe = a.Session.Subscribe(a.onSessionEvent)

	if err := a.Session.Initialize(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	if a.cfg.WatchSession {
		if path := a.Session.StorePath(); path != "" {
			if err := a.Focus.Watch(path); err != nil {
				a.log.Warn("not watching session store: %v", err)
			}
		}
	}
	fctx, cancel := context.WithCancel(ctx)
	a.stopFocus = cancel
	a.focusDone = make(chan struct{})
	go func() {
		defer close(a.focusDone)
		if err := a.Focus.Run(fctx); err != nil {
			a.log.Warn("focus coordinator stopped: %v", err)
		}
	}()
	return nil
}

// onSessionEvent runs on the session loop. The channel never waits on the
// manager, so calling into it from here cannot deadlock.
func (a *App) onSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.CredentialChanged:
		if err := a.Channel.Reauthenticate(ev.Credential); err != nil {
			a.log.Warn("reauthenticate channel: %v", err)
		}
	case session.SessionEnded:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Channel.Close(ctx, "session "+ev.Reason); err != nil && !errors.Is(err, actor.ErrStopped) {
			a.log.Warn("close channel: %v", err)
		}
	}
}

// Login authenticates against the backend and installs the new credential.
func (a *App) Login(ctx context.Context, username, password string) (api.TokenResponse, error) {
	resp, err := a.API.Login(ctx, username, password)
	if err != nil {
		return api.TokenResponse{}, err
	}
	cred, err := session.FromGrant(resp.Grant(), a.clock.Now())
	if err != nil {
		return api.TokenResponse{}, err
	}
	if err := a.Session.Login(ctx, cred); err != nil {
		return api.TokenResponse{}, err
	}
	return resp, nil
}

// Logout ends the backend session, then the local one. A backend that no
// longer knows the token does not prevent the local logout.
func (a *App) Logout(ctx context.Context) error {
	if a.Session.Current() != nil {
		err := a.API.Logout(ctx)
		switch {
		case api.IsUnauthorized(err):
			a.log.Debug("backend already rejected the token")
		case err != nil:
			a.log.Warn("backend logout: %v", err)
		}
	}
	return a.Session.Logout(ctx)
}

// Mount points the channel at scope, resolving the clinic-wide thread
// first. It returns the resolved scope.
func (a *App) Mount(ctx context.Context, scope chat.Scope) (chat.Scope, error) {
	cred := a.Session.Current()
	if cred == nil {
		return scope, session.ErrUnauthenticated
	}
	if err := scope.Validate(); err != nil {
		return scope, err
	}
	resolved, err := a.API.ResolveScope(ctx, scope)
	if err != nil {
		return scope, err
	}
	if err := a.Channel.SwitchScope(ctx, resolved, cred); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// Stop closes the channel, cancels session timers and releases the store.
// The persisted session survives.
func (a *App) Stop(ctx context.Context) error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.stopFocus != nil {
		a.stopFocus()
		<-a.focusDone
	}
	var errs []error
	if err := a.Channel.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop channel: %w", err))
	}
	if err := a.Session.Teardown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	if err := a.closeKV(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeKV() error {
	if c, ok := a.kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// logNotifier reports session notices to the log when no UI is attached.
type logNotifier struct{ log *logger.Logger }

func (n logNotifier) SessionExpiring(remaining time.Duration) {
	n.log.Warn("session expires in %s", remaining.Round(time.Second))
}

func (n logNotifier) SessionRefreshed(c *session.Credential) {
	n.log.Info("session refreshed, valid until %s", c.ExpiresAt().Format(time.RFC3339))
}

func (n logNotifier) SessionRefreshFailed(err error) {
	n.log.Error("session refresh failed: %v", err)
}

func (n logNotifier) SessionExpired() { n.log.Warn("session expired, please log in again") }
