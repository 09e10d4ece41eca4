// Package chat implements the realtime chat channel: one socket
// subscription per scope, an ordered and de-duplicated message log, the
// unread counter and automatic reconnection, plus the send facade.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/clinicchat/internal/actor"
	"github.com/codefionn/clinicchat/internal/clock"
	"github.com/codefionn/clinicchat/internal/logger"
	"github.com/codefionn/clinicchat/internal/session"
	"github.com/codefionn/clinicchat/internal/socketclient"
)

// ErrNoCredential is returned when a connection needs a credential and none
// is live.
var ErrNoCredential = errors.New("chat: no live credential")

// ErrHistoryUnavailable marks a scope switch that connected without its
// backlog.
var ErrHistoryUnavailable = errors.New("chat: history unavailable")

// Socket is an open subscription.
type Socket interface {
	Close(code int, reason string) error
}

// Dialer opens the socket of a scope, authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, scope Scope, token string, h socketclient.Handler) (Socket, error)
}

// HistorySource fetches the backlog of a scope.
type HistorySource interface {
	FetchHistory(ctx context.Context, scope Scope) ([]Message, error)
}

// CredentialSource exposes the live credential without granting ownership.
type CredentialSource interface {
	Current() *session.Credential
}

// ChannelState is the connection state of a channel.
type ChannelState struct {
	Status       socketclient.ConnectionState
	LastError    error
	RetryAttempt int
}

// UpdateKind classifies channel updates.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateMessage
	UpdateHistory
	UpdateUnread
)

// Update is published after the channel's state changed.
type Update struct {
	Kind    UpdateKind
	Scope   Scope
	State   ChannelState
	Message Message
	Unread  UnreadCounter
}

// ChannelConfig tunes a channel.
type ChannelConfig struct {
	// Reconnect defaults to a fixed 3s delay.
	Reconnect   ReconnectPolicy
	DialTimeout time.Duration
	Clock       clock.Clock
	Logger      *logger.Logger
	LoopOptions []actor.Option
}

// Channel is the realtime channel of one mounted conversation. All state is
// owned by its event loop; readers get copies.
type Channel struct {
	dialer     Dialer
	history    HistorySource
	dispatcher *Dispatcher
	creds      CredentialSource
	reconnect  ReconnectPolicy
	dialTO     time.Duration
	clock      clock.Clock
	log        *logger.Logger
	loop       *actor.Loop

	// mu guards everything below; only the loop writes.
	mu             sync.RWMutex
	scope          Scope
	bound          bool
	epoch          uint64 // bumped whenever the scope is (re)bound
	state          ChannelState
	messages       Log
	unread         UnreadCounter
	cred           *session.Credential
	socket         Socket
	connTag        uint64 // identifies the current socket attempt
	reconnectTimer clock.Timer
	everConnected  bool
	onUpdate       func(Update)
}

// NewChannel builds a stopped channel; call Start before use.
func NewChannel(cfg ChannelConfig, dialer Dialer, history HistorySource, dispatcher *Dispatcher, creds CredentialSource) *Channel {
	c := &Channel{
		dialer:     dialer,
		history:    history,
		dispatcher: dispatcher,
		creds:      creds,
		reconnect:  cfg.Reconnect,
		dialTO:     cfg.DialTimeout,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
	if c.reconnect == nil {
		c.reconnect = FixedReconnect(3 * time.Second)
	}
	if c.dialTO <= 0 {
		c.dialTO = 15 * time.Second
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.log == nil {
		c.log = logger.Global().WithPrefix("chat")
	}
	c.loop = actor.New("chat", actor.ReceiverFunc(c.receive), 256,
		append([]actor.Option{actor.WithLogger(c.log)}, cfg.LoopOptions...)...)
	return c
}

func (c *Channel) Start(ctx context.Context) error { return c.loop.Start(ctx) }

// Stop closes the socket and stops the loop.
func (c *Channel) Stop(ctx context.Context) error {
	if err := c.Close(ctx, "shutdown"); err != nil && !errors.Is(err, actor.ErrStopped) {
		c.log.Warn("close on stop: %v", err)
	}
	return c.loop.Stop(ctx)
}

// OnUpdate registers the single update callback. It runs on the loop and
// must not call the channel synchronously.
func (c *Channel) OnUpdate(fn func(Update)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Open subscribes to scope. It is a no-op while already connected or
// connecting to the same scope; otherwise the previous socket is torn down.
func (c *Channel) Open(ctx context.Context, scope Scope, cred *session.Credential) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return c.loop.Call(ctx, openMsg{scope: scope, cred: cred})
}

// Close disconnects with a normal closure and cancels any pending
// reconnect. No frame is applied after Close returns.
func (c *Channel) Close(ctx context.Context, reason string) error {
	return c.loop.Call(ctx, closeMsg{reason: reason})
}

// Prepare closes the current subscription, clears the log and binds scope
// without connecting.
func (c *Channel) Prepare(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return c.loop.Call(ctx, prepareMsg{scope: scope})
}

// FetchHistory replaces the log with the backlog of the bound scope and
// marks everything in it as read.
func (c *Channel) FetchHistory(ctx context.Context) error {
	c.mu.RLock()
	scope, epoch, bound := c.scope, c.epoch, c.bound
	c.mu.RUnlock()
	if !bound {
		return fmt.Errorf("%w: no scope bound", ErrInvalidScope)
	}

	msgs, err := c.history.FetchHistory(ctx, scope)
	if err != nil {
		return fmt.Errorf("fetch history for %s: %w", scope, err)
	}
	return c.loop.Call(ctx, historyMsg{epoch: epoch, msgs: msgs, replace: true})
}

// SwitchScope moves the channel to scope: close the old subscription, clear
// the log, load the new backlog, then connect. Each step completes before
// the next starts. A failed backlog still connects; the returned error then
// wraps ErrHistoryUnavailable.
func (c *Channel) SwitchScope(ctx context.Context, scope Scope, cred *session.Credential) error {
	if err := c.Prepare(ctx, scope); err != nil {
		return err
	}
	histErr := c.FetchHistory(ctx)
	if histErr != nil && ctx.Err() != nil {
		return histErr
	}
	if err := c.Open(ctx, scope, cred); err != nil {
		return errors.Join(histErr, err)
	}
	if histErr != nil {
		return fmt.Errorf("%w: %w", ErrHistoryUnavailable, histErr)
	}
	return nil
}

// MarkAsRead moves the high-water mark to the newest message and clears
// the unread count.
func (c *Channel) MarkAsRead(ctx context.Context) error {
	return c.loop.Call(ctx, markReadMsg{})
}

// Reauthenticate reconnects an active subscription with cred. It does not
// wait for the loop.
func (c *Channel) Reauthenticate(cred *session.Credential) error {
	return c.loop.Post(reauthMsg{cred: cred})
}

// Send posts body through the dispatcher. Unset destination fields are
// taken from the bound scope. The log is not touched; the message arrives
// through the socket broadcast.
func (c *Channel) Send(ctx context.Context, body string, dest Destination) (Message, error) {
	c.mu.RLock()
	scope, bound := c.scope, c.bound
	c.mu.RUnlock()

	if bound {
		if dest.ClinicID == 0 {
			dest.ClinicID = scope.ClinicID
		}
		if dest.ThreadID == 0 && dest.RecipientID == 0 {
			dest.ThreadID = scope.ThreadID
		}
		if dest.Kind == "" && scope.Kind == ScopeClinic {
			dest.Kind = ThreadClinic
		}
	}
	return c.dispatcher.Send(ctx, body, dest)
}

// Messages returns the ordered log with Read derived from the high-water
// mark.
func (c *Channel) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.messages.Snapshot()
	userID := c.cred.UserID()
	for i := range out {
		out[i].Read = out[i].SenderID == userID || out[i].ID <= c.unread.HighWaterMark
	}
	return out
}

func (c *Channel) Unread() UnreadCounter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Scope returns the bound scope, if any.
func (c *Channel) Scope() (Scope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope, c.bound
}

func (c *Channel) receive(ctx context.Context, msg actor.Message) error {
	c.mu.Lock()
	var updates []Update
	err := c.handle(ctx, msg, &updates)
	notify := c.onUpdate
	c.mu.Unlock()

	if notify != nil {
		for _, u := range updates {
			notify(u)
		}
	}
	return err
}

func (c *Channel) handle(ctx context.Context, msg actor.Message, updates *[]Update) error {
	switch msg := msg.(type) {
	case openMsg:
		return c.handleOpen(ctx, msg, updates)
	case closeMsg:
		c.teardown(msg.reason)
		c.setStatus(socketclient.StateDisconnected, nil, updates)
		c.state.RetryAttempt = 0
		return nil
	case prepareMsg:
		c.teardown("scope switched")
		c.bind(msg.scope)
		c.setStatus(socketclient.StateDisconnected, nil, updates)
		return nil
	case historyMsg:
		c.handleHistory(msg, updates)
		return nil
	case markReadMsg:
		if max, ok := c.messages.MaxID(); ok {
			c.unread.HighWaterMark = max
		}
		c.unread.Count = 0
		*updates = append(*updates, Update{Kind: UpdateUnread, Scope: c.scope, Unread: c.unread})
		return nil
	case reauthMsg:
		c.handleReauth(ctx, msg.cred, updates)
		return nil
	case dialedMsg:
		c.handleDialed(ctx, msg, updates)
		return nil
	case frameMsg:
		c.handleFrame(msg, updates)
		return nil
	case socketErrorMsg:
		if msg.tag == c.connTag {
			c.log.Warn("socket error on %s: %v", c.scope, msg.err)
		}
		return nil
	case closedMsg:
		c.handleClosed(msg, updates)
		return nil
	case reconnectMsg:
		c.handleReconnect(ctx, msg, updates)
		return nil
	default:
		return fmt.Errorf("unknown message %s", msg.Type())
	}
}

func (c *Channel) handleOpen(ctx context.Context, msg openMsg, updates *[]Update) error {
	same := c.bound && c.scope == msg.scope
	if same && (c.state.Status == socketclient.StateConnected || c.state.Status == socketclient.StateConnecting) {
		return nil
	}
	if msg.cred == nil || msg.cred.Destroyed() {
		return ErrNoCredential
	}

	c.teardown("scope switched")
	if !same {
		c.bind(msg.scope)
	}
	c.cred = msg.cred
	c.state.RetryAttempt = 0
	c.reconnect.Reset()
	c.setStatus(socketclient.StateConnecting, nil, updates)
	c.connect(ctx)
	return nil
}

func (c *Channel) handleHistory(msg historyMsg, updates *[]Update) {
	if msg.epoch != c.epoch {
		c.log.Debug("dropping history of a superseded scope")
		return
	}
	msgs := make([]Message, 0, len(msg.msgs))
	for _, m := range msg.msgs {
		if c.scope.Matches(m) {
			msgs = append(msgs, m)
		} else {
			c.log.Warn("history for %s contains message %d of thread %d", c.scope, m.ID, m.ThreadID)
		}
	}

	if msg.replace {
		c.messages.Replace(msgs)
		if max, ok := c.messages.MaxID(); ok {
			c.unread.HighWaterMark = max
		}
		c.unread.Count = 0
	} else {
		userID := c.cred.UserID()
		for _, m := range msgs {
			if !c.messages.Contains(m.ID) {
				c.unread.observe(m, userID)
				c.messages.Insert(m)
			}
		}
	}
	*updates = append(*updates, Update{Kind: UpdateHistory, Scope: c.scope, Unread: c.unread})
}

func (c *Channel) handleReauth(ctx context.Context, cred *session.Credential, updates *[]Update) {
	if cred == nil || cred.Destroyed() {
		return
	}
	previous := c.cred
	c.cred = cred
	if !c.bound || c.state.Status == socketclient.StateDisconnected || previous == cred {
		return
	}
	c.log.Info("reconnecting %s with refreshed credential", c.scope)
	c.teardown("reauthenticating")
	c.reconnect.Reset()
	c.setStatus(socketclient.StateConnecting, nil, updates)
	c.connect(ctx)
}

func (c *Channel) handleDialed(ctx context.Context, msg dialedMsg, updates *[]Update) {
	if msg.tag != c.connTag {
		if msg.socket != nil {
			_ = msg.socket.Close(socketclient.CloseNormal, "superseded")
		}
		return
	}
	if msg.err != nil {
		c.log.Warn("connect %s failed: %v", c.scope, msg.err)
		c.connTag++
		c.state.LastError = msg.err
		c.scheduleReconnect(updates)
		return
	}

	c.socket = msg.socket
	c.state.RetryAttempt = 0
	c.reconnect.Reset()
	c.setStatus(socketclient.StateConnected, nil, updates)
	c.log.Info("connected to %s", c.scope)

	if c.everConnected {
		c.backfill(ctx)
	}
	c.everConnected = true
}

func (c *Channel) handleFrame(msg frameMsg, updates *[]Update) {
	if msg.tag != c.connTag {
		return
	}
	m, err := ParseFrame(msg.data)
	if err != nil {
		c.log.Warn("dropping frame: %v", err)
		return
	}
	if !c.scope.Matches(m) {
		return
	}

	// the counter sees every matching frame; the log keeps one copy per id
	c.unread.observe(m, c.cred.UserID())
	if !c.messages.Insert(m) {
		*updates = append(*updates, Update{Kind: UpdateUnread, Scope: c.scope, Unread: c.unread})
		return
	}
	*updates = append(*updates, Update{Kind: UpdateMessage, Scope: c.scope, Message: m, Unread: c.unread})
}

func (c *Channel) handleClosed(msg closedMsg, updates *[]Update) {
	if msg.tag != c.connTag {
		return
	}
	c.socket = nil
	c.connTag++
	c.state.LastError = &socketclient.CloseError{Code: msg.code, Reason: msg.reason}
	c.log.Warn("connection to %s lost (%d %s)", c.scope, msg.code, msg.reason)
	c.scheduleReconnect(updates)
}

func (c *Channel) handleReconnect(ctx context.Context, msg reconnectMsg, updates *[]Update) {
	if msg.tag != c.connTag || c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer = nil

	cred := c.cred
	if c.creds != nil {
		if current := c.creds.Current(); current != nil {
			cred = current
		}
	}
	if cred == nil || cred.Destroyed() {
		c.log.Warn("not reconnecting %s: %v", c.scope, ErrNoCredential)
		c.setStatus(socketclient.StateDisconnected, ErrNoCredential, updates)
		return
	}
	c.cred = cred
	c.connect(ctx)
}

// scheduleReconnect arms the single reconnect timer. Status becomes
// Reconnecting.
func (c *Channel) scheduleReconnect(updates *[]Update) {
	if c.reconnectTimer != nil {
		return
	}
	delay := c.reconnect.NextBackOff()
	if delay < 0 {
		c.setStatus(socketclient.StateDisconnected, c.state.LastError, updates)
		return
	}
	c.state.RetryAttempt++
	tag := c.connTag
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		if err := c.loop.Post(reconnectMsg{tag: tag}); err != nil {
			c.log.Debug("reconnect timer not delivered: %v", err)
		}
	})
	c.setStatus(socketclient.StateReconnecting, c.state.LastError, updates)
	c.log.Info("reconnecting %s in %s (attempt %d)", c.scope, delay, c.state.RetryAttempt)
}

// connect starts a new socket attempt tagged with a fresh connTag.
func (c *Channel) connect(ctx context.Context) {
	c.connTag++
	tag := c.connTag
	scope := c.scope
	token := c.cred.Token()
	handler := socketclient.Handler{
		OnMessage: func(data []byte) { c.deliver(frameMsg{tag: tag, data: data}) },
		OnError:   func(err error) { c.deliver(socketErrorMsg{tag: tag, err: err}) },
		OnClose:   func(code int, reason string) { c.deliver(closedMsg{tag: tag, code: code, reason: reason}) },
	}

	go func() {
		dctx, cancel := context.WithTimeout(ctx, c.dialTO)
		defer cancel()
		sock, err := c.dialer.Dial(dctx, scope, token, handler)
		c.deliver(dialedMsg{tag: tag, socket: sock, err: err})
	}()
}

// backfill merges the backlog missed while disconnected.
func (c *Channel) backfill(ctx context.Context) {
	scope, epoch := c.scope, c.epoch
	go func() {
		msgs, err := c.history.FetchHistory(ctx, scope)
		if err != nil {
			c.log.Warn("backfill for %s failed: %v", scope, err)
			return
		}
		c.deliver(historyMsg{epoch: epoch, msgs: msgs})
	}()
}

func (c *Channel) deliver(msg actor.Message) {
	if err := c.loop.Post(msg); err != nil {
		c.log.Debug("dropping %s: %v", msg.Type(), err)
	}
}

// teardown closes the socket and cancels the reconnect timer. Events of the
// torn-down attempt are dropped by their tag.
func (c *Channel) teardown(reason string) {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.socket != nil {
		if err := c.socket.Close(socketclient.CloseNormal, reason); err != nil {
			c.log.Debug("close socket: %v", err)
		}
		c.socket = nil
	}
	c.connTag++
}

func (c *Channel) bind(scope Scope) {
	c.scope = scope
	c.bound = true
	c.epoch++
	c.messages.Clear()
	c.unread = UnreadCounter{}
	c.everConnected = false
	c.state.RetryAttempt = 0
	c.reconnect.Reset()
}

func (c *Channel) setStatus(s socketclient.ConnectionState, lastErr error, updates *[]Update) {
	c.state.Status = s
	c.state.LastError = lastErr
	*updates = append(*updates, Update{Kind: UpdateState, Scope: c.scope, State: c.state})
}

type openMsg struct {
	scope Scope
	cred  *session.Credential
}

func (openMsg) Type() string { return "open" }

type closeMsg struct{ reason string }

func (closeMsg) Type() string { return "close" }

type prepareMsg struct{ scope Scope }

func (prepareMsg) Type() string { return "prepare" }

type historyMsg struct {
	epoch   uint64
	msgs    []Message
	replace bool
}

func (historyMsg) Type() string { return "history" }

type markReadMsg struct{}

func (markReadMsg) Type() string { return "mark-read" }

type reauthMsg struct{ cred *session.Credential }

func (reauthMsg) Type() string { return "reauthenticate" }

type dialedMsg struct {
	tag    uint64
	socket Socket
	err    error
}

func (dialedMsg) Type() string { return "dialed" }

type frameMsg struct {
	tag  uint64
	data []byte
}

func (frameMsg) Type() string { return "frame" }

type socketErrorMsg struct {
	tag uint64
	err error
}

func (socketErrorMsg) Type() string { return "socket-error" }

type closedMsg struct {
	tag    uint64
	code   int
	reason string
}

func (closedMsg) Type() string { return "closed" }

type reconnectMsg struct{ tag uint64 }

func (reconnectMsg) Type() string { return "reconnect" }
