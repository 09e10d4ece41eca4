// Package actor implements the single-goroutine event loop that owns the
// mutable state of the session manager and of each realtime channel.
// Timer callbacks, socket callbacks and request completions are all posted
// as messages and applied one at a time by the loop's Receiver.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/clinicchat/internal/logger"
)

// ErrStopped is returned when posting to a loop that has been stopped.
var ErrStopped = errors.New("actor: loop stopped")

// Message is an event handled by a loop.
type Message interface {
	Type() string
}

// Receiver applies messages. It must not Call its own loop.
type Receiver interface {
	Receive(ctx context.Context, msg Message) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, msg Message) error

func (f ReceiverFunc) Receive(ctx context.Context, msg Message) error { return f(ctx, msg) }

// call wraps a message whose outcome a caller waits for.
type call struct {
	msg  Message
	done chan error
}

func (c call) Type() string { return c.msg.Type() }

// Loop owns a mailbox and dispatches its messages in order.
type Loop struct {
	id       string
	receiver Receiver
	mailbox  chan Message
	log      *logger.Logger

	mu         sync.RWMutex
	started    bool
	stopped    bool
	sequential bool
	sequenceMu sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithSequentialDispatch runs Receive on the posting goroutine, serialized
// by a mutex, instead of on a dedicated goroutine. Post then returns only
// after the message was applied, which keeps tests deterministic.
func WithSequentialDispatch() Option {
	return func(l *Loop) { l.sequential = true }
}

// WithLogger overrides the logger used for receive errors.
func WithLogger(log *logger.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New creates a loop; it does nothing until Start.
func New(id string, receiver Receiver, mailboxSize int, opts ...Option) *Loop {
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	l := &Loop{
		id:       id,
		receiver: receiver,
		mailbox:  make(chan Message, mailboxSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Global().WithPrefix("actor:" + id)
	}
	return l
}

// ID returns the loop's identifier.
func (l *Loop) ID() string { return l.id }

// Start begins dispatching. The context is handed to every Receive call and
// cancelling it stops the loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.started {
		return fmt.Errorf("actor %s already started", l.id)
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.started = true

	if l.sequential {
		return nil
	}
	l.wg.Add(1)
	go l.run()
	return nil
}

// Post enqueues msg. It blocks while the mailbox is full and fails once the
// loop has stopped.
func (l *Loop) Post(msg Message) error {
	ctx, sequential, err := l.snapshot()
	if err != nil {
		return err
	}
	if sequential {
		l.dispatch(ctx, msg)
		return nil
	}
	select {
	case l.mailbox <- msg:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call posts msg and waits until the receiver has applied it, returning the
// receiver's error.
func (l *Loop) Call(ctx context.Context, msg Message) error {
	c := call{msg: msg, done: make(chan error, 1)}
	if err := l.Post(c); err != nil {
		return err
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// the call may have been applied right before stopping
		select {
		case err := <-c.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stop halts dispatching and waits for the in-flight message, if any.
// Messages still queued are discarded.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	close(l.done)
	l.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) snapshot() (context.Context, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return nil, false, ErrStopped
	}
	if !l.started {
		return nil, false, fmt.Errorf("actor %s not started", l.id)
	}
	return l.ctx, l.sequential, nil
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case msg := <-l.mailbox:
			l.dispatch(l.ctx, msg)
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, msg Message) {
	if l.sequential {
		l.sequenceMu.Lock()
		defer l.sequenceMu.Unlock()
	}

	if c, ok := msg.(call); ok {
		c.done <- l.receiver.Receive(ctx, c.msg)
		return
	}
	if err := l.receiver.Receive(ctx, msg); err != nil {
		l.log.Error("error processing %s: %v", msg.Type(), err)
	}
}
