package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/clinicchat/internal/actor"
	"github.com/codefionn/clinicchat/internal/clock"
	"github.com/codefionn/clinicchat/internal/logger"
	"github.com/codefionn/clinicchat/internal/session"
	"github.com/codefionn/clinicchat/internal/socketclient"
)

const (
	me    int64 = 7
	other int64 = 9
)

var epoch = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeSocket struct {
	mu     sync.Mutex
	closed bool
	code   int
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type dialAttempt struct {
	scope   Scope
	token   string
	handler socketclient.Handler
	socket  *fakeSocket
}

// frame delivers a raw frame through the attempt's handler.
func (a *dialAttempt) frame(data string) { a.handler.OnMessage([]byte(data)) }

func (a *dialAttempt) closeRemote(code int) { a.handler.OnClose(code, "remote") }

type fakeDialer struct {
	mu       sync.Mutex
	fail     error
	attempts []*dialAttempt
}

func (d *fakeDialer) Dial(_ context.Context, scope Scope, token string, h socketclient.Handler) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := &dialAttempt{scope: scope, token: token, handler: h}
	d.attempts = append(d.attempts, a)
	if d.fail != nil {
		return nil, d.fail
	}
	a.socket = &fakeSocket{}
	return a.socket, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDialer) last() *dialAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[len(d.attempts)-1]
}

type fakeHistory struct {
	mu      sync.Mutex
	byScope map[Scope][]Message
	err     error
	calls   int
}

func (h *fakeHistory) FetchHistory(_ context.Context, scope Scope) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return append([]Message(nil), h.byScope[scope]...), nil
}

func (h *fakeHistory) set(scope Scope, msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byScope == nil {
		h.byScope = make(map[Scope][]Message)
	}
	h.byScope[scope] = msgs
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeSender struct {
	mu   sync.Mutex
	sent []Outbound
	err  error
}

func (s *fakeSender) SendMessage(_ context.Context, out Outbound) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Message{}, s.err
	}
	s.sent = append(s.sent, out)
	m := Message{ID: int64(100 + len(s.sent)), ClinicID: out.ClinicID, SenderID: me, Body: out.Body, CreatedAt: epoch}
	if out.ThreadID != nil {
		m.ThreadID = *out.ThreadID
	}
	return m, nil
}

type staticCreds struct {
	mu   sync.Mutex
	cred *session.Credential
}

func (s *staticCreds) Current() *session.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *staticCreds) set(c *session.Credential) {
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clock.Fake
	dialer  *fakeDialer
	history *fakeHistory
	sender  *fakeSender
	creds   *staticCreds
	ch      *Channel

	mu      sync.Mutex
	updates []Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock.NewFake(epoch),
		dialer:  &fakeDialer{},
		history: &fakeHistory{},
		sender:  &fakeSender{},
		creds:   &staticCreds{},
	}
	h.ch = NewChannel(ChannelConfig{
		Clock:       h.clock,
		Logger:      logger.NewWriter(logger.LevelDebug, io.Discard, "chat"),
		LoopOptions: []actor.Option{actor.WithSequentialDispatch()},
	}, h.dialer, h.history, NewDispatcher(h.sender), h.creds)
	h.ch.OnUpdate(func(u Update) {
		h.mu.Lock()
		h.updates = append(h.updates, u)
		h.mu.Unlock()
	})
	require.NoError(t, h.ch.Start(h.ctx))
	t.Cleanup(func() { _ = h.ch.Stop(context.Background()) })
	return h
}

// open connects to scope and waits for the socket.
func (h *harness) open(scope Scope, cred *session.Credential) *dialAttempt {
	h.t.Helper()
	before := h.dialer.count()
	require.NoError(h.t, h.ch.Open(h.ctx, scope, cred))
	h.waitConnected(before + 1)
	return h.dialer.last()
}

func (h *harness) waitConnected(attempts int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.dialer.count() == attempts && h.ch.State().Status == socketclient.StateConnected
	}, time.Second, time.Millisecond)
}

func (h *harness) ids() []int64 {
	var out []int64
	for _, m := range h.ch.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func (h *harness) statuses() []socketclient.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []socketclient.ConnectionState
	for _, u := range h.updates {
		if u.Kind == UpdateState {
			out = append(out, u.State.Status)
		}
	}
	return out
}

func credentialFor(t *testing.T, userID int64) *session.Credential {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": fmt.Sprint(userID),
		"iat": epoch.Unix(),
		"exp": epoch.Add(time.Hour).Unix(),
		"jti": fmt.Sprint(time.Now().UnixNano()),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	cred, err := session.NewCredential(token, epoch, epoch.Add(time.Hour))
	require.NoError(t, err)
	return cred
}

func frame(id, threadID, clinicID, sender int64, at time.Duration) string {
	return fmt.Sprintf(`{"id":%d,"thread_id":%d,"clinica_id":%d,"remetente_id":%d,"remetente_nome":"x","texto":"m%d","created_at":%q}`,
		id, threadID, clinicID, sender, id, epoch.Add(at).Format("2006-01-02T15:04:05.000000"))
}

func msg(id, threadID, clinicID, sender int64, at time.Duration) Message {
	return Message{ID: id, ThreadID: threadID, ClinicID: clinicID, SenderID: sender, Body: fmt.Sprintf("m%d", id), CreatedAt: epoch.Add(at)}
}

var errDial = errors.New("connection refused")
