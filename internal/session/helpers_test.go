package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/clinicchat/internal/actor"
	"github.com/codefionn/clinicchat/internal/clock"
)

var epoch = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

type notice struct {
	kind string
	at   time.Duration
}

type recordingNotifier struct {
	mu      sync.Mutex
	clock   clock.Clock
	notices []notice
}

func (n *recordingNotifier) add(kind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: kind, at: n.clock.Now().Sub(epoch)})
}

func (n *recordingNotifier) SessionExpiring(time.Duration) { n.add("expiring") }
func (n *recordingNotifier) SessionRefreshed(*Credential)  { n.add("refreshed") }
func (n *recordingNotifier) SessionRefreshFailed(error)    { n.add("refresh-failed") }
func (n *recordingNotifier) SessionExpired()               { n.add("expired") }

func (n *recordingNotifier) all() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}

func (n *recordingNotifier) count(kind string) int {
	c := 0
	for _, e := range n.all() {
		if e.kind == kind {
			c++
		}
	}
	return c
}

// stubRefresher answers with grant or err. When release is set, it blocks
// until the channel is closed.
type stubRefresher struct {
	calls   atomic.Int32
	tokens  chan string
	entered chan struct{}
	release chan struct{}
	grant   Grant
	err     error
}

func newStubRefresher(grant Grant, err error) *stubRefresher {
	return &stubRefresher{
		grant:   grant,
		err:     err,
		tokens:  make(chan string, 16),
		entered: make(chan struct{}, 16),
	}
}

func (r *stubRefresher) Refresh(ctx context.Context, token string) (Grant, error) {
	r.calls.Add(1)
	r.tokens <- token
	r.entered <- struct{}{}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return Grant{}, ctx.Err()
		}
	}
	return r.grant, r.err
}

var errNetwork = errors.New("dial tcp: connection refused")

type harness struct {
	m        *Manager
	clock    *clock.Fake
	kv       *MemoryKV
	store    *Store
	notifier *recordingNotifier
	events   *[]Event
}

func newHarness(t *testing.T, cfg Config, refresher Refresher) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	kv := NewMemoryKV()
	store := NewStore(kv, clk)
	notifier := &recordingNotifier{clock: clk}
	if refresher == nil {
		refresher = newStubRefresher(Grant{}, errNetwork)
	}

	m := NewManager(cfg, store, refresher, notifier,
		WithClock(clk),
		WithLoopOptions(actor.WithSequentialDispatch()))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Teardown(context.Background()) })

	var mu sync.Mutex
	events := []Event{}
	m.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return &harness{m: m, clock: clk, kv: kv, store: store, notifier: notifier, events: &events}
}

func mustCredential(t *testing.T, token string, issued time.Time, lifetime time.Duration) *Credential {
	t.Helper()
	c, err := NewCredential(token, issued, issued.Add(lifetime))
	require.NoError(t, err)
	return c
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}
