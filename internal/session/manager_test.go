package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestWarningAndExpiryTiming(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: 60 * time.Second}, nil)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "tok", epoch, 90*time.Second)))
	assert.Equal(t, StateAuthenticated, h.m.State())

	h.clock.Advance(29 * time.Second)
	assert.Empty(t, h.notifier.all())

	h.clock.Advance(time.Second)
	assert.Equal(t, []notice{{"expiring", 30 * time.Second}}, h.notifier.all())
	assert.Equal(t, StateWarningShown, h.m.State())

	h.clock.Advance(60 * time.Second)
	assert.Equal(t, []notice{{"expiring", 30 * time.Second}, {"expired", 90 * time.Second}}, h.notifier.all())
	assert.Equal(t, StateExpired, h.m.State())
	assert.Nil(t, h.m.Current())

	_, found, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLateScheduleWarnsImmediately(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: 60 * time.Second}, nil)
	require.NoError(t, h.m.ScheduleFromCredential(ctx, mustCredential(t, "tok", epoch.Add(-time.Hour), time.Hour+20*time.Second)))

	assert.Equal(t, []notice{{"expiring", 0}}, h.notifier.all())
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(20 * time.Second)
	assert.Equal(t, 1, h.notifier.count("expiring"))
	assert.Equal(t, []notice{{"expiring", 0}, {"expired", 20 * time.Second}}, h.notifier.all())
}

func TestScheduleExpiredCredentialForcesExpiry(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.m.ScheduleFromCredential(ctx, mustCredential(t, "tok", epoch.Add(-2*time.Hour), time.Hour)))

	assert.Equal(t, []notice{{"expired", 0}}, h.notifier.all())
	assert.Equal(t, StateExpired, h.m.State())
	assert.Zero(t, h.clock.Pending())
}

func TestRescheduleOnlyLatestGenerationFires(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: 60 * time.Second}, nil)
	first := mustCredential(t, "first", epoch, 90*time.Second)
	second := mustCredential(t, "second", epoch, 300*time.Second)

	require.NoError(t, h.m.ScheduleFromCredential(ctx, first))
	require.NoError(t, h.m.ScheduleFromCredential(ctx, second))
	assert.Equal(t, 1, h.clock.Pending())
	assert.Same(t, second, h.m.Current())

	h.clock.Advance(100 * time.Second)
	assert.Empty(t, h.notifier.all(), "timers of the first credential must not fire")

	h.clock.Advance(200 * time.Second)
	assert.Equal(t, []notice{{"expiring", 240 * time.Second}, {"expired", 300 * time.Second}}, h.notifier.all())
}

func TestConcurrentRefreshSharesOneRequest(t *testing.T) {
	ref := newStubRefresher(Grant{AccessToken: "fresh", ExpiresIn: time.Hour}, nil)
	ref.release = make(chan struct{})
	h := newHarness(t, Config{}, ref)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "stale", epoch, 10*time.Minute)))

	var wg sync.WaitGroup
	results := make([]*Credential, 2)
	errs := make([]error, 2)
	call := func(i int) {
		defer wg.Done()
		results[i], errs[i] = h.m.Refresh(ctx)
	}

	wg.Add(2)
	go call(0)
	<-ref.entered
	go call(1)
	time.Sleep(50 * time.Millisecond)
	close(ref.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, ref.calls.Load())
	assert.Equal(t, "stale", <-ref.tokens)
	assert.Same(t, results[0], results[1])
	assert.Same(t, results[0], h.m.Current())
	assert.Equal(t, "fresh", results[0].Token())
}

func TestRefreshFailureKeepsGeneration(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: 60 * time.Second}, newStubRefresher(Grant{}, errNetwork))
	cred := mustCredential(t, "tok", epoch, 90*time.Second)
	require.NoError(t, h.m.Login(ctx, cred))
	gen := h.m.Generation()

	h.clock.Advance(10 * time.Second)
	_, err := h.m.Refresh(ctx)
	require.ErrorIs(t, err, errNetwork)

	assert.Same(t, cred, h.m.Current())
	assert.Equal(t, "tok", h.m.Current().Token())
	assert.Equal(t, gen, h.m.Generation())
	assert.Equal(t, StateAuthenticated, h.m.State())

	h.clock.Advance(20 * time.Second)
	h.clock.Advance(60 * time.Second)
	assert.Equal(t, []notice{
		{"refresh-failed", 10 * time.Second},
		{"expiring", 30 * time.Second},
		{"expired", 90 * time.Second},
	}, h.notifier.all())
}

func TestRefreshReplacesTimers(t *testing.T) {
	ref := newStubRefresher(Grant{AccessToken: "renewed", ExpiresIn: 120 * time.Second}, nil)
	h := newHarness(t, Config{WarningWindow: 60 * time.Second}, ref)
	old := mustCredential(t, "tok", epoch, 90*time.Second)
	require.NoError(t, h.m.Login(ctx, old))

	h.clock.Advance(40 * time.Second)
	next, err := h.m.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, old.Destroyed())
	assert.Equal(t, StateAuthenticated, h.m.State())

	// the original expiry at +90s must not fire
	h.clock.Advance(60 * time.Second)
	assert.Same(t, next, h.m.Current())
	h.clock.Advance(60 * time.Second)

	assert.Equal(t, []notice{
		{"expiring", 30 * time.Second},
		{"refreshed", 40 * time.Second},
		{"expiring", 100 * time.Second},
		{"expired", 160 * time.Second},
	}, h.notifier.all())
}

func TestRefreshPersistsNewCredential(t *testing.T) {
	ref := newStubRefresher(Grant{AccessToken: "renewed", ExpiresIn: 15 * time.Minute}, nil)
	h := newHarness(t, Config{}, ref)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "tok", epoch, 10*time.Minute)))

	_, err := h.m.Refresh(ctx)
	require.NoError(t, err)

	rec, found, err := h.store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "renewed", rec.Token)
	assert.Equal(t, 15*time.Minute, rec.ExpiresIn)
	assert.Equal(t, epoch.Add(15*time.Minute).UnixMilli(), rec.ExpiresAt.UnixMilli())
}

func TestRefreshWithoutSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.m.Refresh(ctx)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRefreshDroppedAfterRelogin(t *testing.T) {
	ref := newStubRefresher(Grant{AccessToken: "A-refreshed", ExpiresIn: time.Hour}, nil)
	ref.release = make(chan struct{})
	h := newHarness(t, Config{}, ref)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "A", epoch, 10*time.Minute)))

	errc := make(chan error, 1)
	go func() {
		_, err := h.m.Refresh(ctx)
		errc <- err
	}()
	<-ref.entered

	require.NoError(t, h.m.Logout(ctx))
	second := mustCredential(t, "B", epoch, 10*time.Minute)
	require.NoError(t, h.m.Login(ctx, second))
	close(ref.release)

	assert.ErrorIs(t, <-errc, ErrSessionEnded)
	assert.Same(t, second, h.m.Current())
	assert.Equal(t, "B", h.m.Current().Token())
	assert.Zero(t, h.notifier.count("refreshed"))

	rec, found, err := h.store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B", rec.Token)
}

func TestRefreshAppliedOverAdoptedCredential(t *testing.T) {
	ref := newStubRefresher(Grant{AccessToken: "mine", ExpiresIn: time.Hour}, nil)
	ref.release = make(chan struct{})
	h := newHarness(t, Config{}, ref)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "tok", epoch, 10*time.Minute)))

	errc := make(chan error, 1)
	go func() {
		_, err := h.m.Refresh(ctx)
		errc <- err
	}()
	<-ref.entered

	external := mustCredential(t, "theirs", epoch, 20*time.Minute)
	require.NoError(t, h.store.Save(ctx, external.Record()))
	require.NoError(t, h.m.OnVisible(ctx))
	require.Equal(t, "theirs", h.m.Current().Token())
	close(ref.release)

	require.NoError(t, <-errc)
	assert.Equal(t, "mine", h.m.Current().Token())
}

func TestAutoRefreshOnWarning(t *testing.T) {
	ref := newStubRefresher(Grant{AccessToken: "auto", ExpiresIn: time.Hour}, nil)
	h := newHarness(t, Config{WarningWindow: 60 * time.Second, AutoRefresh: true}, ref)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "tok", epoch, 90*time.Second)))

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return h.m.Current().Token() == "auto" && h.m.State() == StateAuthenticated
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, ref.calls.Load())
}

func TestForceExpireNotifiesOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "tok", epoch, time.Hour)))

	require.NoError(t, h.m.ForceExpire(ctx))
	require.NoError(t, h.m.ForceExpire(ctx))
	require.NoError(t, h.m.OnVisible(ctx))

	assert.Equal(t, 1, h.notifier.count("expired"))
	assert.Zero(t, h.clock.Pending())
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.notifier.count("expired"))

	ended := 0
	for _, ev := range *h.events {
		if ev.Kind == SessionEnded {
			ended++
			assert.Equal(t, ReasonExpired, ev.Reason)
		}
	}
	assert.Equal(t, 1, ended)
}

func TestLogoutClearsWithoutExpiryNotice(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	cred := mustCredential(t, "tok", epoch, time.Hour)
	require.NoError(t, h.m.Login(ctx, cred))

	require.NoError(t, h.m.Logout(ctx))
	assert.Equal(t, StateUnauthenticated, h.m.State())
	assert.True(t, cred.Destroyed())
	assert.Zero(t, h.notifier.count("expired"))
	assert.Zero(t, h.clock.Pending())

	events := *h.events
	require.Len(t, events, 2)
	assert.Equal(t, CredentialChanged, events[0].Kind)
	assert.Equal(t, Event{Kind: SessionEnded, Reason: ReasonLogout}, events[1])
}

func TestInitializeWithoutPersistedState(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.m.Initialize(ctx))

	assert.Equal(t, StateUnauthenticated, h.m.State())
	assert.Nil(t, h.m.Current())
	assert.Zero(t, h.clock.Pending())
	assert.Empty(t, h.notifier.all())
	assert.Zero(t, h.kv.Writes())
}

func TestInitializeRestoresSession(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: time.Minute}, nil)
	require.NoError(t, h.store.Save(ctx, Record{Token: "persisted", ExpiresIn: time.Hour, ExpiresAt: epoch.Add(10 * time.Minute)}))

	require.NoError(t, h.m.Initialize(ctx))
	assert.Equal(t, StateAuthenticated, h.m.State())
	assert.Equal(t, "persisted", h.m.Current().Token())
	assert.Len(t, *h.events, 1)

	h.clock.Advance(9 * time.Minute)
	assert.Equal(t, []notice{{"expiring", 9 * time.Minute}}, h.notifier.all())
}

func TestInitializeDerivesExpiryFromDuration(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.kv.Put(ctx, map[string]string{KeyToken: "tok", KeyExpiresIn: "600"}))

	require.NoError(t, h.m.Initialize(ctx))
	assert.Equal(t, epoch.Add(10*time.Minute).UnixMilli(), h.m.Current().ExpiresAt().UnixMilli())

	raw, ok, err := h.kv.Get(ctx, KeyExpiresAt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(epoch.Add(10*time.Minute).UnixMilli(), 10), raw)
}

func TestInitializeExpiredSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.store.Save(ctx, Record{Token: "old", ExpiresAt: epoch.Add(-time.Minute)}))

	require.NoError(t, h.m.Initialize(ctx))
	assert.Equal(t, StateExpired, h.m.State())
	assert.Equal(t, 1, h.notifier.count("expired"))

	_, ok, _ := h.kv.Get(ctx, KeyToken)
	assert.False(t, ok)
}

func TestInitializeDiscardsInvalidState(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.kv.Put(ctx, map[string]string{KeyToken: "tok", KeyExpiresAt: "soon"}))

	require.NoError(t, h.m.Initialize(ctx))
	assert.Equal(t, StateUnauthenticated, h.m.State())
	assert.Empty(t, h.notifier.all())

	_, ok, _ := h.kv.Get(ctx, KeyToken)
	assert.False(t, ok)
}

func TestOnVisibleAdoptsExternalRefresh(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: time.Minute}, nil)
	old := mustCredential(t, "tok", epoch, 2*time.Minute)
	require.NoError(t, h.m.Login(ctx, old))

	// another process refreshed the session
	require.NoError(t, h.store.Save(ctx, Record{Token: "other", ExpiresIn: time.Hour, ExpiresAt: epoch.Add(time.Hour)}))
	require.NoError(t, h.m.OnVisible(ctx))

	cur := h.m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "other", cur.Token())
	assert.True(t, old.Destroyed())
	last := (*h.events)[len(*h.events)-1]
	assert.Equal(t, CredentialChanged, last.Kind)
	assert.Same(t, cur, last.Credential)

	// old timers are gone: nothing at +60s or +120s
	h.clock.Advance(5 * time.Minute)
	assert.Empty(t, h.notifier.all())
}

func TestOnVisibleSameCredentialDoesNotRewarn(t *testing.T) {
	h := newHarness(t, Config{WarningWindow: time.Minute}, nil)
	cred := mustCredential(t, "tok", epoch, 90*time.Second)
	require.NoError(t, h.m.Login(ctx, cred))

	h.clock.Advance(45 * time.Second)
	require.Equal(t, 1, h.notifier.count("expiring"))

	require.NoError(t, h.m.OnVisible(ctx))
	assert.Same(t, cred, h.m.Current())
	assert.Equal(t, 1, h.notifier.count("expiring"))
	assert.Equal(t, StateWarningShown, h.m.State())

	h.clock.Advance(45 * time.Second)
	assert.Equal(t, []notice{{"expiring", 30 * time.Second}, {"expired", 90 * time.Second}}, h.notifier.all())
}

func TestOnVisibleAfterExternalLogout(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.m.Login(ctx, mustCredential(t, "tok", epoch, time.Hour)))

	require.NoError(t, h.store.Clear(ctx))
	require.NoError(t, h.m.OnVisible(ctx))

	assert.Equal(t, StateExpired, h.m.State())
	assert.Equal(t, 1, h.notifier.count("expired"))
}

func TestOnVisibleWhileLoggedOutIsQuiet(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.m.Initialize(ctx))
	require.NoError(t, h.m.OnVisible(ctx))

	assert.Empty(t, h.notifier.all())
	assert.Equal(t, StateUnauthenticated, h.m.State())
}

func TestLoginRejectsNil(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	assert.ErrorIs(t, h.m.Login(ctx, nil), ErrInvalidCredential)
	assert.ErrorIs(t, h.m.ScheduleFromCredential(ctx, nil), ErrInvalidCredential)
}
