package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/estatectl/internal/apierr"
	"github.com/mark3labs/estatectl/internal/events"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Notify(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) kinds() []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Kind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newSession(t *testing.T, r Refresher, seed Tokens, opts ...CoordinatorOption) (*Coordinator, *TokenStore) {
	t.Helper()
	store := NewTokenStore(NewMemoryKV(), "estate.")
	require.NoError(t, store.Save(context.Background(), seed))
	c := NewCoordinator(store, r, opts...)
	require.NoError(t, c.Init(context.Background()))
	return c, store
}

func TestRefresh_ConcurrentCallersShareOneExchange(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	r := RefresherFunc(func(ctx context.Context, rt string) (Tokens, error) {
		calls.Add(1)
		<-release
		assert.Equal(t, "rt-1", rt)
		return Tokens{AccessToken: "at-2", RefreshToken: "rt-2"}, nil
	})
	log := &eventLog{}
	c, store := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1", UserID: "u-1"}, WithNotifier(log))

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background(), "at-1")
		}(i)
	}
	require.Eventually(t, func() bool { return c.Phase() == PhaseRefreshing }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-2", results[i])
	}
	assert.Equal(t, PhaseIdle, c.Phase())

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Tokens{AccessToken: "at-2", RefreshToken: "rt-2", UserID: "u-1"}, persisted)
	assert.Equal(t, []events.Kind{events.TokenRefreshed}, log.kinds())
}

func TestRefresh_LateCallerSeesNewToken(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := RefresherFunc(func(context.Context, string) (Tokens, error) {
		calls.Add(1)
		return Tokens{AccessToken: "at-2"}, nil
	})
	c, _ := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1"})

	tok, err := c.Refresh(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)

	// A request that carried at-1 and failed after the exchange finished.
	tok, err = c.Refresh(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "rt-1", c.Tokens().RefreshToken, "refresh token kept when not rotated")
}

func TestRefresh_FailureInvalidatesEveryone(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	rejected := errors.New("refresh: http 401: token revoked")
	r := RefresherFunc(func(context.Context, string) (Tokens, error) {
		calls.Add(1)
		<-release
		return Tokens{}, rejected
	})
	log := &eventLog{}
	c, store := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1", UserID: gofakeit.UUID(), Role: "agent"}, WithNotifier(log))

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background(), "at-1")
		}(i)
	}
	require.Eventually(t, func() bool { return c.Phase() == PhaseRefreshing }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		var ae *apierr.AuthExpiredError
		require.ErrorAs(t, err, &ae)
		assert.ErrorIs(t, err, rejected)
	}
	assert.Equal(t, PhaseInvalidated, c.Phase())
	assert.Empty(t, c.AccessToken())

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Empty())
	assert.Empty(t, persisted.UserID)
	assert.Equal(t, []events.Kind{events.SessionInvalidated}, log.kinds())

	// Later callers fail fast without another exchange or event.
	_, err = c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, apierr.ErrAuthExpired)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, log.kinds(), 1)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	t.Parallel()
	r := RefresherFunc(func(context.Context, string) (Tokens, error) {
		t.Error("refresher must not be called")
		return Tokens{}, nil
	})
	c, _ := newSession(t, r, Tokens{AccessToken: "at-1"})
	_, err := c.Refresh(context.Background(), "at-1")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.ErrorIs(t, err, apierr.ErrAuthExpired)
	assert.Equal(t, PhaseInvalidated, c.Phase())
}

func TestRefresh_EmptyAccessTokenInResponse(t *testing.T) {
	t.Parallel()
	r := RefresherFunc(func(context.Context, string) (Tokens, error) { return Tokens{}, nil })
	c, _ := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1"})
	_, err := c.Refresh(context.Background(), "at-1")
	assert.ErrorIs(t, err, apierr.ErrAuthExpired)
}

func TestRefresh_WaiterCancellationDoesNotAbortExchange(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var exchangeCtxErr atomic.Value
	r := RefresherFunc(func(ctx context.Context, _ string) (Tokens, error) {
		<-release
		if err := ctx.Err(); err != nil {
			exchangeCtxErr.Store(err)
		}
		return Tokens{AccessToken: "at-2"}, nil
	})
	c, _ := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "at-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Phase() == PhaseRefreshing }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return c.AccessToken() == "at-2" }, time.Second, time.Millisecond)
	assert.Nil(t, exchangeCtxErr.Load())
}

func TestRefresh_Timeout(t *testing.T) {
	t.Parallel()
	r := RefresherFunc(func(ctx context.Context, _ string) (Tokens, error) {
		<-ctx.Done()
		return Tokens{}, ctx.Err()
	})
	c, _ := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1"}, WithRefreshTimeout(20*time.Millisecond))
	_, err := c.Refresh(context.Background(), "at-1")
	assert.ErrorIs(t, err, apierr.ErrAuthExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetTokensAndClear(t *testing.T) {
	t.Parallel()
	log := &eventLog{}
	c, store := newSession(t, nil, Tokens{}, WithNotifier(log))
	assert.Empty(t, c.AccessToken())

	exp := time.Date(2026, 11, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, c.SetTokens(context.Background(), Tokens{AccessToken: "a", RefreshToken: "r", UserID: "u", Role: "broker", Expiry: exp}))
	assert.Equal(t, "a", c.AccessToken())
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Equal(loaded.Expiry))
	assert.Equal(t, "broker", loaded.Role)

	require.NoError(t, c.Clear(context.Background()))
	assert.Empty(t, c.AccessToken())
	loaded, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded.Empty())
	assert.Equal(t, []events.Kind{events.SessionStarted, events.SessionEnded}, log.kinds())
	assert.NoError(t, c.Close(context.Background()))
}

func TestSetTokens_DuringExchange(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		result func() (Tokens, error)
	}{
		{"old refresh fails", func() (Tokens, error) { return Tokens{}, errors.New("refresh token revoked") }},
		{"old refresh succeeds", func() (Tokens, error) { return Tokens{AccessToken: "at-old-2", RefreshToken: "rt-old-2"}, nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			release := make(chan struct{})
			r := RefresherFunc(func(context.Context, string) (Tokens, error) {
				<-release
				return tc.result()
			})
			log := &eventLog{}
			c, store := newSession(t, r, Tokens{AccessToken: "at-old", RefreshToken: "rt-old", UserID: "u-1"}, WithNotifier(log))

			done := make(chan struct{})
			var got string
			var err error
			go func() {
				defer close(done)
				got, err = c.Refresh(context.Background(), "at-old")
			}()
			require.Eventually(t, func() bool { return c.Phase() == PhaseRefreshing }, time.Second, time.Millisecond)

			login := Tokens{AccessToken: "fresh-login", RefreshToken: "rt-new", UserID: "u-2"}
			require.NoError(t, c.SetTokens(context.Background(), login))
			close(release)
			<-done

			require.NoError(t, err)
			assert.Equal(t, "fresh-login", got)
			assert.Equal(t, login, c.Tokens())
			assert.Equal(t, PhaseIdle, c.Phase())
			persisted, lerr := store.Load(context.Background())
			require.NoError(t, lerr)
			assert.Equal(t, "fresh-login", persisted.AccessToken)
			assert.Equal(t, "rt-new", persisted.RefreshToken)
			assert.Equal(t, []events.Kind{events.SessionStarted}, log.kinds())
		})
	}
}

func TestClear_DuringExchange(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	r := RefresherFunc(func(context.Context, string) (Tokens, error) {
		<-release
		return Tokens{AccessToken: "at-2", RefreshToken: "rt-2"}, nil
	})
	c, store := newSession(t, r, Tokens{AccessToken: "at-1", RefreshToken: "rt-1"})

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), "at-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Phase() == PhaseRefreshing }, time.Second, time.Millisecond)
	require.NoError(t, c.Clear(context.Background()))
	close(release)

	err := <-done
	assert.ErrorIs(t, err, apierr.ErrAuthExpired)
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.Empty(t, c.AccessToken())
	persisted, lerr := store.Load(context.Background())
	require.NoError(t, lerr)
	assert.True(t, persisted.Empty())
}

func TestRefresh_WithoutSessionEmitsNoEvent(t *testing.T) {
	t.Parallel()
	log := &eventLog{}
	c, _ := newSession(t, nil, Tokens{}, WithNotifier(log))
	_, err := c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, apierr.ErrAuthExpired)
	assert.Empty(t, log.kinds())
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "refreshing", PhaseRefreshing.String())
	assert.Equal(t, "invalidated", PhaseInvalidated.String())
	assert.Equal(t, "unknown", Phase(9).String())
}
