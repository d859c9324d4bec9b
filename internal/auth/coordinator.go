package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/mark3labs/estatectl/internal/apierr"
	"github.com/mark3labs/estatectl/internal/events"
	"github.com/mark3labs/estatectl/internal/telemetry"
)

// Phase is the coordinator's refresh state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
	PhaseInvalidated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

var (
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrSessionEnded is the cause given to waiters whose session was
	// logged out while their exchange was running.
	ErrSessionEnded = errors.New("session ended during refresh")
)

const refreshKey = "refresh"

// Refresher exchanges a refresh token for new credentials. The returned
// Tokens carry at least AccessToken; an empty RefreshToken keeps the old one.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

type RefresherFunc func(ctx context.Context, refreshToken string) (Tokens, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	return f(ctx, refreshToken)
}

type CoordinatorOption func(*Coordinator)

func WithNotifier(n events.Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithRefreshTimeout bounds a single refresh exchange.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// Coordinator holds the session tokens and guarantees that at most one
// refresh exchange is in flight. Every caller that observed the same expired
// token shares that exchange's outcome.
type Coordinator struct {
	store     *TokenStore
	refresher Refresher
	notifier  events.Notifier
	logger    *slog.Logger
	timeout   time.Duration

	// write serializes every change to the session, in memory and in the
	// store.
	write sync.Mutex

	mu     sync.RWMutex
	tokens Tokens
	gen    uint64 // bumped whenever credentials are replaced from outside
	cause  error  // why the session was invalidated
	phase  atomic.Int32
	group  singleflight.Group
}

func NewCoordinator(store *TokenStore, r Refresher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: r,
		notifier:  events.Nop,
		logger:    slog.Default(),
		timeout:   15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init loads persisted tokens.
func (c *Coordinator) Init(ctx context.Context) error {
	c.write.Lock()
	defer c.write.Unlock()
	t, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	c.replace(t)
	return nil
}

// Close releases the token store.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.store.Close()
}

func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Coordinator) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken
}

func (c *Coordinator) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *Coordinator) snapshot() (Tokens, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens, c.gen
}

// replace starts a new session generation. Callers hold c.write.
func (c *Coordinator) replace(t Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.cause = nil
	c.gen++
	c.mu.Unlock()
	c.phase.Store(int32(PhaseIdle))
}

// SetTokens installs credentials obtained outside the coordinator, e.g. by
// a login form. An exchange still running for the previous credentials
// neither overwrites nor clears them.
func (c *Coordinator) SetTokens(ctx context.Context, t Tokens) error {
	c.write.Lock()
	if err := c.store.Save(ctx, t); err != nil {
		c.write.Unlock()
		return err
	}
	c.replace(t)
	c.write.Unlock()
	c.notify(ctx, events.Event{Kind: events.SessionStarted, UserID: t.UserID})
	return nil
}

// Clear drops all credentials (logout).
func (c *Coordinator) Clear(ctx context.Context) error {
	c.write.Lock()
	userID := c.Tokens().UserID
	c.replace(Tokens{})
	if err := c.store.Clear(ctx); err != nil {
		c.write.Unlock()
		return err
	}
	c.write.Unlock()
	c.notify(ctx, events.Event{Kind: events.SessionEnded, UserID: userID})
	return nil
}

// Refresh returns a fresh access token for a caller whose request was
// rejected with stale. If another caller already replaced stale, the current
// token is returned without a network call; otherwise the caller joins the
// single in-flight exchange.
//
// The exchange itself is not cancelled when ctx is; only this caller stops
// waiting. A failed exchange clears every credential and yields an
// *apierr.AuthExpiredError to all waiters.
func (c *Coordinator) Refresh(ctx context.Context, stale string) (string, error) {
	if cur := c.AccessToken(); cur != "" && cur != stale {
		return cur, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.exchange(detached, stale)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Coordinator) exchange(ctx context.Context, stale string) (token string, err error) {
	ctx, span := telemetry.Start(ctx, "estatectl.refresh")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cur, gen := c.snapshot()
	span.SetAttributes(attribute.String("user_id", cur.UserID))
	// A previous exchange may have finished between the caller's check and
	// this one starting.
	if cur.AccessToken != "" && cur.AccessToken != stale {
		return cur.AccessToken, nil
	}
	if cur.RefreshToken == "" {
		return c.invalidate(ctx, gen, ErrNoRefreshToken)
	}

	c.phase.Store(int32(PhaseRefreshing))
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	next, err := c.refresher.Refresh(rctx, cur.RefreshToken)
	cancel()
	if err == nil && next.AccessToken == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		c.logger.WarnContext(ctx, "token refresh failed",
			slog.String("user_id", cur.UserID),
			slog.Duration("latency", time.Since(start)),
			slog.Any("err", err))
		return c.invalidate(ctx, gen, err)
	}

	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.UserID == "" {
		next.UserID = cur.UserID
	}
	if next.Role == "" {
		next.Role = cur.Role
	}

	c.write.Lock()
	if replaced, tok, err := c.superseded(gen); replaced {
		c.write.Unlock()
		c.logger.InfoContext(ctx, "discarding refresh for replaced session", slog.String("user_id", cur.UserID))
		return tok, err
	}
	if err := c.store.Save(ctx, next); err != nil {
		// The session continues on the in-memory tokens.
		c.logger.ErrorContext(ctx, "persist refreshed tokens", slog.Any("err", err))
	}
	c.mu.Lock()
	c.tokens = next
	c.mu.Unlock()
	c.phase.Store(int32(PhaseIdle))
	c.write.Unlock()

	c.logger.InfoContext(ctx, "token refreshed",
		slog.String("user_id", next.UserID),
		slog.Duration("latency", time.Since(start)))
	c.notify(ctx, events.Event{Kind: events.TokenRefreshed, UserID: next.UserID})
	return next.AccessToken, nil
}

// superseded reports whether the credentials were replaced by SetTokens or
// Clear since generation gen, and what the waiters of that generation get
// instead. Callers hold c.write.
func (c *Coordinator) superseded(gen uint64) (replaced bool, token string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gen == gen {
		return false, "", nil
	}
	c.phase.Store(int32(PhaseIdle))
	if c.tokens.AccessToken != "" {
		return true, c.tokens.AccessToken, nil
	}
	return true, "", &apierr.AuthExpiredError{Err: ErrSessionEnded}
}

// invalidate ends the session of generation gen. Callers arriving after the
// session is already invalidated get the original cause. No event is
// emitted when there was no session to end.
func (c *Coordinator) invalidate(ctx context.Context, gen uint64, cause error) (string, error) {
	c.write.Lock()
	if replaced, tok, err := c.superseded(gen); replaced {
		c.write.Unlock()
		return tok, err
	}
	c.mu.Lock()
	prev := c.tokens
	c.tokens = Tokens{}
	already := Phase(c.phase.Swap(int32(PhaseInvalidated))) == PhaseInvalidated
	if already && c.cause != nil {
		cause = c.cause
	} else {
		c.cause = cause
	}
	c.mu.Unlock()
	if already {
		c.write.Unlock()
		return "", &apierr.AuthExpiredError{Err: cause}
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.ErrorContext(ctx, "clear credentials", slog.Any("err", err))
	}
	c.write.Unlock()

	if !prev.Empty() {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		c.notify(ctx, events.Event{Kind: events.SessionInvalidated, UserID: prev.UserID, Reason: reason})
	}
	return "", &apierr.AuthExpiredError{Err: cause}
}

func (c *Coordinator) notify(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "session event not delivered",
			slog.String("kind", string(ev.Kind)), slog.Any("err", err))
	}
}
