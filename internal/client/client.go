// Package client assembles the API client runtime from configuration: the
// schema store and operation registry, the dispatcher, the authenticated
// request pipeline and the token lifecycle coordinator.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/estatectl/internal/apierr"
	"github.com/mark3labs/estatectl/internal/auth"
	"github.com/mark3labs/estatectl/internal/auth/redisstore"
	"github.com/mark3labs/estatectl/internal/auth/sqlstore"
	"github.com/mark3labs/estatectl/internal/config"
	"github.com/mark3labs/estatectl/internal/dispatch"
	"github.com/mark3labs/estatectl/internal/events"
	"github.com/mark3labs/estatectl/internal/registry"
	"github.com/mark3labs/estatectl/internal/spec"
	"github.com/mark3labs/estatectl/internal/transport"
)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	kv         auth.KV
	notifiers  []events.Notifier
	specData   []byte
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHTTPClient replaces the physical client used for API calls and for
// the credential refresh.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithKV overrides the configured token backend.
func WithKV(kv auth.KV) Option { return func(o *options) { o.kv = kv } }

// WithNotifier adds a session event listener.
func WithNotifier(n events.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// WithSpecData reads the service description from memory instead of
// api.spec_url.
func WithSpecData(data []byte) Option { return func(o *options) { o.specData = data } }

// Client is the entry point frontend code calls through.
type Client struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *spec.Store
	registry   *registry.Registry
	coord      *auth.Coordinator
	breaker    *transport.BreakerDoer
	dispatcher *dispatch.Dispatcher
	closers    []io.Closer
}

// New wires a Client and loads persisted credentials. The service
// description is not fetched until Initialize.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: nil config")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	c := &Client{cfg: cfg, logger: o.logger, registry: registry.New()}

	kv := o.kv
	if kv == nil {
		var err error
		if kv, err = OpenKV(cfg.Tokens); err != nil {
			return nil, err
		}
	}

	notifier := events.Multi{events.LogNotifier{Logger: o.logger}}
	notifier = append(notifier, o.notifiers...)
	if cfg.Events.AMQPURL != "" {
		amqp, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		notifier = append(notifier, amqp)
		c.closers = append(c.closers, amqp)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(cfg.API.Timeout)
	}
	refresher := &auth.HTTPRefresher{Client: httpClient, URL: cfg.RefreshURL()}
	c.coord = auth.NewCoordinator(
		auth.NewTokenStore(kv, cfg.Tokens.Prefix),
		refresher,
		auth.WithNotifier(notifier),
		auth.WithLogger(o.logger),
		auth.WithRefreshTimeout(cfg.API.RefreshTimeout),
	)
	if err := c.coord.Init(ctx); err != nil {
		_ = kv.Close()
		_ = c.closeAll()
		return nil, fmt.Errorf("load session: %w", err)
	}

	var physical transport.Doer = httpClient
	if cfg.Breaker.Enabled {
		c.breaker = transport.NewBreakerDoer(httpClient, transport.BreakerSettings{
			Name:                "api",
			MaxRequests:         cfg.Breaker.MaxRequests,
			Interval:            cfg.Breaker.Interval,
			Timeout:             cfg.Breaker.Timeout,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		}, o.logger)
		physical = c.breaker
	}
	pipeline := transport.NewPipeline(physical, c.coord, transport.WithLogger(o.logger))
	c.dispatcher = dispatch.New(pipeline, cfg.API.BaseURL,
		dispatch.WithLogger(o.logger),
		dispatch.WithUserAgent(cfg.API.UserAgent))

	specOpts := []spec.Option{
		spec.WithLogger(o.logger),
		spec.WithSkipTags(cfg.API.SkipTags...),
		spec.WithHTTPClient(httpClient),
	}
	if o.specData != nil {
		c.store = spec.NewDataStore(o.specData, specOpts...)
	} else {
		c.store = spec.NewStore(cfg.SpecSource(), specOpts...)
	}
	return c, nil
}

// OpenKV opens the token backend selected by cfg.Backend.
func OpenKV(cfg config.Tokens) (auth.KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return auth.NewMemoryKV(), nil
	case "file":
		return auth.NewFileKV(cfg.File), nil
	case "redis":
		return redisstore.Open(cfg.Redis.URL, cfg.Redis.TTL,
			redisstore.WithMaxRetries(cfg.Redis.MaxRetries),
			redisstore.WithDialTimeout(cfg.Redis.DialTimeout),
			redisstore.WithReadTimeout(cfg.Redis.ReadTimeout))
	case "sql":
		return sqlstore.Open(cfg.SQL.Driver, cfg.SQL.DSN,
			sqlstore.WithMaxOpenConns(cfg.SQL.MaxOpenConns),
			sqlstore.WithMaxIdleConns(cfg.SQL.MaxIdleConns),
			sqlstore.WithConnMaxIdleTime(cfg.SQL.ConnMaxIdleTime))
	}
	return nil, fmt.Errorf("unknown token backend %q", cfg.Backend)
}

// Initialize loads the service description once and registers its
// operations.
func (c *Client) Initialize(ctx context.Context) error {
	schema, err := c.store.Initialize(ctx)
	if err != nil {
		return err
	}
	if c.registry.Schema() == schema {
		return nil
	}
	return c.registry.Register(schema)
}

// Reload re-reads the service description and swaps the dispatch table.
func (c *Client) Reload(ctx context.Context) error {
	schema, err := c.store.Reload(ctx)
	if err != nil {
		return err
	}
	return c.registry.Register(schema)
}

func (c *Client) Initialized() bool { return c.registry.Schema() != nil }

func (c *Client) Registry() *registry.Registry { return c.registry }

func (c *Client) Config() *config.Config { return c.cfg }

// Operation looks up a registered operation.
func (c *Client) Operation(id string) (*spec.Operation, error) {
	if !c.Initialized() {
		return nil, apierr.ErrNotInitialized
	}
	op, ok := c.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apierr.ErrUnknownOperation, id)
	}
	return op, nil
}

// Invoke calls the operation registered under id.
func (c *Client) Invoke(ctx context.Context, id string, params dispatch.Params, body any, opts ...dispatch.CallOption) (*dispatch.Response, error) {
	op, err := c.Operation(id)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Invoke(ctx, op, params, body, c.callOptions(opts)...)
}

// Call issues an ad-hoc request. It works before Initialize.
func (c *Client) Call(ctx context.Context, method, path string, params dispatch.Params, body any, opts ...dispatch.CallOption) (*dispatch.Response, error) {
	return c.dispatcher.CallEndpoint(ctx, method, path, params, body, c.callOptions(opts)...)
}

// Upload sends form to target, an operation id or a path. Paths are
// POSTed.
func (c *Client) Upload(ctx context.Context, target string, form *dispatch.Multipart, params dispatch.Params, opts ...dispatch.CallOption) (*dispatch.Response, error) {
	if form == nil {
		form = dispatch.NewMultipart()
	}
	if isPath(target) {
		return c.Call(ctx, http.MethodPost, target, params, form, opts...)
	}
	return c.Invoke(ctx, target, params, form, opts...)
}

func (c *Client) callOptions(opts []dispatch.CallOption) []dispatch.CallOption {
	if !c.cfg.API.StrictPath {
		return opts
	}
	return append([]dispatch.CallOption{dispatch.WithStrictPath()}, opts...)
}

func isPath(target string) bool {
	return strings.HasPrefix(target, "/") || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// Login stores credentials obtained from an external login flow.
func (c *Client) Login(ctx context.Context, t auth.Tokens) error {
	return c.coord.SetTokens(ctx, t)
}

// Logout clears the stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	return c.coord.Clear(ctx)
}

func (c *Client) Session() auth.Tokens { return c.coord.Tokens() }

func (c *Client) Phase() auth.Phase { return c.coord.Phase() }

// BreakerState reports the circuit breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Close releases the token backend and event publishers.
func (c *Client) Close(ctx context.Context) error {
	return errors.Join(c.coord.Close(ctx), c.closeAll())
}

func (c *Client) closeAll() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}
