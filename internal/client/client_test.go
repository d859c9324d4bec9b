package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/estatectl/internal/apierr"
	"github.com/mark3labs/estatectl/internal/auth"
	"github.com/mark3labs/estatectl/internal/config"
	"github.com/mark3labs/estatectl/internal/dispatch"
	"github.com/mark3labs/estatectl/internal/events"
)

// estateServer serves the fixture description, a token endpoint and an API
// that only accepts the current access token.
type estateServer struct {
	spec []byte

	mu          sync.Mutex
	valid       string
	refreshOK   bool
	lastRequest *http.Request

	refreshes atomic.Int32
	apiHits   atomic.Int32
}

func newEstateServer(t *testing.T) (*estateServer, *httptest.Server) {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "spec", "testdata", "estate.yaml"))
	require.NoError(t, err)
	s := &estateServer{spec: raw, valid: "at-1", refreshOK: true}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *estateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/openapi.yaml":
		_, _ = w.Write(s.spec)
		return
	case "/auth/refresh":
		s.refreshes.Add(1)
		time.Sleep(20 * time.Millisecond)
		var in struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		s.mu.Lock()
		ok := s.refreshOK && in.RefreshToken == "rt-1"
		if ok {
			s.valid = "at-2"
		}
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"refresh token revoked"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-2","expires_in":3600}`))
		return
	}

	s.apiHits.Add(1)
	s.mu.Lock()
	valid := s.valid
	s.lastRequest = r.Clone(context.Background())
	s.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"token expired"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, f)
		_ = json.NewEncoder(w).Encode(map[string]any{"filename": hdr.Filename, "size": n})
		return
	}
	_, _ = w.Write([]byte(`{"items":[{"id":42}],"total":1,"limit":10,"offset":0}`))
}

func (s *estateServer) last() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recorder) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, ev.Kind)
	r.mu.Unlock()
	return nil
}

func (r *recorder) seen() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		API: config.API{
			BaseURL:        baseURL,
			SpecURL:        baseURL + "/openapi.yaml",
			RefreshPath:    "/auth/refresh",
			Timeout:        5 * time.Second,
			RefreshTimeout: 5 * time.Second,
			UserAgent:      "estatectl-test",
		},
		Tokens: config.Tokens{Backend: "memory", Prefix: "estate:"},
	}
}

func newClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func login(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Login(context.Background(), auth.Tokens{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		UserID:       gofakeit.UUID(),
		Role:         "agent",
	}))
}

func TestClient_InvokeBeforeInitialize(t *testing.T) {
	t.Parallel()
	_, srv := newEstateServer(t)
	c := newClient(t, testConfig(srv.URL))
	login(t, c)

	_, err := c.Invoke(context.Background(), "listProperties", nil, nil)
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)
	assert.False(t, c.Initialized())

	resp, err := c.Call(context.Background(), http.MethodGet, "/properties", dispatch.Params{"limit": 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestClient_InvokeRegisteredOperation(t *testing.T) {
	t.Parallel()
	api, srv := newEstateServer(t)
	c := newClient(t, testConfig(srv.URL))
	login(t, c)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.Initialize(ctx))
	assert.True(t, c.Initialized())
	assert.Equal(t, 7, c.Registry().Len())

	resp, err := c.Invoke(ctx, "listProperties", dispatch.Params{"limit": 10}, nil)
	require.NoError(t, err)
	page, err := resp.Page()
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Len(t, page.Items, 1)

	last := api.last()
	require.NotNil(t, last)
	assert.Equal(t, "/properties", last.URL.Path)
	assert.Equal(t, "limit=10", last.URL.RawQuery)
	assert.Equal(t, "Bearer at-1", last.Header.Get("Authorization"))
	assert.Equal(t, "estatectl-test", last.Header.Get("User-Agent"))

	_, err = c.Invoke(ctx, "getProperty", dispatch.Params{"property_id": 42, "X-Agency": "north"}, nil)
	require.NoError(t, err)
	last = api.last()
	assert.Equal(t, "/properties/42", last.URL.Path)
	assert.Equal(t, "north", last.Header.Get("X-Agency"))
}

func TestClient_UnknownOperation(t *testing.T) {
	t.Parallel()
	_, srv := newEstateServer(t)
	c := newClient(t, testConfig(srv.URL))
	require.NoError(t, c.Initialize(context.Background()))

	_, err := c.Invoke(context.Background(), "listUnicorns", nil, nil)
	assert.ErrorIs(t, err, apierr.ErrUnknownOperation)
	assert.Contains(t, err.Error(), "listUnicorns")
}

func TestClient_SpecUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newClient(t, testConfig(srv.URL))

	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, apierr.ErrSpecFetch)
	assert.False(t, c.Initialized())
}

func TestClient_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	t.Parallel()
	api, srv := newEstateServer(t)
	rec := &recorder{}
	c := newClient(t, testConfig(srv.URL), WithNotifier(rec))
	login(t, c)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	// The server moves on to a token the client has not seen yet.
	api.mu.Lock()
	api.valid = "at-2"
	api.mu.Unlock()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Invoke(ctx, "listProperties", nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), api.refreshes.Load())
	assert.Equal(t, "at-2", c.Session().AccessToken)
	assert.Equal(t, "rt-1", c.Session().RefreshToken)
	assert.Equal(t, auth.PhaseIdle, c.Phase())
	assert.Contains(t, rec.seen(), events.TokenRefreshed)
}

func TestClient_RefreshFailureEndsSession(t *testing.T) {
	t.Parallel()
	api, srv := newEstateServer(t)
	rec := &recorder{}
	c := newClient(t, testConfig(srv.URL), WithNotifier(rec))
	login(t, c)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	api.mu.Lock()
	api.valid = "at-9"
	api.refreshOK = false
	api.mu.Unlock()

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Invoke(ctx, "listLeads", nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		var expired *apierr.AuthExpiredError
		assert.True(t, errors.As(err, &expired), "got %v", err)
	}
	assert.Equal(t, int32(1), api.refreshes.Load())
	assert.True(t, c.Session().Empty())
	assert.Equal(t, auth.PhaseInvalidated, c.Phase())

	invalidated := 0
	for _, k := range rec.seen() {
		if k == events.SessionInvalidated {
			invalidated++
		}
	}
	assert.Equal(t, 1, invalidated)
}

func TestClient_UploadByOperationAndPath(t *testing.T) {
	t.Parallel()
	api, srv := newEstateServer(t)
	c := newClient(t, testConfig(srv.URL))
	login(t, c)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	content := strings.Repeat("x", 64*1024)
	var last atomic.Int32
	form := dispatch.NewMultipart().
		AddField("caption", "front").
		AddFile("file", "front.jpg", strings.NewReader(content))
	resp, err := c.Upload(ctx, "post_properties_property_id_photos", form,
		dispatch.Params{"property_id": 7},
		dispatch.WithProgress(func(p int) { last.Store(int32(p)) }))
	require.NoError(t, err)
	assert.Equal(t, int32(100), last.Load())
	assert.Equal(t, "/properties/7/photos", api.last().URL.Path)

	var out struct {
		Filename string `json:"filename"`
		Size     int    `json:"size"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "front.jpg", out.Filename)
	assert.Equal(t, len(content), out.Size)

	form = dispatch.NewMultipart().AddFile("file", "plan.pdf", strings.NewReader("%PDF"))
	_, err = c.Upload(ctx, "/properties/8/photos", form, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, api.last().Method)
	assert.Equal(t, "/properties/8/photos", api.last().URL.Path)
}

func TestClient_StrictPath(t *testing.T) {
	t.Parallel()
	api, srv := newEstateServer(t)
	cfg := testConfig(srv.URL)
	cfg.API.StrictPath = true
	c := newClient(t, cfg)
	login(t, c)
	require.NoError(t, c.Initialize(context.Background()))

	before := api.apiHits.Load()
	_, err := c.Invoke(context.Background(), "getProperty", nil, nil)
	assert.ErrorIs(t, err, apierr.ErrMissingPathParam)
	assert.Equal(t, before, api.apiHits.Load())
}

func TestClient_SkipTags(t *testing.T) {
	t.Parallel()
	_, srv := newEstateServer(t)
	cfg := testConfig(srv.URL)
	cfg.API.SkipTags = []string{"admin"}
	c := newClient(t, cfg)
	require.NoError(t, c.Initialize(context.Background()))

	_, err := c.Operation("deleteProperty")
	assert.ErrorIs(t, err, apierr.ErrUnknownOperation)
	_, err = c.Operation("getProperty")
	assert.NoError(t, err)
}

func TestClient_SpecData(t *testing.T) {
	t.Parallel()
	raw, err := os.ReadFile(filepath.Join("..", "spec", "testdata", "estate.yaml"))
	require.NoError(t, err)
	cfg := testConfig("http://127.0.0.1:1")
	c := newClient(t, cfg, WithSpecData(raw))
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, []string{"default", "properties", "admin", "media"}, c.Registry().Tags())
}

func TestClient_LogoutClearsBackend(t *testing.T) {
	t.Parallel()
	_, srv := newEstateServer(t)
	kv := auth.NewMemoryKV()
	c := newClient(t, testConfig(srv.URL), WithKV(kv))
	login(t, c)

	v, ok, err := kv.Get(context.Background(), "estate:access_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "at-1", v)

	require.NoError(t, c.Logout(context.Background()))
	_, ok, err = kv.Get(context.Background(), "estate:access_token")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, c.Session().Empty())
}

func TestClient_BreakerState(t *testing.T) {
	t.Parallel()
	_, srv := newEstateServer(t)
	cfg := testConfig(srv.URL)
	c := newClient(t, cfg)
	assert.Equal(t, "disabled", c.BreakerState())

	cfg = testConfig(srv.URL)
	cfg.Breaker = config.Breaker{Enabled: true, ConsecutiveFailures: 3, Timeout: time.Second}
	c = newClient(t, cfg)
	assert.Equal(t, "closed", c.BreakerState())
}

func TestOpenKV(t *testing.T) {
	t.Parallel()
	kv, err := OpenKV(config.Tokens{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &auth.MemoryKV{}, kv)

	path := filepath.Join(t.TempDir(), "tokens.yaml")
	kv, err = OpenKV(config.Tokens{Backend: "file", File: path})
	require.NoError(t, err)
	require.IsType(t, &auth.FileKV{}, kv)
	assert.Equal(t, path, kv.(*auth.FileKV).Path())

	_, err = OpenKV(config.Tokens{Backend: "etcd"})
	assert.Error(t, err)
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}
