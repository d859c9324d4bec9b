// Package transport is the request pipeline every API call passes through:
// bearer injection, one refresh-and-retry on 401, and error normalization.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/estatectl/internal/apierr"
)

// Doer performs one physical HTTP exchange. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// TokenSource supplies the bearer credential and refreshes it after a 401.
// *auth.Coordinator satisfies it.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context, stale string) (string, error)
}

type PipelineOption func(*Pipeline)

func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline wraps a Doer. A nil TokenSource sends unauthenticated requests
// and never retries.
type Pipeline struct {
	next   Doer
	tokens TokenSource
	logger *slog.Logger
}

func NewPipeline(next Doer, tokens TokenSource, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{next: next, tokens: tokens, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do sends req. A 2xx response is returned unread; the caller closes it.
// Every other outcome is an error: *apierr.APIError for non-2xx statuses,
// *apierr.NetworkError when no response arrived, *apierr.AuthExpiredError
// when the credential could not be refreshed.
func (p *Pipeline) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()
	retried := false

	used := p.accessToken()
	resp, err := p.send(req, used)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && p.tokens != nil {
		unauthorized := readAPIError(resp)
		fresh, rerr := p.tokens.Refresh(ctx, used)
		if rerr != nil {
			var expired *apierr.AuthExpiredError
			if !errors.As(rerr, &expired) {
				// The caller gave up waiting for the refresh.
				rerr = &apierr.NetworkError{
					Method:  req.Method,
					URL:     redactedURL(req),
					Timeout: isTimeout(rerr),
					Err:     rerr,
				}
			}
			p.log(ctx, req, http.StatusUnauthorized, start, false, rerr)
			return nil, rerr
		}
		retry, cerr := replay(req)
		if cerr != nil {
			p.log(ctx, req, http.StatusUnauthorized, start, false, cerr)
			return nil, unauthorized
		}
		retried = true
		resp, err = p.send(retry, fresh)
	}
	if err != nil {
		p.log(ctx, req, 0, start, retried, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := readAPIError(resp)
		p.log(ctx, req, resp.StatusCode, start, retried, apiErr)
		return nil, apiErr
	}
	p.log(ctx, req, resp.StatusCode, start, retried, nil)
	return resp, nil
}

func (p *Pipeline) accessToken() string {
	if p.tokens == nil {
		return ""
	}
	return p.tokens.AccessToken()
}

func (p *Pipeline) send(req *http.Request, token string) (*http.Response, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	resp, err := p.next.Do(req)
	if err != nil {
		return nil, &apierr.NetworkError{
			Method:  req.Method,
			URL:     redactedURL(req),
			Timeout: isTimeout(err),
			Err:     err,
		}
	}
	return resp, nil
}

// replay clones req with a fresh body for the single auth retry.
func replay(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func redactedURL(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.User = nil
	return u.String()
}

const maxErrorBody = 1 << 20

func readAPIError(resp *http.Response) *apierr.APIError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return NormalizeError(resp.StatusCode, bytes.TrimSpace(raw))
}

func (p *Pipeline) log(ctx context.Context, req *http.Request, status int, start time.Time, retried bool, err error) {
	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", status),
		slog.Duration("latency", time.Since(start)),
		slog.Bool("retried", retried),
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("err", err))
	}
	p.logger.LogAttrs(ctx, level, "api call", attrs...)
}
