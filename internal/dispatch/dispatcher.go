// Package dispatch turns an operation descriptor and a bag of parameters
// into an HTTP request and hands it to the request pipeline.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mark3labs/estatectl/internal/apierr"
	"github.com/mark3labs/estatectl/internal/spec"
	"github.com/mark3labs/estatectl/internal/transport"
)

var dispatchable = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithUserAgent(ua string) Option {
	return func(d *Dispatcher) { d.userAgent = ua }
}

type Dispatcher struct {
	doer      transport.Doer
	baseURL   string
	userAgent string
	logger    *slog.Logger
}

// New returns a Dispatcher sending through doer, normally a
// *transport.Pipeline. Paths are resolved against baseURL.
func New(doer transport.Doer, baseURL string, opts ...Option) *Dispatcher {
	d := &Dispatcher{doer: doer, baseURL: baseURL, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) BaseURL() string { return d.baseURL }

// Invoke calls a described operation. Declared parameters go where the
// description puts them; undeclared ones fill a matching {placeholder} or
// become query parameters.
func (d *Dispatcher) Invoke(ctx context.Context, op *spec.Operation, params Params, body any, opts ...CallOption) (*Response, error) {
	if op == nil {
		return nil, apierr.ErrUnknownOperation
	}
	return d.call(ctx, op, op.Method, op.Path, params, body, opts)
}

// CallEndpoint calls an arbitrary path. Parameters fill matching
// {placeholders}; the rest become query parameters.
func (d *Dispatcher) CallEndpoint(ctx context.Context, method, path string, params Params, body any, opts ...CallOption) (*Response, error) {
	return d.call(ctx, nil, method, path, params, body, opts)
}

func (d *Dispatcher) call(ctx context.Context, op *spec.Operation, method, path string, params Params, body any, opts []CallOption) (*Response, error) {
	cfg := &callConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if !dispatchable[method] {
		e := &apierr.UnsupportedMethodError{Method: method}
		if op != nil {
			e.OperationID = op.ID
		}
		return nil, e
	}

	target, err := d.resolve(op, path, params, cfg)
	if err != nil {
		return nil, err
	}

	var tracker *progressTracker
	var payload []byte
	var stream io.Reader
	contentType := ""
	if method != http.MethodGet && body != nil {
		payload, stream, contentType, err = encodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.url, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case len(payload) > 0:
		if cfg.progress != nil {
			tracker = newProgressTracker(cfg.progress, int64(len(payload)))
		}
		req.Body, req.GetBody = replayableBody(payload, tracker)
		req.ContentLength = int64(len(payload))
	case stream != nil:
		req.Body = io.NopCloser(stream)
		req.ContentLength = -1
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	for k, vs := range target.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range cfg.header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range target.cookies {
		req.AddCookie(c)
	}

	if op != nil {
		d.logger.DebugContext(ctx, "invoke operation",
			slog.String("operation", op.ID), slog.String("method", method), slog.String("url", req.URL.Path))
	}
	resp, err := d.doer.Do(req)
	if err != nil {
		return nil, err
	}
	if tracker != nil {
		tracker.finish()
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header}
	if cfg.stream {
		out.Stream = resp.Body
		return out, nil
	}
	defer resp.Body.Close()
	out.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.NetworkError{Method: method, URL: req.URL.Redacted(), Err: err}
	}
	return out, nil
}

type target struct {
	url     string
	header  http.Header
	cookies []*http.Cookie
}

// resolve substitutes path parameters and routes the rest to query,
// header or cookie.
func (d *Dispatcher) resolve(op *spec.Operation, path string, params Params, cfg *callConfig) (*target, error) {
	t := &target{header: http.Header{}}
	query := url.Values{}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		if existing, err := url.ParseQuery(path[i+1:]); err == nil {
			query = existing
		}
		path = path[:i]
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		vals, ok := values(params[name])
		if !ok {
			continue
		}
		in := ""
		if op != nil {
			if p, declared := op.Param(name); declared {
				in = p.In
			}
		}
		if in == "" {
			if strings.Contains(path, "{"+name+"}") {
				in = spec.InPath
			} else {
				in = spec.InQuery
			}
		}
		switch in {
		case spec.InPath:
			escaped := make([]string, len(vals))
			for i, v := range vals {
				escaped[i] = url.PathEscape(v)
			}
			path = strings.ReplaceAll(path, "{"+name+"}", strings.Join(escaped, ","))
		case spec.InHeader:
			for _, v := range vals {
				t.header.Add(name, v)
			}
		case spec.InCookie:
			for _, v := range vals {
				t.cookies = append(t.cookies, &http.Cookie{Name: name, Value: v})
			}
		default:
			query[name] = append(query[name], vals...)
		}
	}

	if cfg.strict {
		if missing := spec.Placeholders(path); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", apierr.ErrMissingPathParam, strings.Join(missing, ", "))
		}
	}
	for k, vs := range cfg.query {
		query[k] = append(query[k], vs...)
	}

	base := d.baseURL
	if cfg.baseURL != "" {
		base = cfg.baseURL
	}
	full := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		full = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	t.url = full
	return t, nil
}

// encodeBody returns either an in-memory payload (replayable) or a stream.
func encodeBody(body any) (payload []byte, stream io.Reader, contentType string, err error) {
	switch v := body.(type) {
	case *Multipart:
		payload, contentType, err = v.encode()
		return payload, nil, contentType, err
	case url.Values:
		return []byte(v.Encode()), nil, "application/x-www-form-urlencoded", nil
	case string:
		return []byte(v), nil, sniff([]byte(v), "text/plain; charset=utf-8"), nil
	case []byte:
		return v, nil, sniff(v, "application/octet-stream"), nil
	case json.RawMessage:
		return v, nil, "application/json", nil
	case io.Reader:
		return nil, v, "application/octet-stream", nil
	default:
		payload, err = json.Marshal(v)
		return payload, nil, "application/json", err
	}
}

func sniff(b []byte, fallback string) string {
	if json.Valid(b) {
		return "application/json"
	}
	return fallback
}

func replayableBody(payload []byte, tracker *progressTracker) (io.ReadCloser, func() (io.ReadCloser, error)) {
	open := func() io.ReadCloser {
		var r io.Reader = bytes.NewReader(payload)
		if tracker != nil {
			tracker.reset()
			r = &progressReader{r: r, t: tracker}
		}
		return io.NopCloser(r)
	}
	return open(), func() (io.ReadCloser, error) { return open(), nil }
}
