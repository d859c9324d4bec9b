package dispatch

import "net/http"

type callConfig struct {
	header   http.Header
	query    map[string][]string
	progress ProgressFunc
	stream   bool
	strict   bool
	baseURL  string
}

// CallOption adjusts a single call.
type CallOption func(*callConfig)

func WithHeader(key, value string) CallOption {
	return func(c *callConfig) {
		if c.header == nil {
			c.header = http.Header{}
		}
		c.header.Add(key, value)
	}
}

func WithQuery(key, value string) CallOption {
	return func(c *callConfig) {
		if c.query == nil {
			c.query = map[string][]string{}
		}
		c.query[key] = append(c.query[key], value)
	}
}

// WithProgress reports upload progress of the request body.
func WithProgress(fn ProgressFunc) CallOption {
	return func(c *callConfig) { c.progress = fn }
}

// WithStream returns the response body unread in Response.Stream.
func WithStream() CallOption {
	return func(c *callConfig) { c.stream = true }
}

// WithStrictPath fails with apierr.ErrMissingPathParam instead of sending a
// URL that still contains {placeholders}.
func WithStrictPath() CallOption {
	return func(c *callConfig) { c.strict = true }
}

// WithBaseURL overrides the dispatcher base URL for one call.
func WithBaseURL(u string) CallOption {
	return func(c *callConfig) { c.baseURL = u }
}
