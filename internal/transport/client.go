package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns the physical client: every exchange is traced and
// bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the counts while closed; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// BreakerDoer trips on transport failures only. Responses of any status,
// and requests cancelled by their caller, count as successes.
type BreakerDoer struct {
	next Doer
	cb   *gobreaker.CircuitBreaker[*http.Response]
}

func NewBreakerDoer(next Doer, s BreakerSettings, logger *slog.Logger) *BreakerDoer {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := s.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerDoer{next: next, cb: gobreaker.NewCircuitBreaker[*http.Response](st)}
}

func (b *BreakerDoer) Do(req *http.Request) (*http.Response, error) {
	return b.cb.Execute(func() (*http.Response, error) {
		return b.next.Do(req)
	})
}

func (b *BreakerDoer) State() gobreaker.State { return b.cb.State() }
