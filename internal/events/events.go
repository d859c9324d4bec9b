// Package events publishes session lifecycle notifications: token refreshes,
// logins, and session invalidation after a failed refresh.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Kind string

const (
	SessionStarted     Kind = "session.started"
	SessionEnded       Kind = "session.ended"
	TokenRefreshed     Kind = "token.refreshed"
	SessionInvalidated Kind = "session.invalidated"
)

type Event struct {
	Kind   Kind      `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier receives session events. Implementations must be safe for
// concurrent use; a Notify error never changes session state.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop drops every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// LogNotifier writes events to a slog logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if ev.Kind == SessionInvalidated {
		level = slog.LevelWarn
	}
	l.Log(ctx, level, "session event",
		slog.String("kind", string(ev.Kind)),
		slog.String("user_id", ev.UserID),
		slog.String("reason", ev.Reason))
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
