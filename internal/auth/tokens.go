// Package auth owns the session credentials and coordinates their refresh.
package auth

import (
	"context"
	"fmt"
	"time"
)

// Persisted keys, stored under a configurable prefix.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUserID       = "user_id"
	KeyRole         = "role"
	KeyTokenExpiry  = "token_expiry"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUserID, KeyRole, KeyTokenExpiry}

// Tokens is the persisted part of the session.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Role         string
	Expiry       time.Time
}

func (t Tokens) Empty() bool { return t.AccessToken == "" && t.RefreshToken == "" }

// Expired reports whether the access token expiry has passed. A zero expiry
// never expires.
func (t Tokens) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// KV is the opaque key-value store credentials are persisted in.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// TokenStore maps Tokens onto a KV under a key prefix.
type TokenStore struct {
	kv     KV
	prefix string
}

func NewTokenStore(kv KV, prefix string) *TokenStore {
	return &TokenStore{kv: kv, prefix: prefix}
}

func (s *TokenStore) key(k string) string { return s.prefix + k }

func (s *TokenStore) Load(ctx context.Context) (Tokens, error) {
	vals := make(map[string]string, len(allKeys))
	for _, k := range allKeys {
		v, ok, err := s.kv.Get(ctx, s.key(k))
		if err != nil {
			return Tokens{}, fmt.Errorf("token store: get %s: %w", k, err)
		}
		if ok {
			vals[k] = v
		}
	}
	t := Tokens{
		AccessToken:  vals[KeyAccessToken],
		RefreshToken: vals[KeyRefreshToken],
		UserID:       vals[KeyUserID],
		Role:         vals[KeyRole],
	}
	if raw := vals[KeyTokenExpiry]; raw != "" {
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Tokens{}, fmt.Errorf("token store: parse %s: %w", KeyTokenExpiry, err)
		}
		t.Expiry = exp
	}
	return t, nil
}

// Save writes the non-empty fields of t and removes the empty ones.
func (s *TokenStore) Save(ctx context.Context, t Tokens) error {
	fields := map[string]string{
		KeyAccessToken:  t.AccessToken,
		KeyRefreshToken: t.RefreshToken,
		KeyUserID:       t.UserID,
		KeyRole:         t.Role,
	}
	if !t.Expiry.IsZero() {
		fields[KeyTokenExpiry] = t.Expiry.UTC().Format(time.RFC3339)
	}
	put := make(map[string]string, len(fields))
	var del []string
	for _, k := range allKeys {
		if v := fields[k]; v != "" {
			put[s.key(k)] = v
		} else {
			del = append(del, s.key(k))
		}
	}
	if err := s.kv.Put(ctx, put); err != nil {
		return fmt.Errorf("token store: put: %w", err)
	}
	if len(del) > 0 {
		if err := s.kv.Delete(ctx, del...); err != nil {
			return fmt.Errorf("token store: delete: %w", err)
		}
	}
	return nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	keys := make([]string, len(allKeys))
	for i, k := range allKeys {
		keys[i] = s.key(k)
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("token store: clear: %w", err)
	}
	return nil
}

func (s *TokenStore) Close() error { return s.kv.Close() }
