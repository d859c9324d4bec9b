package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRefresher posts the refresh token to a token endpoint with a plain
// client. It must not share the authenticated request pipeline.
type HTTPRefresher struct {
	Client *http.Client
	URL    string
	Now    func() time.Time
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Tokens{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Tokens{}, fmt.Errorf("refresh: http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Tokens{}, fmt.Errorf("refresh: decode response: %w", err)
	}
	t := Tokens{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		UserID:       out.UserID,
		Role:         out.Role,
	}
	if out.ExpiresIn > 0 {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		t.Expiry = now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return t, nil
}
