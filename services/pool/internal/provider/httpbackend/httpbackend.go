// Package httpbackend talks to an automation service over HTTP. The service
// drives the platform's own login and password-change flows; this side only
// knows the two-call contract.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrChangeRejected = errors.New("provider rejected password change")

type Config struct {
	Platform      string
	BaseURL       string
	APIToken      string
	RatePerMinute float64
	Burst         int
	Timeout       time.Duration
}

type Client struct {
	platform string
	baseURL  string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
}

func New(cfg Config) *Client {
	perMin := cfg.RatePerMinute
	if perMin <= 0 {
		perMin = 6
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		platform: cfg.Platform,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.APIToken,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(perMin/60), burst),
	}
}

type changeRequest struct {
	Username    string `json:"username"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type changeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type verifyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyResponse struct {
	OK bool `json:"ok"`
}

func (c *Client) ChangePassword(ctx context.Context, username, oldSecret, newSecret string) error {
	var out changeResponse
	if err := c.post(ctx, "change-password", changeRequest{username, oldSecret, newSecret}, &out); err != nil {
		return err
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrChangeRejected, out.Error)
	}
	return nil
}

func (c *Client) VerifyLogin(ctx context.Context, username, secret string) (bool, error) {
	var out verifyResponse
	if err := c.post(ctx, "verify-login", verifyRequest{username, secret}, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) post(ctx context.Context, op string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: rate limit: %w", c.platform, op, err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, c.platform, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The request URL carries no secrets; the body is never echoed.
		return fmt.Errorf("%s %s: %w", c.platform, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: upstream status %d", c.platform, op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.platform, op, err)
	}
	return nil
}
