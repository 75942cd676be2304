/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/spotlxght/slotrunner/internal/telemetry"
)

// ErrReleaseFailed marks a failed call to the settlement service.
var ErrReleaseFailed = errors.New("settlement release failed")

const (
	tokenIssuer   = "slotrunner"
	tokenLifetime = 5 * time.Minute
	maxErrorBody  = 512
)

// ReleaseRequest is the body posted to the release endpoint.
type ReleaseRequest struct {
	EventID    string `json:"eventId"`
	TimeslotID string `json:"timeslotId"`
	UserID     string `json:"userId"`
}

// Client posts release requests to the settlement service.
type Client struct {
	url        string
	signingKey []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a release client for url. When signingKey is non-empty
// each request carries a short-lived HS256 bearer token.
func NewClient(url, signingKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	if signingKey != "" {
		c.signingKey = []byte(signingKey)
	}
	return c
}

// Release posts req and returns the HTTP status code. Transport errors and
// non-2xx responses are reported as ErrReleaseFailed.
func (c *Client) Release(ctx context.Context, req ReleaseRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal release request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %w", ErrReleaseFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "slotrunner")

	if c.signingKey != nil {
		token, err := c.sign(req.TimeslotID)
		if err != nil {
			return 0, fmt.Errorf("%w: sign request: %w", ErrReleaseFailed, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	telemetry.SettlementRequestDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrReleaseFailed, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) sign(timeslotID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   timeslotID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
}
