// Package ari is a minimal client for the PBX's REST call-control interface:
// the commands and events the bridge needs, nothing more.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds connection settings for the call-control API.
type Config struct {
	URL      string // e.g. http://asterisk:8088
	Username string
	Password string
	App      string // Stasis application name

	// ReconnectAttempts bounds event-socket redials. Default 0: fail fast.
	ReconnectAttempts int
}

// Client issues call-control commands over REST and consumes events over a
// WebSocket (see Listen).
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a call-control client with a pooled HTTP transport.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}
}

// Answer answers the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hangup deletes (hangs up) the channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/channels/"+url.PathEscape(channelID), nil, nil)
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	q := url.Values{"type": {"mixing"}}
	if err := c.do(ctx, http.MethodPost, "/ari/bridges", q, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddChannelToBridge joins the channel into the bridge's audio mix.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/ari/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// DeleteBridge destroys the bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// CreateSnoop starts a monitor channel tapping the caller's audio and returns
// the snoop channel id.
func (c *Client) CreateSnoop(ctx context.Context, channelID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	q := url.Values{"spy": {"in"}, "app": {c.cfg.App}}
	if err := c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/snoop", q, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartExternalMedia provisions an external audio endpoint streaming to
// mediaHost in the given format and returns the media channel id.
func (c *Client) StartExternalMedia(ctx context.Context, mediaHost, format string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	q := url.Values{
		"app":             {c.cfg.App},
		"external_host":   {mediaHost},
		"format":          {format},
		"encapsulation":   {"none"},
		"transport":       {"websocket"},
		"connection_type": {"client"},
		"direction":       {"both"},
	}
	if err := c.do(ctx, http.MethodPost, "/ari/channels/externalMedia", q, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Redirect sends a channel to a new dialplan endpoint, e.g. "PJSIP/agent".
// Used for blind transfers.
func (c *Client) Redirect(ctx context.Context, channelID, endpoint string) error {
	q := url.Values{"endpoint": {endpoint}}
	return c.do(ctx, http.MethodPost, "/ari/channels/"+channelID+"/redirect", q, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.cfg.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("ari request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ari %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari %s %s: decode: %w", method, path, err)
	}
	return nil
}
