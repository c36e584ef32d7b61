// Package api is the TUI's client for the daemon status server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"chainwatch/internal/status"
)

const requestTimeout = 5 * time.Second

type Client struct {
	base string
	http *http.Client
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) BaseURL() string { return c.base }

// get decodes the JSON body of path into out. Status codes other than 200
// are errors unless listed in accept.
func get[T any](c *Client, path string, accept ...int) (*T, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && !slices.Contains(accept, resp.StatusCode) {
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	out := new(T)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return out, nil
}

// GetHealth accepts 503, which a daemon still waiting for its registry
// returns with a normal body.
func (c *Client) GetHealth() (*HealthResponse, error) {
	return get[HealthResponse](c, "/healthz", http.StatusServiceUnavailable)
}

// GetStats never returns nil stats. When the daemon is unreachable the
// result is marked unknown and carries the error as its reason.
func (c *Client) GetStats() (*status.StatsResponse, error) {
	s, err := get[status.StatsResponse](c, "/api/stats")
	if err != nil {
		return &status.StatsResponse{HealthStatus: "unknown", StatusReason: err.Error()}, err
	}
	return s, nil
}

// GetAlerts returns up to limit alerts, newest first.
func (c *Client) GetAlerts(limit int) (*status.AlertsResponse, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return get[status.AlertsResponse](c, "/api/alerts?"+q.Encode())
}

// FormatUptime renders seconds as "1h 2m 3s", dropping leading zero units.
func FormatUptime(seconds int) string {
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
