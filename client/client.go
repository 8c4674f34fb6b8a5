// Package client queries a running FleetGuard instance over HTTP.
package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"FleetGuard/internal/api"
	"FleetGuard/internal/control"
	"FleetGuard/internal/round"
)

// Client connects to a FleetGuard query server via HTTP.
type Client struct {
	baseURL string       // baseURL is the server root, e.g. "http://127.0.0.1:8080"
	http    *http.Client // http performs the requests
}

// NewClient creates a client for the server at addr ("host:port" or a URL)
// and checks that it is healthy.
func NewClient(addr string) (*Client, error) {
	base := addr
	if u, err := url.Parse(addr); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + addr
	}

	c := &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if err := c.Health(); err != nil {
		return nil, fmt.Errorf("health check:\n%w", err)
	}

	return c, nil
}

// Health checks that the server answers.
func (c *Client) Health() error {
	var resp map[string]string

	if err := httpGet(c.http, c.baseURL+"/health", &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unexpected health status %q", resp["status"])
	}

	return nil
}

// Status returns the run summary.
func (c *Client) Status() (round.Status, error) {
	var st round.Status
	err := httpGet(c.http, c.baseURL+"/status", &st)

	return st, err
}

// Consensus returns the current consensus vector and its digest.
func (c *Client) Consensus() (api.ConsensusResponse, error) {
	var resp api.ConsensusResponse
	err := httpGet(c.http, c.baseURL+"/consensus", &resp)

	return resp, err
}

// Trust returns the trust ledger.
func (c *Client) Trust() ([]float64, error) {
	var resp map[string][]float64
	if err := httpGet(c.http, c.baseURL+"/trust", &resp); err != nil {
		return nil, err
	}

	return resp["trust"], nil
}

// Agent returns the state of one agent. Unknown ids yield ErrNotFound.
func (c *Client) Agent(id int) (control.State, error) {
	var st control.State
	err := httpGet(c.http, c.baseURL+"/agents/"+strconv.Itoa(id), &st)

	return st, err
}

// Agents returns every agent state.
func (c *Client) Agents() ([]control.State, error) {
	var states []control.State
	err := httpGet(c.http, c.baseURL+"/agents", &states)

	return states, err
}

// Rounds returns run totals and up to limit round records starting at from.
// A zero from returns the newest records; a zero limit uses the server default.
func (c *Client) Rounds(from uint64, limit int) (api.RoundsResponse, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	u := c.baseURL + "/rounds"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var resp api.RoundsResponse
	err := httpGet(c.http, u, &resp)

	return resp, err
}
