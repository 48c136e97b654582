package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned by Client when the daemon answers 404.
var ErrNotFound = errors.New("not found")

// UserHeader carries the operator name recorded on operations.
const UserHeader = "X-Accession-User"

// Client calls the daemon HTTP API.
type Client struct {
	baseURL string
	token   string
	user    string
	http    *http.Client
}

// NewClient builds a client for the daemon listening on bind (host:port or
// a full URL).
func NewClient(bind, token, user string) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(token),
		user:    strings.TrimSpace(user),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health reports whether the daemon answers its unauthenticated health
// endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon health returned %d", resp.StatusCode)
	}
	return nil
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deposits lists deposits, optionally filtered by state.
func (c *Client) Deposits(ctx context.Context, states ...string) ([]Deposit, error) {
	path := "/api/deposits"
	if len(states) > 0 {
		query := url.Values{}
		for _, s := range states {
			query.Add("state", s)
		}
		path += "?" + query.Encode()
	}
	var resp DepositListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deposits, nil
}

// Deposit fetches one deposit with its jobs.
func (c *Client) Deposit(ctx context.Context, id string) (*Deposit, error) {
	var resp DepositResponse
	if err := c.do(ctx, http.MethodGet, "/api/deposits/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Deposit, nil
}

// Register submits a new deposit.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AcceptedResponse, error) {
	var resp AcceptedResponse
	if err := c.do(ctx, http.MethodPost, "/api/deposits", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DepositAction requests pause, resume, cancel or destroy.
func (c *Client) DepositAction(ctx context.Context, id, action string) (*AcceptedResponse, error) {
	var resp AcceptedResponse
	path := "/api/deposits/" + url.PathEscape(id) + "/" + url.PathEscape(strings.ToLower(action))
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PipelineAction requests quiet, unquiet or stop.
func (c *Client) PipelineAction(ctx context.Context, action string) (*AcceptedResponse, error) {
	var resp AcceptedResponse
	if err := c.do(ctx, http.MethodPost, "/api/pipeline/"+url.PathEscape(strings.ToLower(action)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		msg := strings.TrimSpace(apiErr.Error)
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
