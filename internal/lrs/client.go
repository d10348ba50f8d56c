// Package lrs talks to the external Learning Record Store. The player never
// validates statement bodies; it records its own statements and the
// LaunchData / learner-preference documents it owns, and treats any non-2xx
// answer as a failure that aborts the enclosing transaction.
package lrs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zaqqye/cmi5_player_v1/internal/logger"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"
)

// Client is the LRS surface the engine depends on. Tests substitute a fake.
type Client interface {
	SaveStatement(ctx context.Context, st xapi.Statement) error
	SaveState(ctx context.Context, activityID string, agent xapi.Agent, registration, stateID string, doc any) error
}

type Config struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
}

type HTTPClient struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

func New(cfg Config, log *logger.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Endpoint returns the upstream base URL without a trailing slash.
func (c *HTTPClient) Endpoint() string { return c.cfg.Endpoint }

// Authorize sets the configured LRS credentials on an outgoing request.
func (c *HTTPClient) Authorize(req *http.Request) {
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// Do authorizes and executes a prepared upstream request; used by the proxy.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.Authorize(req)
	return c.http.Do(req)
}

func (c *HTTPClient) SaveStatement(ctx context.Context, st xapi.Statement) error {
	body, err := json.Marshal([]xapi.Statement{st})
	if err != nil {
		return fmt.Errorf("lrs: marshal statement: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/statements", nil, body); err != nil {
		return err
	}
	c.log.Debug("statement recorded", "verb", st.Verb.ID, "object", st.Object.ID)
	return nil
}

func (c *HTTPClient) SaveState(ctx context.Context, activityID string, agent xapi.Agent, registration, stateID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("lrs: marshal state document: %w", err)
	}
	agentJSON, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("lrs: marshal agent: %w", err)
	}
	q := url.Values{}
	q.Set("activityId", activityID)
	q.Set("agent", string(agentJSON))
	q.Set("registration", registration)
	q.Set("stateId", stateID)
	return c.do(ctx, http.MethodPut, "/activities/state", q, body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte) error {
	u := c.cfg.Endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lrs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Experience-API-Version", xapi.Version)
	c.Authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lrs: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lrs: %s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
