package ota

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

	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/config"
	"github.com/cyavt/server-bot-ai/internal/observability"
	"github.com/cyavt/server-bot-ai/internal/resilience"
)

// WebSocketInfo is the connection endpoint returned by the bootstrap
// server.
type WebSocketInfo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Response is the bootstrap discovery reply. Only the websocket section
// is required; firmware fields are ignored.
type Response struct {
	Websocket WebSocketInfo `json:"websocket"`
}

type application struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type board struct {
	Type string `json:"type"`
	MAC  string `json:"mac"`
}

type discoveryRequest struct {
	Version     int         `json:"version"`
	UUID        string      `json:"uuid"`
	Application application `json:"application"`
	Board       board       `json:"board"`
	MACAddress  string      `json:"mac_address"`
}

// Client performs out-of-band bootstrap discovery: it asks the HTTP
// endpoint where the control channel lives and with which token.
// Requests run behind a retry policy and a circuit breaker so a flapping
// bootstrap endpoint does not get hammered.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     zerolog.Logger
	breaker    *resilience.CircuitBreaker
}

// NewClient creates a bootstrap client for the configured endpoint.
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		breaker: resilience.NewCircuitBreaker(
			"ota",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Discover fetches the control-channel endpoint and token. Transient
// failures are retried with exponential backoff inside the breaker.
func (c *Client) Discover(ctx context.Context) (*Response, error) {
	var resp *Response

	err := c.breaker.Call(func() error {
		return resilience.Retry(func() error {
			r, err := c.doRequest(ctx)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}, resilience.IsRetryable)
	})
	observability.UpdateCircuitBreakerState("ota", int(c.breaker.GetState()))
	if err != nil {
		return nil, fmt.Errorf("bootstrap discovery failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context) (*Response, error) {
	body, err := json.Marshal(discoveryRequest{
		Version: 0,
		Application: application{
			Name:    c.cfg.DeviceName,
			Version: "1.0.0",
		},
		Board: board{
			Type: c.cfg.DeviceName,
			MAC:  c.cfg.DeviceMAC,
		},
		MACAddress: c.cfg.DeviceMAC,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OTAURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", c.cfg.DeviceID)
	req.Header.Set("Client-Id", c.cfg.ClientID)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("discovery request failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		err := fmt.Errorf("discovery endpoint returned %s", res.Status)
		if res.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read discovery response: %w", err))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse discovery response: %w", err)
	}
	if out.Websocket.URL == "" {
		return nil, fmt.Errorf("discovery response is missing the websocket endpoint")
	}

	c.logger.Info().Str("ws_url", out.Websocket.URL).Msg("Bootstrap discovery succeeded")
	return &out, nil
}

// BuildConnURL turns the discovery reply into the final connection URL:
// the token is normalized to a Bearer authorization parameter and the
// device and client identity are appended.
func (c *Client) BuildConnURL(resp *Response) (string, error) {
	u, err := url.Parse(resp.Websocket.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL %q: %w", resp.Websocket.URL, err)
	}

	q := u.Query()
	token := resp.Websocket.Token
	if token == "" {
		token = c.cfg.Token
	}
	if token != "" {
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		q.Set("authorization", token)
	}
	q.Set("device-id", c.cfg.DeviceID)
	q.Set("client-id", c.cfg.ClientID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
