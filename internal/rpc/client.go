package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"messagebus/internal/backoff"
	"messagebus/pkg/messaging"
)

// StatusError is a non-200 reply from an endpoint.
type StatusError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Retries is how many times a 503 or connection failure is retried
	// after the first attempt. Zero uses 3; negative disables retries.
	Retries int

	// APIKey is sent as a bearer token when set.
	APIKey string

	Backoff backoff.Policy
	Logger  *slog.Logger
}

// Client calls sync RPC endpoints, retrying what the server marks retryable.
type Client struct {
	base    string
	http    *http.Client
	retries int
	apiKey  string
	policy  backoff.Policy
	logger  *slog.Logger
}

// NewClient validates cfg and returns a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rpc client: base URL is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = 3
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "rpc-client")
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		retries: cfg.Retries,
		apiKey:  cfg.APIKey,
		policy:  cfg.Backoff,
		logger:  cfg.Logger,
	}, nil
}

// Call sends request to endpoint and decodes the response.
//
// A 503 or a connection failure is retried with capped exponential backoff.
// When retries run out the error is tagged Transient, so the caller may try
// again later. Every other failure is Fatal.
func Call[Req any, Resp any](
	ctx context.Context,
	c *Client,
	endpoint string,
	request Req,
	req messaging.Codec[Req],
	resp messaging.Codec[Resp],
) (Resp, error) {
	var zero Resp
	body, err := req.Encode(request)
	if err != nil {
		return zero, messaging.Fatal("encode request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.policy.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}

		out, retry, err := c.do(ctx, endpoint, body)
		if err == nil {
			v, err := resp.Decode(out)
			if err != nil {
				return zero, messaging.Fatal("decode response", err)
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retry {
			return zero, messaging.Fatal("rpc "+endpoint, err)
		}
		lastErr = err
		c.logger.Warn("rpc call failed, retrying",
			"endpoint", endpoint,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return zero, messaging.Transient("rpc "+endpoint, lastErr)
}

// do performs one attempt. retry reports whether the failure is worth
// another attempt.
func (c *Client) do(ctx context.Context, endpoint string, body []byte) (out []byte, retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxRequestBytes))
	if err != nil {
		return nil, true, err
	}
	if httpResp.StatusCode == http.StatusOK {
		return data, false, nil
	}

	serr := &StatusError{Endpoint: endpoint, Status: httpResp.StatusCode, Message: string(data)}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		serr.Message = eb.Error
	}
	return nil, httpResp.StatusCode == http.StatusServiceUnavailable, serr
}
