package api

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/auth"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/types"
)

// maxErrorBody bounds how much of an error response is kept in SendError.
const maxErrorBody = 4096

// HTTPClient posts JSON batches to {endpoint}/events.
type HTTPClient struct {
	url         string
	apiKey      string
	signer      *auth.Signer
	sendTimeout time.Duration
	client      *http.Client
	logger      *zap.Logger
}

// NewHTTPClient builds a client with connect, response-header and overall
// timeouts from tc. signer may be nil.
func NewHTTPClient(endpoint, apiKey string, signer *auth.Signer, tc config.TransmitConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   tc.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tc.ConnectTimeout,
		ResponseHeaderTimeout: tc.ReadTimeout,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &HTTPClient{
		url:         eventsEndpoint(endpoint),
		apiKey:      apiKey,
		signer:      signer,
		sendTimeout: tc.SendTimeout,
		client:      &http.Client{Transport: transport, Timeout: tc.SendTimeout},
		logger:      logger.Named("api.http"),
	}
}

// SendEvents posts events in one request. An empty batch is a no-op.
func (c *HTTPClient) SendEvents(ctx context.Context, events []types.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	body, err := EncodeBatch(events)
	if err != nil {
		return &SendError{Kind: KindUnknown, Message: "failed to encode batch", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Kind: KindUnknown, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	if c.signer != nil {
		req.Header.Set("X-Signature", c.signer.Sign(body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("batch accepted", zap.Int("events", len(events)), zap.Int("status", resp.StatusCode))
		return nil
	}
	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
