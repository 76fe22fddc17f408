// Package api provides the remote collector client. Two transports share the
// SendEvents contract: JSON over HTTP and a unary gRPC call.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/auth"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/types"
)

// Client delivers event batches to the collector. A nil error means the
// collector accepted the whole batch; any failure is a *SendError.
type Client interface {
	SendEvents(ctx context.Context, events []types.StoredEvent) error
	Close() error
}

// NewClient selects the transport from the endpoint scheme:
// http(s):// uses HTTPClient, grpc:// and grpcs:// use GRPCClient.
func NewClient(cfg *config.Config, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var signer *auth.Signer
	if cfg.FeatureEnabled(config.FeaturePayloadSigning) {
		s, err := auth.NewSigner(cfg.SigningSecret())
		if err != nil {
			return nil, fmt.Errorf("failed to create request signer: %w", err)
		}
		signer = s
	}

	u, err := url.Parse(cfg.EndpointURL())
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPClient(cfg.EndpointURL(), cfg.APIKey(), signer, cfg.Transmit(), logger), nil
	case "grpc", "grpcs":
		return NewGRPCClient(u.Host, u.Scheme == "grpcs", cfg.APIKey(), signer, cfg.Transmit(), logger)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", u.Scheme)
	}
}

// EncodeBatch renders events as the JSON array sent on the wire.
func EncodeBatch(events []types.StoredEvent) ([]byte, error) {
	wire := make([]types.WireEvent, len(events))
	for i, e := range events {
		wire[i] = e.Wire()
	}
	return json.Marshal(wire)
}

func eventsEndpoint(base string) string {
	return strings.TrimRight(base, "/") + "/events"
}
