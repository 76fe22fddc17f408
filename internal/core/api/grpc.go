package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gaugex/gaugex/internal/core/auth"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/types"
)

// SendEventsMethod is the full name of the collector's unary ingest call.
// The request is a structpb.ListValue of wire events; the reply a structpb.Struct.
const SendEventsMethod = "/gaugex.collector.v1.CollectorService/SendEvents"

// GRPCClient sends batches over one long-lived gRPC connection.
type GRPCClient struct {
	conn        *grpc.ClientConn
	signer      *auth.Signer
	sendTimeout time.Duration
	logger      *zap.Logger
}

// NewGRPCClient creates a client for target (host:port). The connection is
// established lazily on the first call.
func NewGRPCClient(target string, useTLS bool, apiKey string, signer *auth.Signer, tc config.TransmitConfig, logger *zap.Logger) (*GRPCClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(auth.NewKeyCredentials(apiKey, useTLS)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: tc.ConnectTimeout,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             tc.ReadTimeout,
			PermitWithoutStream: false,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collector client: %w", err)
	}

	return &GRPCClient{
		conn:        conn,
		signer:      signer,
		sendTimeout: tc.SendTimeout,
		logger:      logger.Named("api.grpc"),
	}, nil
}

// SendEvents invokes SendEvents with the batch as a ListValue.
func (c *GRPCClient) SendEvents(ctx context.Context, events []types.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	req, err := EncodeListValue(events)
	if err != nil {
		return &SendError{Kind: KindUnknown, Message: "failed to encode batch", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	if c.signer != nil {
		sig, err := SignListValue(c.signer, req)
		if err != nil {
			return &SendError{Kind: KindUnknown, Message: "failed to sign batch", Err: err}
		}
		ctx = metadata.AppendToOutgoingContext(ctx, auth.SignatureMetadata, sig)
	}

	var reply structpb.Struct
	if err := c.conn.Invoke(ctx, SendEventsMethod, req, &reply); err != nil {
		return classifyGRPC(err)
	}
	c.logger.Debug("batch accepted", zap.Int("events", len(events)))
	return nil
}

// Close tears down the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// EncodeListValue converts events to the gRPC request message. Each element
// is the JSON object EncodeBatch would produce for that event.
func EncodeListValue(events []types.StoredEvent) (*structpb.ListValue, error) {
	body, err := EncodeBatch(events)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	return structpb.NewList(items)
}

// SignListValue signs the deterministic protobuf encoding of list.
func SignListValue(s *auth.Signer, list *structpb.ListValue) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(list)
	if err != nil {
		return "", err
	}
	return s.Sign(b), nil
}
