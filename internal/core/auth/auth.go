// Package auth provides API key credentials and HMAC request signing for the
// collector transports.
package auth

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata and header keys shared by client and collector.
const (
	APIKeyMetadata    = "x-api-key"
	SignatureMetadata = "x-signature"
)

// KeyCredentials attaches the API key to every gRPC call.
type KeyCredentials struct {
	apiKey     string
	requireTLS bool
}

var _ credentials.PerRPCCredentials = KeyCredentials{}

// NewKeyCredentials returns per-RPC credentials carrying apiKey. When
// requireTLS is set, gRPC refuses to send the key over a plaintext connection.
func NewKeyCredentials(apiKey string, requireTLS bool) KeyCredentials {
	return KeyCredentials{apiKey: apiKey, requireTLS: requireTLS}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (k KeyCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{APIKeyMetadata: k.apiKey}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (k KeyCredentials) RequireTransportSecurity() bool { return k.requireTLS }

// KeyAuthenticator validates the x-api-key metadata of incoming calls
// against a fixed set of accepted keys.
type KeyAuthenticator struct {
	keys [][]byte
}

// NewKeyAuthenticator accepts any of keys. Empty keys are ignored.
func NewKeyAuthenticator(keys ...string) *KeyAuthenticator {
	a := &KeyAuthenticator{}
	for _, k := range keys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Authenticate returns nil when apiKey is accepted.
func (a *KeyAuthenticator) Authenticate(apiKey string) error {
	if apiKey == "" {
		return ErrMissingKey
	}
	// Compare against every key so timing does not reveal which one matched.
	ok := 0
	for _, k := range a.keys {
		ok |= subtle.ConstantTimeCompare(k, []byte(apiKey))
	}
	if ok != 1 {
		return ErrInvalidKey
	}
	return nil
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
func (a *KeyAuthenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		var apiKey string
		if vals := md.Get(APIKeyMetadata); len(vals) > 0 {
			apiKey = vals[0]
		}
		if err := a.Authenticate(apiKey); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}

// SignatureFromContext returns the x-signature metadata of an incoming call.
func SignatureFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(SignatureMetadata); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
