package auth

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func TestSigner_SignVerify(t *testing.T) {
	s, err := NewSigner(testSecret)
	if err != nil {
		t.Fatalf("NewSigner() error = %v, want nil", err)
	}
	body := []byte(`[{"event":{"type":"log"}}]`)
	sig := s.Sign(body)

	if len(sig) != 64 {
		t.Errorf("Sign() length = %d, want 64 hex chars", len(sig))
	}
	if !s.Verify(body, sig) {
		t.Error("Verify() = false for matching signature")
	}
	if s.Verify([]byte(`[]`), sig) {
		t.Error("Verify() = true for different payload")
	}
	if s.Verify(body, "zz") {
		t.Error("Verify() = true for malformed hex")
	}
}

func TestNewSigner_ShortSecret(t *testing.T) {
	if _, err := NewSigner([]byte("short")); !errors.Is(err, ErrShortSecret) {
		t.Errorf("NewSigner() error = %v, want ErrShortSecret", err)
	}
}

func TestSigner_CopiesSecret(t *testing.T) {
	secret := append([]byte(nil), testSecret...)
	s, _ := NewSigner(secret)
	want := s.Sign([]byte("x"))
	secret[0] = 0
	if got := s.Sign([]byte("x")); got != want {
		t.Error("signer affected by mutation of caller's secret")
	}
}

func TestKeyAuthenticator_Authenticate(t *testing.T) {
	a := NewKeyAuthenticator("key-one", "", "key-two")
	tests := []struct {
		key  string
		want error
	}{
		{"key-one", nil},
		{"key-two", nil},
		{"", ErrMissingKey},
		{"key-three", ErrInvalidKey},
		{"key-on", ErrInvalidKey},
	}
	for _, tt := range tests {
		if err := a.Authenticate(tt.key); !errors.Is(err, tt.want) {
			t.Errorf("Authenticate(%q) error = %v, want %v", tt.key, err, tt.want)
		}
	}
}

func TestUnaryInterceptor(t *testing.T) {
	intercept := NewKeyAuthenticator("secret-key").UnaryInterceptor()
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/gaugex.collector.v1.CollectorService/SendEvents"}

	tests := []struct {
		name     string
		ctx      context.Context
		wantCode codes.Code
	}{
		{"no metadata", context.Background(), codes.Unauthenticated},
		{"missing key", metadata.NewIncomingContext(context.Background(), metadata.Pairs("other", "x")), codes.Unauthenticated},
		{"wrong key", metadata.NewIncomingContext(context.Background(), metadata.Pairs(APIKeyMetadata, "nope")), codes.Unauthenticated},
		{"valid key", metadata.NewIncomingContext(context.Background(), metadata.Pairs(APIKeyMetadata, "secret-key")), codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := intercept(tt.ctx, nil, info, handler)
			if got := status.Code(err); got != tt.wantCode {
				t.Fatalf("code = %v, want %v (err = %v)", got, tt.wantCode, err)
			}
			if tt.wantCode == codes.OK && resp != "ok" {
				t.Errorf("resp = %v, want ok", resp)
			}
		})
	}
}

func TestKeyCredentials(t *testing.T) {
	c := NewKeyCredentials("k", true)
	md, err := c.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata() error = %v, want nil", err)
	}
	if md[APIKeyMetadata] != "k" {
		t.Errorf("metadata = %v, want x-api-key=k", md)
	}
	if !c.RequireTransportSecurity() {
		t.Error("RequireTransportSecurity() = false, want true")
	}
}

func TestSignatureFromContext(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(SignatureMetadata, "abc"))
	if got := SignatureFromContext(ctx); got != "abc" {
		t.Errorf("SignatureFromContext() = %q, want abc", got)
	}
	if got := SignatureFromContext(context.Background()); got != "" {
		t.Errorf("SignatureFromContext(empty) = %q, want empty", got)
	}
}
