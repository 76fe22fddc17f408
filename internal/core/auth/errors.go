package auth

import "errors"

// Authentication errors. The collector maps ErrMissingKey and ErrInvalidKey
// to UNAUTHENTICATED and signature failures to PERMISSION_DENIED.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key metadata")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrMissingSignature = errors.New("request signature required in x-signature metadata")
	ErrInvalidSignature = errors.New("request signature does not match payload")
	ErrShortSecret      = errors.New("signing secret must be at least 32 bytes")
)
