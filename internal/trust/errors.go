package trust

import "errors"

// Sentinel errors for key management and payload handling. Signature
// failures are deliberately absent: Verify reports them as false.
var (
	ErrKeyGeneration    = errors.New("key generation failed")
	ErrKeyNotFound      = errors.New("key material not found")
	ErrInvalidKey       = errors.New("invalid key material")
	ErrMalformedPayload = errors.New("malformed payload")
)
