package ml

import (
	"errors"

	"sentinel-ids/internal/trust"
)

// Sentinel errors of the inference dispatcher. Wrap with fmt.Errorf and
// test with errors.Is.
var (
	ErrArtifactMissing   = errors.New("artifact missing")
	ErrArtifactMismatch  = errors.New("artifact version mismatch")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrUnknownModel      = errors.New("unknown model")
	ErrFeatureCount      = errors.New("feature count error")
	ErrCorruptModel      = errors.New("corrupt model")

	// ErrMalformedPayload is shared with the trust gate so callers match a
	// single sentinel whichever stage rejected the payload.
	ErrMalformedPayload = trust.ErrMalformedPayload
)
