package trust

import (
	"crypto/rsa"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// State is a step of the per-request verification state machine:
// RECEIVED -> VERIFYING -> VERIFIED | REJECTED. Both outcomes are terminal.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateVerifying State = "VERIFYING"
	StateVerified  State = "VERIFIED"
	StateRejected  State = "REJECTED"
)

// SignedRecord is the envelope a caller transmits: the payload, the
// identity that claims to have signed it and the base64 signature.
type SignedRecord struct {
	Identity  string  `json:"identity"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
	Codec     string  `json:"codec,omitempty"`
}

// Validate checks the envelope shape. It says nothing about authenticity.
func (r SignedRecord) Validate() error {
	if r.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	if r.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformedPayload)
	}
	return nil
}

// SignRecord canonicalizes and signs payload on behalf of kp.
func SignRecord(kp *KeyPair, payload Payload) (SignedRecord, error) {
	if kp == nil {
		return SignedRecord{}, fmt.Errorf("%w: no key pair", ErrInvalidKey)
	}
	sig, err := Sign(payload, kp.Private)
	if err != nil {
		return SignedRecord{}, err
	}
	return SignedRecord{Identity: kp.Identity, Payload: payload, Signature: sig, Codec: CodecV1}, nil
}

// VerificationResult is the outcome of checking one SignedRecord.
type VerificationResult struct {
	Valid    bool    `json:"valid"`
	Source   Source  `json:"source"`
	Identity string  `json:"identity"`
	State    State   `json:"state"`
	Payload  Payload `json:"-"`
}

// Registry maps identities to the public keys the gate trusts. It is
// immutable once built.
type Registry struct {
	keys map[string]*rsa.PublicKey
}

// NewRegistry copies entries into a new registry.
func NewRegistry(entries map[string]*rsa.PublicKey) *Registry {
	keys := make(map[string]*rsa.PublicKey, len(entries))
	for id, pub := range entries {
		if pub != nil {
			keys[id] = pub
		}
	}
	return &Registry{keys: keys}
}

// LoadRegistry reads one public key PEM per identity. Any missing or
// unparsable file aborts the load.
func LoadRegistry(paths map[string]string) (*Registry, error) {
	keys := make(map[string]*rsa.PublicKey, len(paths))
	for id, path := range paths {
		pub, err := LoadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("trusted identity %q: %w", id, err)
		}
		keys[id] = pub
	}
	log.Info().Int("identities", len(keys)).Msg("loaded trusted key registry")
	return &Registry{keys: keys}, nil
}

// Lookup returns the trusted public key of identity.
func (r *Registry) Lookup(identity string) (*rsa.PublicKey, bool) {
	if r == nil {
		return nil, false
	}
	pub, ok := r.keys[identity]
	return pub, ok
}

// Identities lists the registered identities in sorted order.
func (r *Registry) Identities() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Gate decides whether a record may proceed to inference. It only
// verifies; it never signs on anyone's behalf.
type Gate struct {
	registry *Registry
}

// NewGate builds a gate over a trusted key registry.
func NewGate(registry *Registry) *Gate {
	return &Gate{registry: registry}
}

// Registry exposes the gate's trusted identities.
func (g *Gate) Registry() *Registry {
	return g.registry
}

// VerifyRecord runs the verification state machine for one record. The
// returned error is reserved for structurally malformed envelopes; a bad
// signature, unknown identity or unsupported codec is a REJECTED result.
// Rejections are final: the record is not retried.
func (g *Gate) VerifyRecord(rec SignedRecord) (VerificationResult, error) {
	res := VerificationResult{Identity: rec.Identity, Payload: rec.Payload, State: StateReceived}
	if err := rec.Validate(); err != nil {
		res.State = StateRejected
		res.Source = SourceUntrusted
		return res, err
	}

	res.State = StateVerifying
	valid := false
	switch pub, known := g.registry.Lookup(rec.Identity); {
	case rec.Codec != "" && rec.Codec != CodecV1:
		log.Warn().Str("identity", rec.Identity).Str("codec", rec.Codec).Msg("unsupported payload codec")
	case !known:
		log.Warn().Str("identity", rec.Identity).Msg("unknown identity")
	default:
		valid = Verify(rec.Payload, rec.Signature, pub)
	}

	res.Valid = valid
	res.Source = ClassifySource(valid)
	if valid {
		res.State = StateVerified
		log.Debug().Str("identity", rec.Identity).Msg("signature verified")
	} else {
		res.State = StateRejected
		log.Warn().Str("identity", rec.Identity).Str("source", string(res.Source)).Msg("verification failed")
	}
	return res, nil
}
