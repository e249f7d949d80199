package trust

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"sentinel-ids/internal/common"

	"github.com/rs/zerolog/log"
)

// Source is the trust classification of a verified or rejected payload.
type Source string

const (
	SourceTrusted   Source = common.SourceTrusted
	SourceUntrusted Source = common.SourceUntrusted
)

// pssOptions uses the maximal salt when signing and accepts any salt length
// when verifying.
var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// Sign returns the base64 RSA-PSS/SHA-256 signature over the canonical
// encoding of payload. Output is randomized; only verifiability is stable.
func Sign(payload Payload, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("%w: private key not loaded", ErrInvalidKey)
	}

	data, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of payload under
// pub. Every failure (undecodable signature, wrong key, altered payload,
// payload that cannot be canonicalized) yields false.
func Verify(payload Payload, signature string, pub *rsa.PublicKey) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("signature verification panicked")
			ok = false
		}
	}()

	if pub == nil || signature == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		log.Debug().Err(err).Msg("signature is not valid base64")
		return false
	}

	data, err := Canonicalize(payload)
	if err != nil {
		log.Debug().Err(err).Msg("payload cannot be canonicalized")
		return false
	}

	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOptions); err != nil {
		log.Debug().Err(err).Msg("signature verification failed")
		return false
	}
	return true
}

// ClassifySource maps a verification outcome to its trust label.
func ClassifySource(verified bool) Source {
	if verified {
		return SourceTrusted
	}
	return SourceUntrusted
}
