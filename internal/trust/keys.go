package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sentinel-ids/internal/common"

	"github.com/rs/zerolog/log"
)

const (
	pemPrivateKey = "PRIVATE KEY"
	pemPublicKey  = "PUBLIC KEY"
)

// KeyPair holds the RSA key material of one identity. It is created once,
// by generation or loading, and is read-only afterwards.
type KeyPair struct {
	Identity string
	Private  *rsa.PrivateKey
	Public   *rsa.PublicKey
}

// KeyPaths returns the conventional PEM locations for an identity's keys.
func KeyPaths(dir, identity string) (privatePath, publicPath string) {
	return filepath.Join(dir, identity+"_private.pem"), filepath.Join(dir, identity+"_public.pem")
}

// GenerateKeyPair creates a fresh RSA key pair. A zero bit length selects
// the 2048-bit default.
func GenerateKeyPair(identity string, bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = common.DefaultKeyBits
	}
	if bits < common.MinKeyBits || bits > common.MaxKeyBits {
		return nil, fmt.Errorf("%w: bit length %d outside [%d, %d]", ErrKeyGeneration, bits, common.MinKeyBits, common.MaxKeyBits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	log.Info().Str("identity", identity).Int("bits", bits).Msg("generated RSA key pair")
	return &KeyPair{Identity: identity, Private: priv, Public: &priv.PublicKey}, nil
}

// Save writes the private key as unencrypted PKCS8 PEM (mode 0600) and the
// public key as SubjectPublicKeyInfo PEM.
func (kp *KeyPair) Save(privatePath, publicPath string) error {
	if kp == nil || kp.Private == nil {
		return fmt.Errorf("%w: no private key to save", ErrInvalidKey)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&kp.Private.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privatePath, pemPrivateKey, privDER, 0o600); err != nil {
		return err
	}
	if err := writePEM(publicPath, pemPublicKey, pubDER, 0o644); err != nil {
		return err
	}

	log.Info().
		Str("identity", kp.Identity).
		Str("private_key", privatePath).
		Str("public_key", publicPath).
		Msg("saved key pair")
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Sync()
}

// LoadKeyPair reads an identity's key pair. The public key file is
// optional: when publicPath is empty the public half is derived from the
// private key, otherwise it must exist and match.
func LoadKeyPair(identity, privatePath, publicPath string) (*KeyPair, error) {
	block, err := readPEM(privatePath, pemPrivateKey)
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidKey, privatePath, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an RSA key", ErrInvalidKey, privatePath)
	}

	kp := &KeyPair{Identity: identity, Private: priv, Public: &priv.PublicKey}
	if publicPath == "" {
		return kp, nil
	}

	pub, err := LoadPublicKey(publicPath)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("%w: %s does not match %s", ErrInvalidKey, publicPath, privatePath)
	}
	kp.Public = pub
	return kp, nil
}

// LoadPublicKey reads a SubjectPublicKeyInfo PEM file holding an RSA key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path, pemPublicKey)
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKIXPublicKey(block)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidKey, path, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an RSA public key", ErrInvalidKey, path)
	}
	return pub, nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%w: %s has no %s PEM block", ErrInvalidKey, path, blockType)
	}
	return block.Bytes, nil
}
