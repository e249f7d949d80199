package trust

import (
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyCacheMu sync.Mutex
	keyCache   = map[string]*KeyPair{}
)

// testKeyPair returns a 2048-bit key pair shared across tests of this package.
func testKeyPair(t *testing.T, identity string) *KeyPair {
	t.Helper()
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()

	if kp, ok := keyCache[identity]; ok {
		return kp
	}
	kp, err := GenerateKeyPair(identity, 0)
	require.NoError(t, err)
	keyCache[identity] = kp
	return kp
}

func samplePayload() Payload {
	return Payload{
		"Mean":     0.5,
		"Sport":    1.2,
		"Dport":    -0.8,
		"SrcPkts":  2.1,
		"DstPkts":  0.3,
		"TotBytes": 1500,
		"Rate":     0.1,
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	kp := testKeyPair(t, "alice")

	payloads := []Payload{
		samplePayload(),
		{},
		{"only": 0},
		{"big": 1e300, "small": -1e-300},
	}

	for _, p := range payloads {
		sig, err := Sign(p, kp.Private)
		require.NoError(t, err)
		assert.True(t, Verify(p, sig, kp.Public))
	}
}

func TestSign_IsRandomizedButVerifiable(t *testing.T) {
	kp := testKeyPair(t, "alice")
	p := samplePayload()

	sig1, err := Sign(p, kp.Private)
	require.NoError(t, err)
	sig2, err := Sign(p, kp.Private)
	require.NoError(t, err)

	assert.NotEqual(t, sig1, sig2, "PSS signatures carry a random salt")
	assert.True(t, Verify(p, sig1, kp.Public))
	assert.True(t, Verify(p, sig2, kp.Public))
}

func TestVerify_TamperSensitivity(t *testing.T) {
	kp := testKeyPair(t, "alice")
	original := samplePayload()

	sig, err := Sign(original, kp.Private)
	require.NoError(t, err)

	for field := range original {
		tampered := Payload{}
		for k, v := range original {
			tampered[k] = v
		}
		tampered[field] += 0.001

		assert.False(t, Verify(tampered, sig, kp.Public), "altered %s must not verify", field)
	}

	added := Payload{"Injected": 1}
	for k, v := range original {
		added[k] = v
	}
	assert.False(t, Verify(added, sig, kp.Public))

	removed := Payload{}
	for k, v := range original {
		if k != "Rate" {
			removed[k] = v
		}
	}
	assert.False(t, Verify(removed, sig, kp.Public))
}

func TestVerify_InvalidUTF8KeyNeverVerifies(t *testing.T) {
	kp := testKeyPair(t, "alice")

	_, err := Sign(Payload{"Rate\xff": 1}, kp.Private)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	// U+FFFD is what a lossy encoder would substitute for the bad byte
	sig, err := Sign(Payload{"Rate\ufffd": 1}, kp.Private)
	require.NoError(t, err)
	assert.True(t, Verify(Payload{"Rate\ufffd": 1}, sig, kp.Public))
	assert.False(t, Verify(Payload{"Rate\xfe": 1}, sig, kp.Public))
	assert.False(t, Verify(Payload{"Rate\xff": 1}, sig, kp.Public))
}

func TestVerify_CrossKeyRejection(t *testing.T) {
	alice := testKeyPair(t, "alice")
	bob := testKeyPair(t, "bob")
	p := samplePayload()

	sig, err := Sign(p, bob.Private)
	require.NoError(t, err)

	assert.False(t, Verify(p, sig, alice.Public))
	assert.True(t, Verify(p, sig, bob.Public))
}

func TestVerify_FaultsCollapseToFalse(t *testing.T) {
	kp := testKeyPair(t, "alice")
	p := samplePayload()
	sig, err := Sign(p, kp.Private)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	raw[10] ^= 0xff
	corrupted := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		payload Payload
		sig     string
		key     bool
	}{
		{"not base64", p, "***not-base64***", true},
		{"empty signature", p, "", true},
		{"truncated signature", p, sig[:20], true},
		{"corrupted signature", p, corrupted, true},
		{"nil public key", p, sig, false},
		{"non canonical payload", Payload{"": 1}, sig, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub := kp.Public
			if !tc.key {
				pub = nil
			}
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tc.payload, tc.sig, pub))
			})
		})
	}
}

func TestSign_Errors(t *testing.T) {
	_, err := Sign(samplePayload(), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	kp := testKeyPair(t, "alice")
	_, err = Sign(Payload{"": 1}, kp.Private)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClassifySource(t *testing.T) {
	assert.Equal(t, SourceTrusted, ClassifySource(true))
	assert.Equal(t, SourceUntrusted, ClassifySource(false))
}
