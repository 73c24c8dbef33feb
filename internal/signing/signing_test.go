package signing

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	hashHex, err := HashCanonical(map[string]any{"amountCents": 1000.0, "currency": "USD"})
	require.NoError(t, err)

	sig, err := SignHashHex(hashHex, priv)
	require.NoError(t, err)
	require.True(t, VerifyHashHex(hashHex, sig, pub))

	otherHash, err := HashCanonical(map[string]any{"amountCents": 1001.0, "currency": "USD"})
	require.NoError(t, err)
	require.False(t, VerifyHashHex(otherHash, sig, pub))
}

func TestKeyIDStable(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pemBytes, err := PublicKeyToPEM(pub)
	require.NoError(t, err)

	id1 := KeyID(pemBytes)
	id2 := KeyID(pemBytes)
	require.Equal(t, id1, id2)
	require.Len(t, id1, len("key_")+24)
	require.Regexp(t, "^key_[0-9a-f]{24}$", id1)

	parsed, err := PublicKeyFromPEM(pemBytes)
	require.NoError(t, err)
	require.True(t, pub.Equal(parsed))
}

func TestZeroHashLength(t *testing.T) {
	require.Len(t, ZeroHash, 64)
}
