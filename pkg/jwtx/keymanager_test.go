package jwtx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEphemeralKeyManager(t *testing.T) {
	t.Parallel()

	t.Run("generates the requested number of keys", func(t *testing.T) {
		km, err := NewEphemeralKeyManager(KeyManagerOptions{Algorithm: AlgorithmES256, NumKeys: 2})
		require.NoError(t, err)
		require.Equal(t, 2, km.NumSigners())
		require.Equal(t, AlgorithmES256, km.Algorithm())
	})

	t.Run("defaults to three keys", func(t *testing.T) {
		km, err := NewEphemeralKeyManager(KeyManagerOptions{Algorithm: AlgorithmEdDSA})
		require.NoError(t, err)
		require.Equal(t, 3, km.NumSigners())
	})

	t.Run("rejects unknown algorithms", func(t *testing.T) {
		_, err := NewEphemeralKeyManager(KeyManagerOptions{Algorithm: "HS256"})
		require.Error(t, err)
	})
}

func TestKeyManagerJWKS(t *testing.T) {
	t.Parallel()

	km, err := NewEphemeralKeyManager(KeyManagerOptions{Algorithm: AlgorithmEdDSA, NumKeys: 2})
	require.NoError(t, err)

	jwks := km.JWKS()
	require.Len(t, jwks.Keys, 2)
	for _, k := range jwks.Keys {
		require.Equal(t, "OKP", k.Kty)
		require.Equal(t, "sig", k.Use)
		require.NotEmpty(t, k.Kid)
		require.NotEmpty(t, k.X)
	}
}

func TestGetSignerSignsVerifiableClaims(t *testing.T) {
	t.Parallel()

	km, err := NewEphemeralKeyManager(KeyManagerOptions{Algorithm: AlgorithmES256, NumKeys: 1})
	require.NoError(t, err)

	signer := km.GetSigner()
	require.NotNil(t, signer)
	require.NoError(t, signer.Validate())

	claims, err := NewClaimsBuilder("iss").Client("client-1").Build()
	require.NoError(t, err)

	token, err := signer.Sign(claims)
	require.NoError(t, err)
	require.Equal(t, "iss", decodePayload(t, token)["iss"])
}
