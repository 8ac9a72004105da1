package jwtx

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/lamplight-id/lamplight/pkg/cryptox"
)

// Supported JWT signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
	AlgorithmEdDSA = "EdDSA"
)

func errUnsupportedAlgorithm(alg string) error {
	return fmt.Errorf("jwtx: unsupported algorithm %q (supported: RS256, ES256, EdDSA)", alg)
}

// KeyManager holds the system signing keys. Keys are ephemeral: generated
// at startup, never persisted, so every restart is a full key rotation.
// Signing load is spread across the keys at random.
type KeyManager struct {
	algorithm string

	mu      sync.RWMutex
	signers []Signer
}

// KeyManagerOptions configures ephemeral key generation.
type KeyManagerOptions struct {
	// Algorithm is the signing algorithm: RS256, ES256, or EdDSA.
	Algorithm string

	// RSABits is the RSA key size for RS256. Defaults to 4096.
	RSABits int

	// NumKeys is how many signing keys to generate. Defaults to 3,
	// capped at 10.
	NumKeys int
}

// NewEphemeralKeyManager generates the requested signing keys in memory.
func NewEphemeralKeyManager(opts KeyManagerOptions) (*KeyManager, error) {
	numKeys := opts.NumKeys
	if numKeys <= 0 {
		numKeys = 3
	}
	if numKeys > 10 {
		numKeys = 10
	}

	signers := make([]Signer, 0, numKeys)
	for i := range numKeys {
		kid, err := cryptox.GenerateToken(cryptox.TokenSize160)
		if err != nil {
			return nil, fmt.Errorf("jwtx: failed to generate key ID: %w", err)
		}

		signer, err := generateSigner(opts.Algorithm, "lamplight-"+kid, opts.RSABits)
		if err != nil {
			return nil, fmt.Errorf("jwtx: failed to generate signer %d: %w", i+1, err)
		}
		signers = append(signers, signer)
	}

	return &KeyManager{
		algorithm: opts.Algorithm,
		signers:   signers,
	}, nil
}

func generateSigner(algorithm, kid string, rsaBits int) (Signer, error) {
	switch algorithm {
	case AlgorithmRS256:
		bits := rsaBits
		if bits == 0 {
			bits = 4096
		}
		pemBytes, err := cryptox.GenerateRSAKey(bits)
		if err != nil {
			return nil, err
		}
		return NewSignerRS256(kid, pemBytes)

	case AlgorithmES256:
		pemBytes, err := cryptox.GenerateES256Key()
		if err != nil {
			return nil, err
		}
		return NewSignerES256(kid, pemBytes)

	case AlgorithmEdDSA:
		pemBytes, err := cryptox.GenerateEd25519Key()
		if err != nil {
			return nil, err
		}
		return NewSignerEdDSA(kid, pemBytes)

	default:
		return nil, errUnsupportedAlgorithm(algorithm)
	}
}

// Algorithm returns the signing algorithm in use.
func (km *KeyManager) Algorithm() string { return km.algorithm }

// GetSigner returns a randomly selected signer for load distribution.
func (km *KeyManager) GetSigner() Signer {
	km.mu.RLock()
	defer km.mu.RUnlock()

	switch len(km.signers) {
	case 0:
		return nil
	case 1:
		return km.signers[0]
	default:
		return km.signers[rand.IntN(len(km.signers))]
	}
}

// NumSigners returns the number of active signing keys.
func (km *KeyManager) NumSigners() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return len(km.signers)
}

// JWKS returns the public keys of all active signers for publication.
func (km *KeyManager) JWKS() JWKS {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keys := make([]JWK, 0, len(km.signers))
	for _, s := range km.signers {
		keys = append(keys, s.PublicJWK())
	}
	return JWKS{Keys: keys}
}
