package jwtx

import (
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Encrypter wraps a signed JWT into a JWE compact serialization using a
// client's negotiated key management algorithm, content encryption method,
// and key material. The result is a nested JWT ("cty": "JWT").
type Encrypter struct {
	alg jose.KeyAlgorithm
	enc jose.ContentEncryption
	key jose.JSONWebKey
}

// NewEncrypter builds an Encrypter from a client crypto configuration. The
// JWKS must contain at least one key usable for encryption; when several
// are present the first "enc"-use key wins.
func NewEncrypter(alg, enc, jwks string) (*Encrypter, error) {
	if alg == "" || enc == "" || jwks == "" {
		return nil, errors.New("jwtx: incomplete encryption configuration")
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(jwks), &set); err != nil {
		return nil, fmt.Errorf("jwtx: invalid client JWKS: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("jwtx: client JWKS contains no keys")
	}

	key := set.Keys[0]
	for _, k := range set.Keys {
		if k.Use == "enc" {
			key = k
			break
		}
	}

	return &Encrypter{
		alg: jose.KeyAlgorithm(alg),
		enc: jose.ContentEncryption(enc),
		key: key,
	}, nil
}

// Encrypt produces the JWE compact serialization of an already signed JWT.
func (e *Encrypter) Encrypt(signedJWT string) (string, error) {
	opts := (&jose.EncrypterOptions{}).WithType("JWT").WithContentType("JWT")

	recipient := jose.Recipient{
		Algorithm: e.alg,
		Key:       e.key.Key,
		KeyID:     e.key.KeyID,
	}

	encrypter, err := jose.NewEncrypter(e.enc, recipient, opts)
	if err != nil {
		return "", fmt.Errorf("jwtx: failed to build encrypter: %w", err)
	}

	obj, err := encrypter.Encrypt([]byte(signedJWT))
	if err != nil {
		return "", fmt.Errorf("jwtx: encryption failed: %w", err)
	}

	return obj.CompactSerialize()
}
