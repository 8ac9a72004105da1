package jwtx

// Signer is anything that can sign a claim set into a compact JWT.
type Signer interface {
	Alg() string
	KID() string
	Sign(Claims) (string, error)
	PublicJWK() JWK
	Validate() error
}

// NewSignerRS256 creates an RS256 signer from PEM bytes (PKCS1 or PKCS8).
func NewSignerRS256(kid string, pemKey []byte) (Signer, error) {
	return newRS256Signer(kid, pemKey)
}

// NewSignerES256 creates an ES256 signer from PKCS8 PEM bytes.
func NewSignerES256(kid string, pemKey []byte) (Signer, error) {
	return newES256Signer(kid, pemKey)
}

// NewSignerEdDSA creates an EdDSA signer from PKCS8 PEM bytes.
func NewSignerEdDSA(kid string, pemKey []byte) (Signer, error) {
	return newEdDSASigner(kid, pemKey)
}

// NewSigner picks the constructor matching alg. Used when a client carries
// its own signing key in its crypto configuration.
func NewSigner(alg, kid string, pemKey []byte) (Signer, error) {
	switch alg {
	case AlgorithmRS256:
		return NewSignerRS256(kid, pemKey)
	case AlgorithmES256:
		return NewSignerES256(kid, pemKey)
	case AlgorithmEdDSA:
		return NewSignerEdDSA(kid, pemKey)
	default:
		return nil, errUnsupportedAlgorithm(alg)
	}
}
