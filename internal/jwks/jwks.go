package jwks

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Signer holds the server's RSA signing key and produces RS256 JWTs
// carrying the key ID in the header so relying parties can pick the
// matching key from the published JWKS.
type Signer struct {
	privateKey *rsa.PrivateKey
	keyID      string
	publicSet  jwk.Set
}

// NewSigner parses a private RSA key in JWK form.
func NewSigner(jwkJSON string) (*Signer, error) {
	key, err := jwk.ParseKey([]byte(jwkJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing signing JWK: %w", err)
	}

	var privateKey rsa.PrivateKey
	if err := key.Raw(&privateKey); err != nil {
		return nil, fmt.Errorf("signing JWK is not an RSA private key: %w", err)
	}

	publicKey, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("deriving public JWK: %w", err)
	}
	if err := publicKey.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	if err := publicKey.Set(jwk.KeyUsageKey, string(jwk.ForSignature)); err != nil {
		return nil, err
	}

	publicSet := jwk.NewSet()
	if err := publicSet.AddKey(publicKey); err != nil {
		return nil, err
	}

	return &Signer{
		privateKey: &privateKey,
		keyID:      key.KeyID(),
		publicSet:  publicSet,
	}, nil
}

// Sign produces a compact RS256 JWT for the given claims.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// KeyID returns the kid of the active signing key.
func (s *Signer) KeyID() string {
	return s.keyID
}

// PublicKey exposes the verification key, mainly for tests.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}

// PublicJWKS renders the public key set as a standard JWKS document.
func (s *Signer) PublicJWKS() ([]byte, error) {
	return json.Marshal(s.publicSet)
}
