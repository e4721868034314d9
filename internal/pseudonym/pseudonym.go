package pseudonym

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Pseudonymizer derives a stable, service-scoped pseudonym for a user.
// The pseudonym is the user's UUID encrypted with AES-256-CBC, using the
// service's UUID as the IV, so the same user gets a different pseudonym
// per service and the mapping can be reversed with the key.
type Pseudonymizer struct {
	block cipher.Block
}

// New builds a Pseudonymizer from a hex-encoded 256-bit key.
func New(keyHex string) (*Pseudonymizer, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("pseudonym key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("pseudonym key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pseudonym cipher init failed: %w", err)
	}

	return &Pseudonymizer{block: block}, nil
}

// Pseudonymize encrypts the username for the given service. A UUID is a
// single AES block, so CBC with the service ID as IV reduces to one block
// operation and needs no padding.
func (p *Pseudonymizer) Pseudonymize(username uuid.UUID, serviceID uuid.UUID) (uuid.UUID, error) {
	var out [16]byte
	enc := cipher.NewCBCEncrypter(p.block, serviceID[:])
	enc.CryptBlocks(out[:], username[:])

	pseudonym, err := uuid.FromBytes(out[:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("pseudonymization failed: %w", err)
	}
	return pseudonym, nil
}

// Reverse recovers the username from a pseudonym issued for the given
// service.
func (p *Pseudonymizer) Reverse(pseudonym uuid.UUID, serviceID uuid.UUID) (uuid.UUID, error) {
	var out [16]byte
	dec := cipher.NewCBCDecrypter(p.block, serviceID[:])
	dec.CryptBlocks(out[:], pseudonym[:])

	username, err := uuid.FromBytes(out[:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("pseudonym reversal failed: %w", err)
	}
	return username, nil
}
