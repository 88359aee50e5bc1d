package types

import (
	"fmt"

	"github.com/stellar/go/keypair"
)

// KeyPair is a Stellar key pair with an optional secret seed. A KeyPair
// without a seed can only verify signatures and identify an account.
type KeyPair struct {
	Pubkey string `json:"pubkey"`
	Seed   string `json:"seed,omitempty"`
}

// NewKeyPair generates a random key pair with its seed.
func NewKeyPair() (KeyPair, error) {
	full, err := keypair.Random()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return KeyPair{Pubkey: full.Address(), Seed: full.Seed()}, nil
}

// KeyPairFromSeed derives a full key pair from a secret seed.
func KeyPairFromSeed(seed string) (KeyPair, error) {
	full, err := keypair.ParseFull(seed)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse seed: %w", err)
	}
	return KeyPair{Pubkey: full.Address(), Seed: full.Seed()}, nil
}

// KeyPairFromPubkey wraps a public key into a seedless key pair.
func KeyPairFromPubkey(pubkey string) (KeyPair, error) {
	address, err := keypair.ParseAddress(pubkey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse pubkey: %w", err)
	}
	return KeyPair{Pubkey: address.Address()}, nil
}

// Unlocked reports whether the key pair carries its secret seed.
func (k KeyPair) Unlocked() bool {
	return k.Seed != ""
}

// Verify checks that sig is a valid signature of input by this key pair's
// public key.
func (k KeyPair) Verify(input, sig []byte) error {
	address, err := keypair.ParseAddress(k.Pubkey)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	return address.Verify(input, sig)
}

// String renders the key pair for logs, including the seed only when it
// is present.
func (k KeyPair) String() string {
	if k.Unlocked() {
		return fmt.Sprintf("KeyPair %s (%s)", k.Pubkey, k.Seed)
	}
	return fmt.Sprintf("KeyPair (%s)", k.Pubkey)
}
