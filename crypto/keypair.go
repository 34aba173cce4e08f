// Package crypto implements the cryptographic identities and derivations
// backing a secret-stream session.
//
// This package handles Curve25519 key pair generation and the keyed BLAKE2b
// stream-id namespace used to bind a session to its handshake transcript.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair identifying one end of a stream.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to read random seed: %w", err)
	}
	defer ZeroBytes(seed[:])

	return FromSeed(seed)
}

// FromSeed derives a key pair deterministically from a 32-byte seed.
// The seed is used as the Curve25519 scalar, so the same seed always
// yields the same identity.
func FromSeed(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	public, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{}
	copy(keyPair.Private[:], seed[:])
	copy(keyPair.Public[:], public)

	return keyPair, nil
}

// FromSecretKey reconstructs a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	keyPair, err := FromSeed(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
