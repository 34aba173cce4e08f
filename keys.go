package secretstream

import (
	"github.com/lukeburns/secret-stream/crypto"
)

// GenerateKeyPair creates a new random long-term key pair usable as a
// stream identity.
func GenerateKeyPair() (*crypto.KeyPair, error) {
	return crypto.GenerateKeyPair()
}

// KeyPairFromSeed derives a deterministic long-term key pair from a
// 32-byte seed.
func KeyPairFromSeed(seed [32]byte) (*crypto.KeyPair, error) {
	return crypto.FromSeed(seed)
}

// StreamID exposes the stream-id derivation used during header
// validation, so higher layers can pre-bind a session's identity for
// routing before the stream itself exists.
func StreamID(handshakeHash []byte, initiator bool) []byte {
	return crypto.StreamID(handshakeHash, initiator, nil)
}
