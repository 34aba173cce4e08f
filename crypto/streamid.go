package crypto

import (
	"golang.org/x/crypto/blake2b"
)

// StreamIDSize is the size of a per-direction stream identifier.
const StreamIDSize = 32

// Namespace constants for stream-id derivation. These are fixed for wire
// compatibility: peers derive the same values independently and reject
// header frames carrying anything else.
var (
	// ns = H("hyperswarm/secret-stream")
	ns [32]byte
	// nsInitiator = H(0x00, ns), the keyed hash of a single zero byte.
	nsInitiator [32]byte
	// nsResponder = H(0x01, ns)
	nsResponder [32]byte
)

func init() {
	ns = blake2b.Sum256([]byte("hyperswarm/secret-stream"))
	nsInitiator = keyedHash([]byte{0x00}, ns[:])
	nsResponder = keyedHash([]byte{0x01}, ns[:])
}

// keyedHash computes a 32-byte keyed BLAKE2b digest of data.
func keyedHash(data, key []byte) [32]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// New256 only fails for keys longer than 64 bytes; ours are 32.
		panic(err)
	}
	h.Write(data)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StreamID derives the 32-byte stream identifier a peer announces in its
// header frame. The id is the keyed hash of the handshake transcript under
// the role namespace, so each direction of a session has a distinct,
// transcript-bound identity.
//
// If out is non-nil it must be at least StreamIDSize bytes and the id is
// written into it; otherwise a fresh slice is returned.
func StreamID(handshakeHash []byte, initiator bool, out []byte) []byte {
	key := nsResponder[:]
	if initiator {
		key = nsInitiator[:]
	}

	id := keyedHash(handshakeHash, key)
	if out == nil {
		out = make([]byte, StreamIDSize)
	}
	copy(out, id[:])
	return out[:StreamIDSize]
}
