// Package noise drives the authenticated key exchange that keys a
// secret-stream session. It wraps the Noise Protocol Framework with the
// XX pattern by default, which provides mutual authentication without
// prior knowledge of the peer's static key.
package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/lukeburns/secret-stream/crypto"
)

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake already finished.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrHandshakeDestroyed indicates a driver that hit a cryptographic
	// failure; it can never make progress again.
	ErrHandshakeDestroyed = errors.New("handshake destroyed")
	// ErrRemoteKeyMismatch indicates the authenticated remote static key
	// differs from the one the caller pinned.
	ErrRemoteKeyMismatch = errors.New("remote static key does not match pinned key")
)

// HandshakeRole defines whether we initiate or respond to a handshake.
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder waits for the initiator's first message.
	Responder
)

// SessionKeySize is the size of each exported directional key.
const SessionKeySize = 32

// Result holds everything a completed handshake binds: both identities,
// the transcript hash, and the two directional stream keys. A Result may
// also be constructed externally (handshake performed on another channel)
// and injected into a session, bypassing the driver entirely.
type Result struct {
	PublicKey       []byte
	RemotePublicKey []byte
	Hash            []byte
	TX              []byte
	RX              []byte
}

// Handshake sequences Noise messages for one session. Callers alternate
// Send and Recv until either returns a non-nil Result. The driver is not
// safe for concurrent use; the owning session serialises access.
type Handshake struct {
	role      HandshakeRole
	pattern   string
	state     *noise.HandshakeState
	localPub  []byte
	pinned    []byte
	msgNum    int
	complete  bool
	destroyed bool
}

// New creates a handshake driver for the given role. keyPair is the local
// static identity. remotePublic pins the expected remote static key; it is
// required for the IK initiator and optional otherwise (when set, a
// completed handshake with any other peer fails). pattern selects the
// Noise pattern, "XX" by default.
func New(role HandshakeRole, keyPair *crypto.KeyPair, remotePublic []byte, pattern string) (*Handshake, error) {
	if pattern == "" {
		pattern = "XX"
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, fmt.Errorf("handshake pattern validation failed: %w", err)
	}
	if keyPair == nil {
		return nil, errors.New("handshake requires a static key pair")
	}
	if remotePublic != nil && len(remotePublic) != 32 {
		return nil, fmt.Errorf("remote public key must be 32 bytes, got %d", len(remotePublic))
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       patternOf(pattern),
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	// IK folds the responder's static key into the first message, so the
	// initiator must hand it to the Noise state up front. XX learns it
	// from the transcript and we pin it after the fact instead.
	if pattern == "IK" && role == Initiator {
		if remotePublic == nil {
			return nil, errors.New("IK initiator requires the remote public key")
		}
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, remotePublic)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	h := &Handshake{
		role:     role,
		pattern:  pattern,
		state:    state,
		localPub: staticKey.Public,
	}
	if remotePublic != nil {
		h.pinned = make([]byte, 32)
		copy(h.pinned, remotePublic)
	}

	logrus.WithFields(logrus.Fields{
		"package": "noise",
		"role":    role,
		"pattern": pattern,
		"pinned":  remotePublic != nil,
	}).Debug("handshake driver created")

	return h, nil
}

// Send runs one Noise write step. The returned message must be framed and
// delivered to the peer. When this step completes the handshake, the
// derived Result is returned alongside the message.
func (h *Handshake) Send() ([]byte, *Result, error) {
	if h.destroyed {
		return nil, nil, ErrHandshakeDestroyed
	}
	if h.complete {
		return nil, nil, ErrHandshakeComplete
	}

	message, cs1, cs2, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		h.destroyed = true
		return nil, nil, fmt.Errorf("handshake write failed: %w", err)
	}
	h.msgNum++

	if cs1 == nil {
		return message, nil, nil
	}

	res, err := h.finish(cs1, cs2)
	if err != nil {
		return nil, nil, err
	}
	return message, res, nil
}

// Recv runs one Noise read step on an unframed handshake payload. If the
// pattern calls for an immediate reply, the reply message is produced
// internally and returned. A non-nil Result means the handshake completed
// on this step (possibly together with a final reply to deliver).
func (h *Handshake) Recv(message []byte) ([]byte, *Result, error) {
	if h.destroyed {
		return nil, nil, ErrHandshakeDestroyed
	}
	if h.complete {
		return nil, nil, ErrHandshakeComplete
	}

	_, cs1, cs2, err := h.state.ReadMessage(nil, message)
	if err != nil {
		h.destroyed = true
		return nil, nil, fmt.Errorf("handshake read failed: %w", err)
	}
	h.msgNum++

	if cs1 != nil {
		res, err := h.finish(cs1, cs2)
		return nil, res, err
	}

	if h.writesNext() {
		return h.Send()
	}
	return nil, nil, nil
}

// writesNext reports whether the next handshake message is ours to write.
// Interactive patterns strictly alternate, with the initiator writing the
// even-numbered messages.
func (h *Handshake) writesNext() bool {
	initiatorTurn := h.msgNum%2 == 0
	return initiatorTurn == (h.role == Initiator)
}

// finish captures the completed handshake: it validates the pinned remote
// key, snapshots the transcript hash, and exports the directional keys.
func (h *Handshake) finish(cs1, cs2 *noise.CipherState) (*Result, error) {
	remote := h.state.PeerStatic()
	if len(remote) != 32 {
		h.destroyed = true
		return nil, errors.New("remote static key not available")
	}
	if h.pinned != nil && !bytes.Equal(remote, h.pinned) {
		h.destroyed = true
		return nil, ErrRemoteKeyMismatch
	}

	// flynn/noise returns the split cipher states in transcript order:
	// cs1 carries the initiator-to-responder direction.
	send, recv := cs1, cs2
	if h.role == Responder {
		send, recv = cs2, cs1
	}

	tx, err := exportKey(send)
	if err != nil {
		h.destroyed = true
		return nil, err
	}
	rx, err := exportKey(recv)
	if err != nil {
		h.destroyed = true
		return nil, err
	}

	binding := h.state.ChannelBinding()
	hash := make([]byte, len(binding))
	copy(hash, binding)

	remoteCopy := make([]byte, 32)
	copy(remoteCopy, remote)

	h.complete = true

	logrus.WithFields(crypto.SecureFieldHash(hash, "handshake_hash")).
		WithFields(crypto.SecureFieldHash(remoteCopy, "remote_public_key")).
		Debug("handshake complete")

	return &Result{
		PublicKey:       h.localPub,
		RemotePublicKey: remoteCopy,
		Hash:            hash,
		TX:              tx,
		RX:              rx,
	}, nil
}

// exportKey derives a 32-byte stream key from a post-handshake cipher
// state by encrypting one all-zero block and keeping the keystream prefix.
// Both ends of a direction share the cipher state's key and counter, so
// they export identical values without any key bytes crossing the wire.
func exportKey(cs *noise.CipherState) ([]byte, error) {
	var zero [SessionKeySize]byte
	block, err := cs.Encrypt(nil, nil, zero[:])
	if err != nil {
		return nil, fmt.Errorf("failed to export session key: %w", err)
	}
	return block[:SessionKeySize], nil
}

// Complete returns true once cipher keys have been derived.
func (h *Handshake) Complete() bool {
	return h.complete
}

// Destroyed returns true if the driver hit a cryptographic failure.
func (h *Handshake) Destroyed() bool {
	return h.destroyed
}

// LocalStatic returns our static public key.
func (h *Handshake) LocalStatic() []byte {
	key := make([]byte, len(h.localPub))
	copy(key, h.localPub)
	return key
}

func patternOf(pattern string) noise.HandshakePattern {
	switch pattern {
	case "IK":
		return noise.HandshakeIK
	default:
		return noise.HandshakeXX
	}
}

// ValidatePattern validates that a handshake pattern is supported.
func ValidatePattern(pattern string) error {
	supportedPatterns := map[string]bool{
		"XX": true,  // mutual authentication without prior key knowledge - the default
		"IK": true,  // initiator knows the responder's static key in advance
		"XK": false, // future support planned - server scenarios where client keys are unknown
		"NK": false, // future support planned - anonymous connections to public services
		"KK": false, // future support planned - both static keys pre-shared
	}

	supported, exists := supportedPatterns[pattern]
	if !exists {
		return fmt.Errorf("unknown handshake pattern: %s", pattern)
	}

	if !supported {
		return fmt.Errorf("handshake pattern %s is not yet supported", pattern)
	}

	return nil
}
