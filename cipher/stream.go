// Package cipher implements the authenticated byte-stream cipher carried
// inside secret-stream data frames.
//
// The construction is libsodium-secretstream shaped: a 24-byte header
// (16 bytes of HChaCha20 salt plus an 8-byte nonce suffix) keys each
// direction, and every frame is a ChaCha20-Poly1305 box over a one-byte tag
// followed by the payload. The per-frame nonce is a little-endian counter
// concatenated with the header suffix, so frames must be delivered in order
// and exactly once.
//
// Example:
//
//	push, header, err := cipher.NewPush(txKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	frame, err := push.Encrypt([]byte("hello"))
//
//	pull, _ := cipher.NewPull(rxKey)
//	pull.Init(header)
//	tag, plaintext, err := pull.Next(frame)
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a directional stream key.
	KeySize = 32
	// HeaderSize is the size of the stream header emitted by a PushStream.
	HeaderSize = 24
	// Overhead is the per-frame cost: one tag byte plus the Poly1305 MAC.
	Overhead = 1 + chacha20poly1305.Overhead
	// MaxPlaintext is the largest payload a single frame can carry under
	// the 3-byte frame length cap.
	MaxPlaintext = 1<<24 - 1 - Overhead
)

// TagMessage is the tag byte carried by every frame. The protocol has no
// cryptographic close frame; stream teardown happens at the transport
// level, so no other tag is ever emitted.
const TagMessage byte = 0x00

var (
	// ErrShortFrame indicates a frame shorter than the cipher overhead.
	ErrShortFrame = errors.New("frame shorter than cipher overhead")
	// ErrBadKey indicates a key of the wrong size.
	ErrBadKey = errors.New("stream key must be 32 bytes")
	// ErrBadHeader indicates a header of the wrong size.
	ErrBadHeader = errors.New("stream header must be 24 bytes")
	// ErrNotInitialized indicates a PullStream used before Init.
	ErrNotInitialized = errors.New("stream header not ingested")
	// ErrCounterExhausted indicates the per-stream frame counter wrapped.
	ErrCounterExhausted = errors.New("stream frame counter exhausted")
)

// PushStream encrypts an ordered sequence of frames under one directional
// key. It is not safe for concurrent use.
type PushStream struct {
	aead    stdcipher.AEAD
	nonce   [chacha20poly1305.NonceSize]byte
	counter uint32
}

// NewPush creates the encrypting half of a stream pair. It returns the
// 24-byte header the peer's PullStream must ingest before it can decrypt.
func NewPush(key []byte) (*PushStream, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := rand.Read(header); err != nil {
		return nil, nil, fmt.Errorf("failed to generate stream header: %w", err)
	}

	p := &PushStream{}
	if err := p.init(key, header); err != nil {
		return nil, nil, err
	}
	return p, header, nil
}

func (p *PushStream) init(key, header []byte) error {
	if len(key) != KeySize {
		return ErrBadKey
	}
	if len(header) != HeaderSize {
		return ErrBadHeader
	}

	subkey, err := chacha20.HChaCha20(key, header[:16])
	if err != nil {
		return fmt.Errorf("failed to derive stream subkey: %w", err)
	}

	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return fmt.Errorf("failed to create stream cipher: %w", err)
	}

	p.aead = aead
	p.counter = 1
	copy(p.nonce[4:], header[16:])
	return nil
}

// Next seals a frame in place. frame must be len(plaintext)+Overhead bytes
// with the plaintext occupying frame[1 : len(frame)-16]; the tag byte and
// MAC are written into the reserved first and last slots. This is the
// zero-copy path: the caller lays the plaintext directly into its wire
// buffer and Next finalises it.
func (p *PushStream) Next(frame []byte, tag byte) error {
	if len(frame) < Overhead {
		return ErrShortFrame
	}
	if p.counter == 0 {
		return ErrCounterExhausted
	}

	binary.LittleEndian.PutUint32(p.nonce[:4], p.counter)
	p.counter++

	frame[0] = tag
	inner := len(frame) - chacha20poly1305.Overhead
	p.aead.Seal(frame[:0], p.nonce[:], frame[:inner], nil)
	return nil
}

// Encrypt seals plaintext into a freshly allocated frame.
func (p *PushStream) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("plaintext exceeds %d bytes", MaxPlaintext)
	}

	frame := make([]byte, len(plaintext)+Overhead)
	copy(frame[1:], plaintext)
	if err := p.Next(frame, TagMessage); err != nil {
		return nil, err
	}
	return frame, nil
}

// PullStream decrypts the frame sequence produced by a peer's PushStream.
// It is keyed at construction but cannot decrypt until Init has ingested
// the peer's header. It is not safe for concurrent use.
type PullStream struct {
	key     []byte
	aead    stdcipher.AEAD
	nonce   [chacha20poly1305.NonceSize]byte
	counter uint32
}

// NewPull creates the decrypting half of a stream pair.
func NewPull(key []byte) (*PullStream, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}

	k := make([]byte, KeySize)
	copy(k, key)
	return &PullStream{key: k}, nil
}

// Init ingests the peer's 24-byte stream header, after which Next can
// decrypt frames. Calling Init twice re-keys the stream; the counter
// restarts, matching a peer that re-emitted its header.
func (p *PullStream) Init(header []byte) error {
	if len(header) != HeaderSize {
		return ErrBadHeader
	}

	subkey, err := chacha20.HChaCha20(p.key, header[:16])
	if err != nil {
		return fmt.Errorf("failed to derive stream subkey: %w", err)
	}

	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return fmt.Errorf("failed to create stream cipher: %w", err)
	}

	p.aead = aead
	p.counter = 1
	copy(p.nonce[4:], header[16:])
	return nil
}

// Next opens a frame in place and returns its tag and payload. The payload
// slice aliases frame[1 : len(frame)-16]; the frame buffer must not be
// reused while the payload is live.
func (p *PullStream) Next(frame []byte) (byte, []byte, error) {
	if p.aead == nil {
		return 0, nil, ErrNotInitialized
	}
	if len(frame) < Overhead {
		return 0, nil, ErrShortFrame
	}
	if p.counter == 0 {
		return 0, nil, ErrCounterExhausted
	}

	binary.LittleEndian.PutUint32(p.nonce[:4], p.counter)

	if _, err := p.aead.Open(frame[:0], p.nonce[:], frame, nil); err != nil {
		return 0, nil, fmt.Errorf("failed to decrypt frame: %w", err)
	}
	p.counter++

	inner := len(frame) - chacha20poly1305.Overhead
	return frame[0], frame[1:inner], nil
}
