package cipher

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func newPair(t *testing.T) (*PushStream, *PullStream) {
	t.Helper()
	key := newKey(t)

	push, header, err := NewPush(key)
	if err != nil {
		t.Fatalf("Failed to create push stream: %v", err)
	}
	if len(header) != HeaderSize {
		t.Fatalf("Header must be %d bytes, got %d", HeaderSize, len(header))
	}

	pull, err := NewPull(key)
	if err != nil {
		t.Fatalf("Failed to create pull stream: %v", err)
	}
	if err := pull.Init(header); err != nil {
		t.Fatalf("Failed to ingest header: %v", err)
	}
	return push, pull
}

func TestRoundTrip(t *testing.T) {
	push, pull := newPair(t)

	for _, plaintext := range [][]byte{
		[]byte("hello world"),
		{},
		bytes.Repeat([]byte{0xaa}, 65536),
	} {
		frame, err := push.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if len(frame) != len(plaintext)+Overhead {
			t.Fatalf("Frame should cost %d bytes of overhead", Overhead)
		}

		tag, got, err := pull.Next(frame)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if tag != TagMessage {
			t.Errorf("Expected message tag, got %#x", tag)
		}
		if !bytes.Equal(got, plaintext) {
			t.Error("Decrypted payload does not match")
		}
	}
}

func TestInPlaceSeal(t *testing.T) {
	push, pull := newPair(t)

	plaintext := []byte("in place")
	frame := make([]byte, len(plaintext)+Overhead)
	copy(frame[1:], plaintext)

	if err := push.Next(frame, TagMessage); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if bytes.Contains(frame, plaintext) {
		t.Error("Sealed frame should not contain the plaintext")
	}

	tag, got, err := pull.Next(frame)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if tag != TagMessage || !bytes.Equal(got, plaintext) {
		t.Error("In-place round trip failed")
	}
	if &got[0] != &frame[1] {
		t.Error("Payload should alias the frame buffer")
	}
}

func TestOrderEnforced(t *testing.T) {
	push, pull := newPair(t)

	first, err := push.Encrypt([]byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := push.Encrypt([]byte("two"))
	if err != nil {
		t.Fatal(err)
	}

	// Delivering the second frame first must fail: the counter nonce
	// binds frames to their position.
	if _, _, err := pull.Next(second); err == nil {
		t.Fatal("Expected decryption failure for out-of-order frame")
	}
	// The failed attempt must not advance the counter.
	if _, _, err := pull.Next(first); err != nil {
		t.Fatalf("In-order frame should still decrypt: %v", err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	push, _, err := NewPush(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	frame, err := push.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	pull, err := NewPull(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	header := make([]byte, HeaderSize)
	if err := pull.Init(header); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pull.Next(frame); err == nil {
		t.Error("Expected decryption failure under the wrong key")
	}
}

func TestValidation(t *testing.T) {
	if _, _, err := NewPush(make([]byte, 16)); err == nil {
		t.Error("Expected error for short key")
	}
	if _, err := NewPull(make([]byte, 16)); err == nil {
		t.Error("Expected error for short key")
	}

	pull, err := NewPull(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := pull.Init(make([]byte, 8)); err == nil {
		t.Error("Expected error for short header")
	}
	if _, _, err := pull.Next(make([]byte, Overhead)); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}

	if err := pull.Init(make([]byte, HeaderSize)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pull.Next(make([]byte, Overhead-1)); err != ErrShortFrame {
		t.Errorf("Expected ErrShortFrame, got %v", err)
	}

	push, _, err := NewPush(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := push.Next(make([]byte, Overhead-1), TagMessage); err != ErrShortFrame {
		t.Errorf("Expected ErrShortFrame, got %v", err)
	}
}

func TestHeaderBindsStream(t *testing.T) {
	key := newKey(t)

	push, _, err := NewPush(key)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := push.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	// A pull stream initialised with a different header must reject the
	// frame even under the right key.
	pull, err := NewPull(key)
	if err != nil {
		t.Fatal(err)
	}
	other := make([]byte, HeaderSize)
	if _, err := rand.Read(other); err != nil {
		t.Fatal(err)
	}
	if err := pull.Init(other); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pull.Next(frame); err == nil {
		t.Error("Expected decryption failure under a foreign header")
	}
}
