package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe erases a byte slice holding sensitive material. It returns an
// error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	// XOR the buffer with itself through subtle so the clear is treated
	// as observed and not elided.
	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases sensitive data, ignoring the nil-slice error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of a key pair. Sessions that
// generated their own identity call this on teardown; the public half is
// left intact so identity accessors keep working.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
