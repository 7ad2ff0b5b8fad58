package findexgo

import (
	"crypto/rand"
	"fmt"
)

// KeySize is the width of a master key in bytes.
const KeySize = 32

// Key is the index master key. Every token and every row ciphertext derives
// from it; whoever holds it can read and write the index, whoever does not
// sees only pseudorandom tokens and AEAD ciphertexts.
type Key [KeySize]byte

// NewRandomKey draws a fresh master key.
func NewRandomKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("draw master key: %w", err)
	}
	return k, nil
}

// KeyFromBytes builds a Key from exactly KeySize bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("%w: got %d bytes", ErrKeyLength, len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}
