// Package crypto implements the keyed primitives of the index: token
// derivation and row encryption.
//
// All tokens are HMAC-SHA256 outputs, so they are indistinguishable from
// random to anyone without the token key, while being deterministic for the
// key holder. Rows are sealed with AES-256-GCM using the row token as
// additional data, binding every ciphertext to its storage slot.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/findexgo/store"
)

const (
	// KeySize is the width of the master key and of every derived subkey.
	KeySize = 32

	// SeedSize is the width of a per-segment chain seed.
	SeedSize = 16

	nonceSize = 12
	tagSize   = 16

	// Overhead is the ciphertext expansion of Seal: nonce plus GCM tag.
	Overhead = nonceSize + tagSize
)

// ErrDecrypt is returned when a row fails authentication. It always means
// the row is corrupt, was written under a different key epoch, or was moved
// to a different token.
var ErrDecrypt = errors.New("row decryption failed")

// Keys holds the subkeys derived from a master key: one for token
// derivation, one per encrypted table.
type Keys struct {
	token    []byte
	entryAED cipher.AEAD
	chainAED cipher.AEAD
}

// DeriveKeys expands a 32-byte master key into the subkey set via HKDF-SHA256
// with domain-separating info strings.
func DeriveKeys(master []byte) (*Keys, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(master))
	}

	tokenKey, err := hkdf.Key(sha256.New, master, nil, "findexgo/token", KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	entryKey, err := hkdf.Key(sha256.New, master, nil, "findexgo/entry", KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive entry key: %w", err)
	}
	chainKey, err := hkdf.Key(sha256.New, master, nil, "findexgo/chain", KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive chain key: %w", err)
	}

	entryAED, err := newGCM(entryKey)
	if err != nil {
		return nil, err
	}
	chainAED, err := newGCM(chainKey)
	if err != nil {
		return nil, err
	}

	return &Keys{token: tokenKey, entryAED: entryAED, chainAED: chainAED}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// HashKeyword reduces a keyword to its fixed-width hash. The hash, not the
// keyword, is what token derivation and the entry row operate on, so the
// compact engine can re-derive tokens without learning keywords.
func HashKeyword(keyword []byte) [32]byte {
	return sha256.Sum256(keyword)
}

// EntryToken derives the Entry Table token for a keyword hash under the
// given public label. Rotating the label re-randomizes every entry token.
func (k *Keys) EntryToken(keywordHash [32]byte, label []byte) store.Token {
	mac := hmac.New(sha256.New, k.token)
	mac.Write(keywordHash[:])
	mac.Write(label)

	var t store.Token
	mac.Sum(t[:0])
	return t
}

// ChainToken derives the Chain Table token for one position of a chain
// segment. Segment seeds are drawn fresh for every append, which is what
// makes chain tokens globally unique without coordination.
func ChainToken(segmentSeed []byte, pos uint32) store.Token {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], pos)

	mac := hmac.New(sha256.New, segmentSeed)
	mac.Write(p[:])

	var t store.Token
	mac.Sum(t[:0])
	return t
}

// NewSegmentSeed returns a fresh random chain-segment seed.
func NewSegmentSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("draw segment seed: %w", err)
	}
	return seed, nil
}

// SealEntry encrypts an entry row value, binding it to its token.
func (k *Keys) SealEntry(token store.Token, plaintext []byte) ([]byte, error) {
	return seal(k.entryAED, token, plaintext)
}

// OpenEntry decrypts an entry row value.
func (k *Keys) OpenEntry(token store.Token, ciphertext []byte) ([]byte, error) {
	return open(k.entryAED, token, ciphertext)
}

// SealChain encrypts a chain block, binding it to its token.
func (k *Keys) SealChain(token store.Token, plaintext []byte) ([]byte, error) {
	return seal(k.chainAED, token, plaintext)
}

// OpenChain decrypts a chain block.
func (k *Keys) OpenChain(token store.Token, ciphertext []byte) ([]byte, error) {
	return open(k.chainAED, token, ciphertext)
}

func seal(aead cipher.AEAD, token store.Token, plaintext []byte) ([]byte, error) {
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(out[:nonceSize]); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	return aead.Seal(out, out[:nonceSize], plaintext, token[:]), nil
}

func open(aead cipher.AEAD, token store.Token, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], token[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
