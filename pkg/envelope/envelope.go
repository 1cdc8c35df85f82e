// Package envelope implements ECIES over secp256k1 for ticket content.
//
// A fresh ephemeral key is generated for every encryption. The x-coordinate
// of the ECDH point is hashed with SHA-512; the first half keys AES-256-CBC,
// the second half keys HMAC-SHA256 over iv || ephemeral public key ||
// ciphertext. The construction and the text encoding match eth-crypto, so
// envelopes written by the existing tooling decrypt here and vice versa.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
)

var (
	// ErrDecryptionFailed covers wrong keys, tampering and malformed input.
	// Callers cannot tell which byte was wrong.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")

	// ErrMalformedEnvelope is returned when an envelope cannot be parsed. It
	// wraps ErrDecryptionFailed.
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
)

const (
	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

// Envelope is a self-describing ECIES ciphertext.
type Envelope struct { // A
	IV                 [ivSize]byte
	EphemeralPublicKey *secp256k1.PublicKey
	Ciphertext         []byte
	MAC                [macSize]byte
}

// Encrypt encrypts plaintext for recipient using crypto/rand.
func Encrypt(
	plaintext []byte,
	recipient *secp256k1.PublicKey,
) (*Envelope, error) { // A
	return EncryptWithRand(rand.Reader, plaintext, recipient)
}

// EncryptWithRand is Encrypt with an explicit entropy source.
func EncryptWithRand(
	r io.Reader,
	plaintext []byte,
	recipient *secp256k1.PublicKey,
) (*Envelope, error) { // A
	if recipient == nil || !recipient.IsOnCurve() {
		return nil, fmt.Errorf("%w: recipient is not a curve point", keys.ErrInvalidKeyFormat)
	}

	ephemeral, err := secp256k1.GeneratePrivateKeyFromRand(r)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer ephemeral.Zero()

	encKey, macKey := deriveKeys(ephemeral, recipient)
	defer clear(encKey)
	defer clear(macKey)

	env := &Envelope{EphemeralPublicKey: ephemeral.PubKey()}
	if _, err := io.ReadFull(r, env.IV[:]); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	padded := pkcs7Pad(plaintext)
	env.Ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, env.IV[:]).CryptBlocks(env.Ciphertext, padded)

	copy(env.MAC[:], computeMAC(macKey, env))
	return env, nil
}

// Decrypt verifies the MAC in constant time and only then decrypts.
func Decrypt(
	env *Envelope,
	priv *secp256k1.PrivateKey,
) ([]byte, error) { // A
	if env == nil || env.EphemeralPublicKey == nil {
		return nil, ErrMalformedEnvelope
	}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		return nil, ErrMalformedEnvelope
	}

	encKey, macKey := deriveKeys(priv, env.EphemeralPublicKey)
	defer clear(encKey)
	defer clear(macKey)

	if !hmac.Equal(computeMAC(macKey, env), env.MAC[:]) {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	out := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(block, env.IV[:]).CryptBlocks(out, env.Ciphertext)

	plaintext, ok := pkcs7Unpad(out)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Seal encrypts plaintext for recipient and returns the text encoding.
func Seal(
	plaintext []byte,
	recipient *secp256k1.PublicKey,
) ([]byte, error) { // A
	env, err := Encrypt(plaintext, recipient)
	if err != nil {
		return nil, err
	}
	return env.MarshalText()
}

// Open parses the text encoding and decrypts it. Every failure, including a
// parse failure, matches ErrDecryptionFailed.
func Open(data []byte, priv *secp256k1.PrivateKey) ([]byte, error) { // A
	env, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Decrypt(env, priv)
}

// deriveKeys returns (encryption key, mac key).
func deriveKeys(
	priv *secp256k1.PrivateKey,
	pub *secp256k1.PublicKey,
) ([]byte, []byte) {
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	defer clear(shared)
	digest := sha512.Sum512(shared)
	encKey := bytes.Clone(digest[:32])
	macKey := bytes.Clone(digest[32:])
	clear(digest[:])
	return encKey, macKey
}

func computeMAC(macKey []byte, env *Envelope) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(env.IV[:])
	m.Write(env.EphemeralPublicKey.SerializeUncompressed())
	m.Write(env.Ciphertext)
	return m.Sum(nil)
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
