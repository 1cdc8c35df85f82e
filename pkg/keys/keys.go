// Package keys derives secp256k1 public keys and Ethereum-style addresses
// from role private keys.
//
// Public keys travel in three encodings: the 64-byte raw form used by
// eth-crypto (X || Y without prefix), the 65-byte uncompressed SEC1 form and
// the 33-byte compressed SEC1 form. ParsePublicKey accepts all three.
package keys

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidKeyFormat is returned for private keys outside [1, n-1] and for
// public keys that are not points on secp256k1.
var ErrInvalidKeyFormat = errors.New("keys: invalid key format")

const (
	// PrivateKeySize is the length of a serialized private scalar.
	PrivateKeySize = 32
	// RawPublicKeySize is the eth-crypto public key length (no SEC1 prefix).
	RawPublicKeySize = 64
)

// KeyPair holds a private scalar together with its derived public key and
// address. The private scalar is never exposed through String or LogValue.
type KeyPair struct { // A
	private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
	Address common.Address
}

// FromHex parses a hex private key, with or without 0x prefix.
func FromHex(s string) (*KeyPair, error) { // A
	b, err := hex.DecodeString(strip0x(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not hex", ErrInvalidKeyFormat)
	}
	return FromBytes(b)
}

// FromBytes builds a KeyPair from a 32-byte big-endian scalar.
func FromBytes(b []byte) (*KeyPair, error) { // A
	priv, err := parseScalar(b)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey()
	return &KeyPair{
		private: priv,
		Public:  pub,
		Address: AddressFrom(pub),
	}, nil
}

// Generate creates a fresh random KeyPair.
func Generate() (*KeyPair, error) { // A
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub := priv.PubKey()
	return &KeyPair{
		private: priv,
		Public:  pub,
		Address: AddressFrom(pub),
	}, nil
}

// PublicKeyFrom derives the public key of a serialized private key.
func PublicKeyFrom(privateKey []byte) (*secp256k1.PublicKey, error) { // A
	priv, err := parseScalar(privateKey)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

// AddressFrom returns the last 20 bytes of Keccak-256 over the uncompressed
// public key without its 0x04 prefix.
func AddressFrom(pub *secp256k1.PublicKey) common.Address { // A
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return common.BytesToAddress(h.Sum(nil)[12:])
}

// ParsePublicKey decodes a hex public key in raw (64 bytes), uncompressed
// (65 bytes) or compressed (33 bytes) form.
func ParsePublicKey(s string) (*secp256k1.PublicKey, error) { // A
	b, err := hex.DecodeString(strip0x(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex", ErrInvalidKeyFormat)
	}
	return ParsePublicKeyBytes(b)
}

// ParsePublicKeyBytes is ParsePublicKey for already decoded bytes.
func ParsePublicKeyBytes(b []byte) (*secp256k1.PublicKey, error) { // A
	if len(b) == RawPublicKeySize {
		b = append([]byte{0x04}, b...)
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return pub, nil
}

// PublicKeyHex encodes a public key the way eth-crypto does: 128 lowercase
// hex characters, no prefix.
func PublicKeyHex(pub *secp256k1.PublicKey) string { // A
	return hex.EncodeToString(pub.SerializeUncompressed()[1:])
}

// PrivateKey returns the secp256k1 private key.
func (k *KeyPair) PrivateKey() *secp256k1.PrivateKey { // A
	return k.private
}

// ECDSA returns the private key in the form go-ethereum signers expect.
func (k *KeyPair) ECDSA() (*ecdsa.PrivateKey, error) { // A
	b := k.private.Serialize()
	defer clear(b)
	priv, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return priv, nil
}

// Owns reports whether addr is the address of this key pair.
func (k *KeyPair) Owns(addr common.Address) bool { // A
	return subtle.ConstantTimeCompare(k.Address.Bytes(), addr.Bytes()) == 1
}

// String returns the address only.
func (k *KeyPair) String() string { // A
	return k.Address.Hex()
}

// LogValue keeps the private scalar out of structured logs.
func (k *KeyPair) LogValue() slog.Value { // A
	return slog.StringValue(k.Address.Hex())
}

func parseScalar(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf(
			"%w: private key must be %d bytes, got %d",
			ErrInvalidKeyFormat, PrivateKeySize, len(b),
		)
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("%w: private key exceeds curve order", ErrInvalidKeyFormat)
	}
	if s.IsZero() {
		return nil, fmt.Errorf("%w: private key is zero", ErrInvalidKeyFormat)
	}
	return secp256k1.NewPrivateKey(&s), nil
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
