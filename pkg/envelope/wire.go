package envelope

import (
	"crypto/aes"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Text layout, lowercase hex:
//
//	iv (16) | compressed ephemeral public key (33) | mac (32) | ciphertext
const headerSize = ivSize + secp256k1.PubKeyBytesLenCompressed + macSize

// MarshalText returns the lowercase hex encoding.
func (e *Envelope) MarshalText() ([]byte, error) { // A
	if e.EphemeralPublicKey == nil {
		return nil, ErrMalformedEnvelope
	}
	raw := make([]byte, 0, headerSize+len(e.Ciphertext))
	raw = append(raw, e.IV[:]...)
	raw = append(raw, e.EphemeralPublicKey.SerializeCompressed()...)
	raw = append(raw, e.MAC[:]...)
	raw = append(raw, e.Ciphertext...)

	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}

// UnmarshalText parses the lowercase hex encoding.
func (e *Envelope) UnmarshalText(text []byte) error { // A
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// Parse decodes an envelope. Uppercase hex is rejected so that every
// encoding maps to exactly one envelope.
func Parse(text []byte) (*Envelope, error) { // A
	if len(text)%2 != 0 {
		return nil, ErrMalformedEnvelope
	}
	for _, c := range text {
		if !isLowerHex(c) {
			return nil, ErrMalformedEnvelope
		}
	}
	raw := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(raw, text); err != nil {
		return nil, ErrMalformedEnvelope
	}

	if len(raw) < headerSize+aes.BlockSize {
		return nil, ErrMalformedEnvelope
	}
	ct := raw[headerSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrMalformedEnvelope
	}

	pubStart := ivSize
	macStart := pubStart + secp256k1.PubKeyBytesLenCompressed
	pub, err := secp256k1.ParsePubKey(raw[pubStart:macStart])
	if err != nil {
		return nil, ErrMalformedEnvelope
	}

	env := &Envelope{
		EphemeralPublicKey: pub,
		Ciphertext:         ct,
	}
	copy(env.IV[:], raw[:pubStart])
	copy(env.MAC[:], raw[macStart:headerSize])
	return env, nil
}

func isLowerHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f')
}
