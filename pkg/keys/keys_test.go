package keys

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// secp256k1 group order n.
const curveOrderHex = "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141"

func TestAddressFromKnownVectors(t *testing.T) { // A
	t.Parallel()
	cases := []struct {
		priv string
		addr string
	}{
		{
			priv: "0000000000000000000000000000000000000000000000000000000000000001",
			addr: "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf",
		},
		{
			priv: "0x0000000000000000000000000000000000000000000000000000000000000002",
			addr: "0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF",
		},
		{
			priv: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
			addr: "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
		},
	}
	for _, tc := range cases {
		kp, err := FromHex(tc.priv)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(tc.addr), kp.Address)
	}
}

func TestFromBytesRejectsOutOfRangeScalars(t *testing.T) { // A
	t.Parallel()
	order, err := hex.DecodeString(curveOrderHex)
	require.NoError(t, err)

	invalid := map[string][]byte{
		"zero":      make([]byte, 32),
		"order":     order,
		"all-ones":  bytes.Repeat([]byte{0xff}, 32),
		"too-short": make([]byte, 31),
		"too-long":  append([]byte{0x01}, make([]byte, 32)...),
		"empty":     nil,
	}
	for name, b := range invalid {
		_, err := FromBytes(b)
		assert.ErrorIs(t, err, ErrInvalidKeyFormat, name)

		_, err = PublicKeyFrom(b)
		assert.ErrorIs(t, err, ErrInvalidKeyFormat, name)
	}

	_, err = FromHex("not-hex")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestOrderMinusOneIsValid(t *testing.T) { // A
	t.Parallel()
	order, err := hex.DecodeString(curveOrderHex)
	require.NoError(t, err)
	order[31]--

	kp, err := FromBytes(order)
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, kp.Address)
}

func TestPublicKeyEncodingsRoundTrip(t *testing.T) { // A
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "seed")
		kp, err := FromBytes(seed)
		if err != nil {
			rt.Skip("scalar out of range")
		}

		raw := PublicKeyHex(kp.Public)
		if len(raw) != 2*RawPublicKeySize {
			rt.Fatalf("raw hex length = %d", len(raw))
		}

		forms := []string{
			raw,
			"0x" + raw,
			hex.EncodeToString(kp.Public.SerializeUncompressed()),
			hex.EncodeToString(kp.Public.SerializeCompressed()),
		}
		for _, f := range forms {
			pub, err := ParsePublicKey(f)
			if err != nil {
				rt.Fatalf("parse %q: %v", f, err)
			}
			if !pub.IsEqual(kp.Public) {
				rt.Fatalf("parsed key differs for form %q", f)
			}
			if AddressFrom(pub) != kp.Address {
				rt.Fatalf("address differs for form %q", f)
			}
		}

		derived, err := PublicKeyFrom(seed)
		if err != nil {
			rt.Fatal(err)
		}
		if !derived.IsEqual(kp.Public) {
			rt.Fatal("PublicKeyFrom disagrees with FromBytes")
		}
	})
}

func TestParsePublicKeyRejectsOffCurvePoints(t *testing.T) { // A
	t.Parallel()
	kp, err := Generate()
	require.NoError(t, err)

	raw := kp.Public.SerializeUncompressed()[1:]
	raw[len(raw)-1] ^= 0x01 // y no longer matches x

	_, err = ParsePublicKeyBytes(raw)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = ParsePublicKey(strings.Repeat("ab", 10))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestECDSAMatchesAddress(t *testing.T) { // A
	t.Parallel()
	kp, err := Generate()
	require.NoError(t, err)

	priv, err := kp.ECDSA()
	require.NoError(t, err)

	pub, err := secp256k1.ParsePubKey(
		append([]byte{0x04}, append(
			common.LeftPadBytes(priv.PublicKey.X.Bytes(), 32),
			common.LeftPadBytes(priv.PublicKey.Y.Bytes(), 32)...,
		)...),
	)
	require.NoError(t, err)
	assert.True(t, kp.Owns(AddressFrom(pub)))
}

func TestKeyPairNeverPrintsPrivateKey(t *testing.T) { // A
	t.Parallel()
	kp, err := Generate()
	require.NoError(t, err)
	secret := hex.EncodeToString(kp.PrivateKey().Serialize())

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("signer", "key", kp)

	assert.NotContains(t, buf.String(), secret)
	assert.Contains(t, buf.String(), kp.Address.Hex())
	assert.NotContains(t, fmt.Sprintf("%v %s", kp, kp), secret)
}
