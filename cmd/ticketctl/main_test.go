package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
)

const (
	keyOne     = "0x0000000000000000000000000000000000000000000000000000000000000001"
	pubkeyOne  = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8"
	addressOne = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

// executeCommand runs the CLI with args and returns everything it printed.
func executeCommand(args []string) (string, error) {
	defer resetCmdArgs()

	buf := new(bytes.Buffer)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)

	err := rootCmd.Execute()
	return buf.String(), err
}

func resetCmdArgs() {
	rootArgs = rootFlags{timeout: defaultTimeout, logLevel: "info"}
	keyArgs = keyFlags{role: string(tickets.RoleProtocol)}
	mintArgs = mintFlags{}
	mintBatchArgs = mintBatchFlags{}
	redeemArgs = redeemFlags{as: "protocol"}
	revealArgs = revealFlags{}
	demoArgs = demoFlags{content: "QR-7", eventIndex: 2}
	stagingArgs = stagingFlags{}
}

func clearKeys(t *testing.T) {
	t.Helper()
	for _, r := range []tickets.Role{tickets.RoleProtocol, tickets.RoleDeployer, tickets.RoleOwner} {
		t.Setenv(r.EnvVar(), "")
	}
	t.Setenv("FB_ACCESS_KEY_ID", "")
	t.Setenv("FB_SECRET_ACCESS_KEY", "")
}

func TestPubkeyAndAddressCmd(t *testing.T) {
	clearKeys(t)

	out, err := executeCommand([]string{"pubkey", "--key", keyOne})
	require.NoError(t, err)
	assert.Equal(t, pubkeyOne, strings.TrimSpace(out))

	out, err = executeCommand([]string{"address", "--key", keyOne})
	require.NoError(t, err)
	assert.Equal(t, addressOne, strings.TrimSpace(out))
}

func TestAddressCmdFromEnvironment(t *testing.T) {
	clearKeys(t)
	t.Setenv(tickets.RoleOwner.EnvVar(), keyOne)

	out, err := executeCommand([]string{"address", "--role", "owner"})
	require.NoError(t, err)
	assert.Equal(t, addressOne, strings.TrimSpace(out))

	_, err = executeCommand([]string{"address"})
	require.ErrorIs(t, err, tickets.ErrMissingKey)
	assert.Contains(t, err.Error(), "PRIVATE_KEY_OF_PROTOCOL")

	_, err = executeCommand([]string{"address", "--role", "auditor"})
	assert.ErrorContains(t, err, "unknown role")
}

func TestMintCmdNamesMissingKeys(t *testing.T) {
	clearKeys(t)
	image := filepath.Join(t.TempDir(), "qr.png")
	require.NoError(t, os.WriteFile(image, []byte("png"), 0o600))

	_, err := executeCommand([]string{"mint", "--image", image})
	require.ErrorIs(t, err, tickets.ErrMissingKey)
	assert.Contains(t, err.Error(), "PRIVATE_KEY_OF_PROTOCOL")
	assert.Contains(t, err.Error(), "PRIVATE_KEY_DEPLOYER")
}

func TestTokenIDArgument(t *testing.T) {
	clearKeys(t)
	for _, cmd := range []string{"status", "reconcile", "redeem"} {
		_, err := executeCommand([]string{cmd, "seven"})
		assert.ErrorContains(t, err, "invalid token id", cmd)
	}

	_, err := executeCommand([]string{"redeem", "7", "--as", "auditor"})
	assert.ErrorContains(t, err, "--as must be")
}

func TestDemoCmd(t *testing.T) {
	out, err := executeCommand([]string{"demo", "--log-level", "error", "--no-color"})
	require.NoError(t, err, out)

	assert.Contains(t, out, "✔ minted ticket 1")
	assert.Contains(t, out, "status:       minted")
	assert.Contains(t, out, "content verified")
	assert.Contains(t, out, `✔ revealed "QR-7"`)
	assert.Contains(t, out, "second redeem refused")
	assert.Contains(t, out, "stranger reveal refused")
	assert.Contains(t, out, "status:       redeemed")
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("A"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("B"), 0o600))

	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tickets:
  - image: a.png
    to: "0x00000000000000000000000000000000000000aa"
    eventIndex: 2
  - image: b.png
`), 0o600))

	m, err := readManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Tickets, 2)

	_, err = m.requests(dir, nil, false)
	assert.ErrorContains(t, err, "no recipient")

	fallback := common.HexToAddress("0xbb")
	reqs, err := m.requests(dir, &fallback, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("QQ=="), reqs[0].Plaintext)
	assert.Equal(t, []byte("Qg=="), reqs[1].Plaintext)
	assert.Equal(t, common.HexToAddress("0xaa"), reqs[0].Recipient)
	assert.Equal(t, uint32(2), reqs[0].EventIndex)
	assert.Equal(t, fallback, reqs[1].Recipient)

	reqs, err = m.requests(dir, &fallback, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), reqs[0].Plaintext)
	assert.Equal(t, []byte("B"), reqs[1].Plaintext)
}

func TestReadManifestRejects(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"empty":     "tickets: []\n",
		"no image":  "tickets:\n  - eventIndex: 1\n",
		"bad to":    "tickets:\n  - image: a.png\n    to: nope\n",
		"bad field": "tickets:\n  - image: a.png\n    seat: 4\n",
	} {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "-")+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := readManifest(path)
		assert.Error(t, err, name)
	}
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestStageImage(t *testing.T) {
	assert.Equal(t, []byte("iVBORw0KGgo="), stageImage(pngMagic, false))
	assert.Equal(t, pngMagic, stageImage(pngMagic, true))

	image, err := unstageImage([]byte("iVBORw0KGgo=\n"), false)
	require.NoError(t, err)
	assert.Equal(t, pngMagic, image)

	content, err := unstageImage([]byte("QR-7"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("QR-7"), content)

	_, err = unstageImage([]byte("QR-7"), false)
	assert.ErrorContains(t, err, "--raw")
}

func TestStagingFlagIsRegistered(t *testing.T) {
	for _, cmd := range []string{"mint", "mint-batch", "reveal"} {
		c, _, err := rootCmd.Find([]string{cmd})
		require.NoError(t, err, cmd)
		assert.NotNil(t, c.Flags().Lookup("raw"), cmd)
	}
}

// Revealed content is base64 text that unstages into the minted image.
func TestStagedImageSurvivesLifecycle(t *testing.T) {
	var roles [3]*keys.KeyPair
	for i := range roles {
		k, err := keys.Generate()
		require.NoError(t, err)
		roles[i] = k
	}
	protocol, deployer, owner := roles[0], roles[1], roles[2]

	conf := tickets.DefaultConfig()
	conf.Store.Backend = tickets.StoreLocal
	conf.Ledger.Backend = tickets.LedgerSim
	conf.Keys = tickets.KeyConfig{
		Protocol: privateHex(protocol),
		Deployer: privateHex(deployer),
		Owner:    privateHex(owner),
	}

	ctx := context.Background()
	v, err := tickets.New(conf)
	require.NoError(t, err)
	require.NoError(t, v.Start(ctx))
	defer func() { _ = v.Close(ctx) }()

	image := append(bytes.Clone(pngMagic), 0x00, 0xff, 0x10)
	minted, err := v.Mint(ctx, stageImage(image, false), owner.Address, 2)
	require.NoError(t, err)

	_, err = v.Redeem(ctx, lifecycle.RedeemRequest{TokenID: minted.TokenID, Initiator: lifecycle.InitiatorOwner})
	require.NoError(t, err)

	content, err := v.Reveal(ctx, minted.TokenID, nil)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(image), string(content))

	revealed, err := unstageImage(content, false)
	require.NoError(t, err)
	assert.Equal(t, image, revealed)
}

func TestDemoCmdLogSource(t *testing.T) {
	out, err := executeCommand([]string{"demo", "--log-level", "debug", "--no-color", "--log-source"})
	require.NoError(t, err, out)
	assert.Contains(t, out, "tickets.go:")

	out, err = executeCommand([]string{"demo", "--log-level", "debug", "--no-color"})
	require.NoError(t, err, out)
	assert.NotContains(t, out, "tickets.go:")
}
