package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexdcox/shimmer-go/secret"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

const testMnemonic = "acoustic trophy damage hint search taste love bicycle foster cradle brown govern endless depend situate athlete pudding blame question genius transfer van random vast"

func runCmd(t *testing.T, stdin string, args ...string) (out string, err error) {
	t.Helper()

	cmd := newRootCmd(viper.New())
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err = cmd.Execute()
	return buf.String(), err
}

func mnemonicSecretManager(t *testing.T) string {
	j, err := json.Marshal(map[string]string{"Mnemonic": testMnemonic})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return string(j)
}

func TestAddressesCmd(t *testing.T) {
	out, err := runCmd(t, "", "addresses", "--secret-manager", mnemonicSecretManager(t), "--network", "testnet", "--count", "2")
	if err != nil {
		t.Fatalf("%+v", err)
	}

	assert.Equal(t, []string{
		"rms1qzev36lk0gzld0k28fd2fauz26qqzh4hd4cwymlqlv96x7phjxcw6v3ea5a",
		"rms1qznujl7m240za4pf6p0p8rdtqdca6tq7z44heqec8e57xsf429tvzmfq04g",
	}, strings.Fields(out))
}

func TestAddressesCmdFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(path, []byte(mnemonicSecretManager(t)), 0600); err != nil {
		t.Fatalf("%+v", err)
	}

	out, err := runCmd(t, "", "addresses", "--secret-manager", path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, "smr1qzev36lk0gzld0k28fd2fauz26qqzh4hd4cwymlqlv96x7phjxcw6ckj80y", strings.TrimSpace(out))
}

func TestAddressesCmdErrors(t *testing.T) {
	_, err := runCmd(t, "", "addresses")
	assert.ErrorContains(t, err, "no secret manager configured")

	_, err = runCmd(t, "", "addresses", "--secret-manager", mnemonicSecretManager(t), "--network", "devnet")
	assert.Error(t, err)

	_, err = runCmd(t, "", "addresses", "--secret-manager", `{"Ledger": {}}`)
	assert.ErrorIs(t, err, secret.ErrUnsupportedSecretKind)
}

func TestMnemonicCmd(t *testing.T) {
	out, err := runCmd(t, "", "mnemonic")
	if err != nil {
		t.Fatalf("%+v", err)
	}

	phrase := strings.TrimSpace(out)
	assert.Len(t, strings.Fields(phrase), 24)

	_, err = secret.NewMnemonicSecretManager(phrase)
	assert.NoError(t, err)
}

func TestStoreMnemonicCmd(t *testing.T) {
	j, err := json.Marshal(map[string]any{
		"Stronghold": map[string]string{
			"password":     "correct horse",
			"snapshotPath": filepath.Join(t.TempDir(), "wallet.snapshot"),
		},
	})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	stronghold := string(j)

	_, err = runCmd(t, "\n"+testMnemonic+"\n", "store-mnemonic", "--secret-manager", stronghold)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	out, err := runCmd(t, "", "addresses", "--secret-manager", stronghold, "--network", "testnet")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, "rms1qzev36lk0gzld0k28fd2fauz26qqzh4hd4cwymlqlv96x7phjxcw6v3ea5a", strings.TrimSpace(out))

	_, err = runCmd(t, testMnemonic, "store-mnemonic", "--secret-manager", stronghold)
	assert.ErrorIs(t, err, secret.ErrSecretAlreadyStored)

	_, err = runCmd(t, testMnemonic, "store-mnemonic", "--secret-manager", mnemonicSecretManager(t))
	assert.ErrorIs(t, err, secret.ErrOperationUnsupported)

	_, err = runCmd(t, "  \n", "store-mnemonic", "--secret-manager", stronghold)
	assert.ErrorIs(t, err, secret.ErrMissingField)
}

func TestOutputsCmd(t *testing.T) {
	a := newTestNode(t, "7", true)
	b := newTestNode(t, "7", true)
	c := newTestNode(t, "8", true)

	nodes := strings.Join(testNodeURLs(a, b, c), ",")

	out, err := runCmd(t, "", "outputs", "--nodes", nodes, "--quorum-size", "3", "--quorum-agreement", "2", "0x1", "0x2")
	if err != nil {
		t.Fatalf("%+v", err)
	}

	var outputs []map[string]any
	if err = json.Unmarshal([]byte(out), &outputs); err != nil {
		t.Fatalf("%+v\n%s", err, out)
	}
	if assert.Len(t, outputs, 2) {
		assert.Equal(t, map[string]any{"type": float64(3), "amount": "7"}, outputs[0]["output"])
	}

	_, err = runCmd(t, "", "outputs", "--nodes", nodes, "--quorum-size", "3", "--quorum-agreement", "3", "0x1")
	assert.ErrorContains(t, err, "quorum not reached")

	_, err = runCmd(t, "", "outputs", "0x1")
	assert.ErrorContains(t, err, "no nodes configured")
}

func TestNodeConfigFile(t *testing.T) {
	a := newTestNode(t, "7", true)

	config, err := json.Marshal(map[string]any{
		"nodes":    []string{a.server.URL},
		"localPow": true,
	})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	path := filepath.Join(t.TempDir(), "nodes.json")
	if err = os.WriteFile(path, config, 0600); err != nil {
		t.Fatalf("%+v", err)
	}

	out, err := runCmd(t, "", "info", "--node-config", path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Contains(t, out, `"name": "HORNET"`)
}

func TestReadMnemonic(t *testing.T) {
	phrase, err := readMnemonic(strings.NewReader("\n\n  one two three  \nfour\n"))
	assert.NoError(t, err)
	assert.Equal(t, "one two three", phrase)
}
