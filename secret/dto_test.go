package secret

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestParseSecretManager(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "test.stronghold")

	testCases := []struct {
		name string
		json string
		kind Kind
	}{
		{
			name: "mnemonic",
			json: fmt.Sprintf(`{"Mnemonic": %q}`, testMnemonic),
			kind: KindMnemonic,
		},
		{
			name: "hex seed",
			json: fmt.Sprintf(`{"HexSeed": %q}`, "0x"+testHexSeed),
			kind: KindMnemonic,
		},
		{
			name: "stronghold",
			json: fmt.Sprintf(`{"Stronghold": {"password": "some_hopefully_secure_password", "snapshotPath": %q}}`, snapshot),
			kind: KindStronghold,
		},
		{
			name: "read only",
			json: fmt.Sprintf(`{"ReadOnly": {"Mnemonic": %q}}`, testMnemonic),
			kind: KindReadOnly,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			manager, err := ParseSecretManager([]byte(tc.json))
			if err != nil {
				t.Fatalf("failed to parse secret manager: %+v", err)
			}
			assert.Equal(t, tc.kind, manager.Kind())

			if closer, ok := manager.(interface{ Close() error }); ok {
				defer closer.Close()
			}
		})
	}
}

func TestParseSecretManager_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		json     string
		expected error
	}{
		{name: "unknown kind", json: `{"LedgerNano": {}}`, expected: ErrUnsupportedSecretKind},
		{name: "two kinds", json: `{"Mnemonic": "a", "HexSeed": "b"}`, expected: ErrUnsupportedSecretKind},
		{name: "no kind", json: `{}`, expected: ErrUnsupportedSecretKind},
		{name: "nested unknown kind", json: `{"ReadOnly": {"Placeholder": null}}`, expected: ErrUnsupportedSecretKind},
		{name: "null mnemonic", json: `{"Mnemonic": null}`, expected: ErrMissingField},
		{name: "empty mnemonic", json: `{"Mnemonic": "  "}`, expected: ErrMissingField},
		{name: "stronghold without password", json: `{"Stronghold": {"snapshotPath": "x.stronghold"}}`, expected: ErrMissingField},
		{name: "stronghold without path", json: `{"Stronghold": {"password": "x"}}`, expected: ErrMissingField},
		{name: "bad mnemonic", json: `{"Mnemonic": "one two three"}`, expected: ErrInvalidMnemonic},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			manager, err := ParseSecretManager([]byte(tc.json))
			assert.Nil(t, manager)
			assert.True(t, errors.Is(err, tc.expected), "expected %v, got %v", tc.expected, err)
		})
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()

	inner, err := NewMnemonicSecretManager(testMnemonic)
	if err != nil {
		t.Fatalf("failed to create manager: %+v", err)
	}

	manager, err := NewReadOnlySecretManager(inner)
	if err != nil {
		t.Fatalf("failed to create read only manager: %+v", err)
	}

	addresses, err := manager.GenerateAddresses(ctx, rmsFirstAddress)
	if err != nil {
		t.Fatalf("failed to generate addresses: %+v", err)
	}
	assert.Equal(t, "rms1qzev36lk0gzld0k28fd2fauz26qqzh4hd4cwymlqlv96x7phjxcw6v3ea5a", addresses[0].Address)

	_, err = manager.Sign(ctx, []byte("essence"), Chain{CoinType: 4219})
	assert.True(t, errors.Is(err, ErrReadOnly), "got %v", err)

	err = manager.StoreMnemonic(ctx, testMnemonic)
	assert.True(t, errors.Is(err, ErrReadOnly), "got %v", err)

	wrapped, err := NewReadOnlySecretManager(manager)
	if err != nil {
		t.Fatalf("failed to wrap read only manager: %+v", err)
	}
	assert.Equal(t, SecretManager(inner), wrapped.Inner())
}
