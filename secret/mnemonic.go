package secret

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/cosmos/go-bip39"
	"github.com/pkg/errors"
)

const mnemonicEntropyBits = 256

// MnemonicSecretManager keeps the bip39 seed in process memory. Close zeroes
// it.
type MnemonicSecretManager struct {
	mu   sync.RWMutex
	seed Secret
}

var _ SecretManager = &MnemonicSecretManager{}

func NewMnemonicSecretManager(phrase string) (manager *MnemonicSecretManager, err error) {
	seed, err := mnemonicToSeed(phrase)
	if err != nil {
		return
	}
	return &MnemonicSecretManager{seed: seed}, nil
}

func NewMnemonicFromHexSeed(hexSeed string) (manager *MnemonicSecretManager, err error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexSeed), "0x"))
	if err != nil {
		err = errors.Wrap(err, "invalid hex seed")
		return
	}
	if len(seed) < 16 || len(seed) > 64 {
		zeroBytes(seed)
		err = errors.Errorf("seed must be between 16 and 64 bytes, got %d", len(seed))
		return
	}
	return &MnemonicSecretManager{seed: seed}, nil
}

// GenerateMnemonic returns a fresh 24 word english mnemonic.
func GenerateMnemonic() (phrase string, err error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		err = errors.Wrap(err, "failed to generate entropy")
		return
	}
	defer zeroBytes(entropy)

	phrase, err = bip39.NewMnemonic(entropy)
	if err != nil {
		err = errors.Wrap(err, "failed to build mnemonic")
		return
	}

	return
}

func MnemonicToHexSeed(phrase string) (hexSeed string, err error) {
	seed, err := mnemonicToSeed(phrase)
	if err != nil {
		return
	}
	defer seed.Zero()
	return hex.EncodeToString(seed), nil
}

func normalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(phrase), " ")
}

func validateMnemonic(phrase string) (normalized string, err error) {
	normalized = normalizeMnemonic(phrase)
	if !bip39.IsMnemonicValid(normalized) {
		err = errors.Wrapf(ErrInvalidMnemonic, "%d words", len(strings.Fields(normalized)))
		normalized = ""
	}
	return
}

func mnemonicToSeed(phrase string) (seed Secret, err error) {
	normalized, err := validateMnemonic(phrase)
	if err != nil {
		return
	}
	return bip39.NewSeed(normalized, ""), nil
}

func (m *MnemonicSecretManager) secretManager() {}

func (m *MnemonicSecretManager) Kind() Kind {
	return KindMnemonic
}

func (m *MnemonicSecretManager) withSeed(fn func(seed []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.seed == nil {
		return errors.WithStack(ErrClosed)
	}
	return fn(m.seed)
}

func (m *MnemonicSecretManager) GenerateAddresses(ctx context.Context, options AddressOptions) (addresses []DerivedAddress, err error) {
	err = m.withSeed(func(seed []byte) (err error) {
		addresses, err = deriveAddresses(ctx, options, func(chain Chain) (ed25519.PublicKey, error) {
			return derivePublicKey(seed, chain)
		})
		return
	})
	return
}

func (m *MnemonicSecretManager) Sign(ctx context.Context, digest []byte, chain Chain) (signature Signature, err error) {
	err = m.withSeed(func(seed []byte) (err error) {
		signature, err = signDigest(seed, chain, digest)
		return
	})
	return
}

func (m *MnemonicSecretManager) StoreMnemonic(_ context.Context, _ string) error {
	return errors.Wrap(ErrOperationUnsupported, "mnemonic secret manager does not persist mnemonics")
}

func (m *MnemonicSecretManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seed.Zero()
	m.seed = nil
	return nil
}
