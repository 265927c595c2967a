package secret

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/pkg/errors"
)

// KeyHandle names a seed held by a SecureModule. It carries no key material.
type KeyHandle string

// SecureModule holds at most one seed and performs derivation and signing on
// it. Only public keys and signatures leave the module.
type SecureModule interface {
	// StoreSeed persists seed, failing with ErrSecretAlreadyStored when one
	// is already held.
	StoreSeed(ctx context.Context, seed Secret) (KeyHandle, error)
	// Handle fails with ErrNoSecretStored when no seed is held.
	Handle(ctx context.Context) (KeyHandle, error)
	PublicKey(ctx context.Context, handle KeyHandle, chain Chain) (ed25519.PublicKey, error)
	// PublicKeys derives one key per chain, in order, unlocking the seed once.
	PublicKeys(ctx context.Context, handle KeyHandle, chains []Chain) ([]ed25519.PublicKey, error)
	Sign(ctx context.Context, handle KeyHandle, chain Chain, digest []byte) (Signature, error)
	ClearSeed(ctx context.Context) error
	Close() error
}

// StrongholdSecretManager forwards every operation to a SecureModule. The
// stored mnemonic is written once, a second store fails until it is cleared.
type StrongholdSecretManager struct {
	module SecureModule
	mu     sync.Mutex
}

var _ SecretManager = &StrongholdSecretManager{}

func NewStrongholdSecretManager(module SecureModule) (manager *StrongholdSecretManager, err error) {
	if module == nil {
		err = errors.New("stronghold secret manager needs a secure module")
		return
	}
	return &StrongholdSecretManager{module: module}, nil
}

func (s *StrongholdSecretManager) secretManager() {}

func (s *StrongholdSecretManager) Kind() Kind {
	return KindStronghold
}

func (s *StrongholdSecretManager) Module() SecureModule {
	return s.module
}

func (s *StrongholdSecretManager) GenerateAddresses(ctx context.Context, options AddressOptions) (addresses []DerivedAddress, err error) {
	if err = options.validate(); err != nil {
		return
	}

	handle, err := s.module.Handle(ctx)
	if err != nil {
		return
	}

	chains := make([]Chain, 0, options.Range.Len())
	for index := options.Range.Start; index < options.Range.End; index++ {
		chains = append(chains, options.chain(index))
	}

	keys, err := s.module.PublicKeys(ctx, handle, chains)
	if err != nil {
		return
	}
	if len(keys) != len(chains) {
		err = errors.Errorf("secure module returned %d public keys for %d chains", len(keys), len(chains))
		return
	}

	next := 0
	return deriveAddresses(ctx, options, func(Chain) (ed25519.PublicKey, error) {
		key := keys[next]
		next++
		return key, nil
	})
}

func (s *StrongholdSecretManager) Sign(ctx context.Context, digest []byte, chain Chain) (signature Signature, err error) {
	if err = validateDigest(digest); err != nil {
		return
	}

	handle, err := s.module.Handle(ctx)
	if err != nil {
		return
	}

	return s.module.Sign(ctx, handle, chain, digest)
}

func (s *StrongholdSecretManager) StoreMnemonic(ctx context.Context, phrase string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seed, err := mnemonicToSeed(phrase)
	if err != nil {
		return
	}
	defer seed.Zero()

	handle, err := s.module.StoreSeed(ctx, seed)
	if err != nil {
		return
	}

	log.Info().Msgf("mnemonic stored under handle %s", handle)
	return
}

// ClearStoredMnemonic removes the stored seed so a new mnemonic can be
// stored.
func (s *StrongholdSecretManager) ClearStoredMnemonic(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.module.ClearSeed(ctx)
}

func (s *StrongholdSecretManager) Close() error {
	return s.module.Close()
}
