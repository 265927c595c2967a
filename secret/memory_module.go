package secret

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryModule is a SecureModule that keeps the seed in process memory.
type MemoryModule struct {
	mu     sync.RWMutex
	handle KeyHandle
	seed   Secret
}

var _ SecureModule = &MemoryModule{}

func NewMemoryModule() *MemoryModule {
	return &MemoryModule{}
}

func (m *MemoryModule) StoreSeed(_ context.Context, seed Secret) (handle KeyHandle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seed != nil {
		err = errors.WithStack(ErrSecretAlreadyStored)
		return
	}

	m.seed = seed.Bytes()
	m.handle = KeyHandle(uuid.NewString())
	return m.handle, nil
}

func (m *MemoryModule) Handle(_ context.Context) (KeyHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.seed == nil {
		return "", errors.WithStack(ErrNoSecretStored)
	}
	return m.handle, nil
}

func (m *MemoryModule) seedFor(handle KeyHandle) (seed []byte, err error) {
	if m.seed == nil {
		err = errors.WithStack(ErrNoSecretStored)
		return
	}
	if handle != m.handle {
		err = errors.Errorf("unknown key handle %s", handle)
		return
	}
	return m.seed, nil
}

func (m *MemoryModule) PublicKey(_ context.Context, handle KeyHandle, chain Chain) (public ed25519.PublicKey, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seed, err := m.seedFor(handle)
	if err != nil {
		return
	}
	return derivePublicKey(seed, chain)
}

func (m *MemoryModule) PublicKeys(_ context.Context, handle KeyHandle, chains []Chain) (keys []ed25519.PublicKey, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seed, err := m.seedFor(handle)
	if err != nil {
		return
	}
	return derivePublicKeys(seed, chains)
}

func (m *MemoryModule) Sign(_ context.Context, handle KeyHandle, chain Chain, digest []byte) (signature Signature, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seed, err := m.seedFor(handle)
	if err != nil {
		return
	}
	return signDigest(seed, chain, digest)
}

func (m *MemoryModule) ClearSeed(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seed.Zero()
	m.seed = nil
	m.handle = ""
	return nil
}

func (m *MemoryModule) Close() error {
	return m.ClearSeed(context.Background())
}
