package secret

import (
	"context"

	"github.com/pkg/errors"
)

// ReadOnlySecretManager derives addresses through the wrapped manager and
// refuses everything else.
type ReadOnlySecretManager struct {
	inner SecretManager
}

var _ SecretManager = &ReadOnlySecretManager{}

func NewReadOnlySecretManager(inner SecretManager) (manager *ReadOnlySecretManager, err error) {
	if inner == nil {
		err = errors.New("read only secret manager needs a manager to wrap")
		return
	}
	if ro, ok := inner.(*ReadOnlySecretManager); ok {
		inner = ro.inner
	}
	return &ReadOnlySecretManager{inner: inner}, nil
}

func (r *ReadOnlySecretManager) secretManager() {}

func (r *ReadOnlySecretManager) Kind() Kind {
	return KindReadOnly
}

func (r *ReadOnlySecretManager) Inner() SecretManager {
	return r.inner
}

func (r *ReadOnlySecretManager) GenerateAddresses(ctx context.Context, options AddressOptions) ([]DerivedAddress, error) {
	return r.inner.GenerateAddresses(ctx, options)
}

func (r *ReadOnlySecretManager) Sign(_ context.Context, _ []byte, chain Chain) (Signature, error) {
	return Signature{}, errors.Wrapf(ErrReadOnly, "sign with %s", chain)
}

func (r *ReadOnlySecretManager) StoreMnemonic(_ context.Context, _ string) error {
	return errors.Wrap(ErrReadOnly, "store mnemonic")
}
