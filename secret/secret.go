// Package secret keeps private key material behind the SecretManager
// interface. Key derivation follows SLIP-10 over ed25519 with fully hardened
// bip44 paths.
package secret

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/pkg/errors"

	shimmer "github.com/alexdcox/shimmer-go"
)

var log = shimmer.Log().With().Str("package", "secret").Logger()

const (
	MaxAddressRange = 1000

	Bip44Purpose uint32 = 44
)

var (
	ErrSecretAlreadyStored   = errors.New("secret already stored")
	ErrNoSecretStored        = errors.New("no secret stored")
	ErrUnsupportedSecretKind = errors.New("unsupported secret manager kind")
	ErrMissingField          = errors.New("missing field")
	ErrReadOnly              = errors.New("secret manager is read only")
	ErrOperationUnsupported  = errors.New("operation not supported by this secret manager")
	ErrInvalidRange          = errors.New("invalid address range")
	ErrInvalidPassword       = errors.New("invalid password")
	ErrInvalidMnemonic       = errors.New("invalid mnemonic")
	ErrClosed                = errors.New("secret manager closed")
)

type Kind int

const (
	KindMnemonic Kind = iota
	KindStronghold
	KindReadOnly
)

func (k Kind) String() string {
	switch k {
	case KindMnemonic:
		return "Mnemonic"
	case KindStronghold:
		return "Stronghold"
	case KindReadOnly:
		return "ReadOnly"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SecretManager is implemented only by the managers in this package.
type SecretManager interface {
	GenerateAddresses(ctx context.Context, options AddressOptions) ([]DerivedAddress, error)
	Sign(ctx context.Context, digest []byte, chain Chain) (Signature, error)
	StoreMnemonic(ctx context.Context, phrase string) error
	Kind() Kind

	secretManager()
}

// Chain locates a key below the seed: m/44'/coin'/account'/internal'/index'.
type Chain struct {
	CoinType uint32
	Account  uint32
	Internal bool
	Index    uint32
}

func (c Chain) Path() []uint32 {
	var internal uint32
	if c.Internal {
		internal = 1
	}
	return []uint32{
		Bip44Purpose | hardened,
		c.CoinType | hardened,
		c.Account | hardened,
		internal | hardened,
		c.Index | hardened,
	}
}

func (c Chain) String() string {
	var internal uint32
	if c.Internal {
		internal = 1
	}
	return fmt.Sprintf("m/%d'/%d'/%d'/%d'/%d'", Bip44Purpose, c.CoinType, c.Account, internal, c.Index)
}

func (c Chain) validate() error {
	if c.CoinType >= hardened || c.Account >= hardened || c.Index >= hardened {
		return errors.Errorf("chain %s has a component beyond the hardened offset", c)
	}
	return nil
}

// IndexRange is the half open range [Start, End).
type IndexRange struct {
	Start uint32
	End   uint32
}

func (r IndexRange) Len() uint32 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r IndexRange) Validate() error {
	if r.End <= r.Start {
		return errors.Wrapf(ErrInvalidRange, "empty range %d..%d", r.Start, r.End)
	}
	if r.Len() > MaxAddressRange {
		return errors.Wrapf(ErrInvalidRange, "range %d..%d exceeds %d addresses", r.Start, r.End, MaxAddressRange)
	}
	if r.End > hardened {
		return errors.Wrapf(ErrInvalidRange, "range end %d beyond the hardened offset", r.End)
	}
	return nil
}

type AddressOptions struct {
	CoinType     uint32
	AccountIndex uint32
	Range        IndexRange
	Internal     bool
	Bech32Hrp    string
}

func (o AddressOptions) validate() (err error) {
	if err = o.Range.Validate(); err != nil {
		return
	}
	if o.AccountIndex >= hardened {
		return errors.Wrapf(ErrInvalidRange, "account index %d beyond the hardened offset", o.AccountIndex)
	}
	if o.CoinType >= hardened {
		return errors.Errorf("coin type %d beyond the hardened offset", o.CoinType)
	}
	return shimmer.ValidateHrp(o.Bech32Hrp)
}

func (o AddressOptions) chain(index uint32) Chain {
	return Chain{
		CoinType: o.CoinType,
		Account:  o.AccountIndex,
		Internal: o.Internal,
		Index:    index,
	}
}

type DerivedAddress struct {
	AccountIndex uint32
	KeyIndex     uint32
	Internal     bool
	Address      string
}

type Signature struct {
	PublicKey [ed25519.PublicKeySize]byte
	Signature [ed25519.SignatureSize]byte
}

func (s Signature) Verify(digest []byte) bool {
	return ed25519.Verify(s.PublicKey[:], digest, s.Signature[:])
}

func validateDigest(digest []byte) error {
	if len(digest) == 0 {
		return errors.New("empty digest")
	}
	return nil
}

// deriveAddresses builds the bech32 addresses for options, asking publicKey
// for each chain in range order.
func deriveAddresses(ctx context.Context, options AddressOptions, publicKey func(Chain) (ed25519.PublicKey, error)) (addresses []DerivedAddress, err error) {
	if err = options.validate(); err != nil {
		return
	}

	addresses = make([]DerivedAddress, 0, options.Range.Len())
	for index := options.Range.Start; index < options.Range.End; index++ {
		if err = ctx.Err(); err != nil {
			err = errors.WithStack(err)
			addresses = nil
			return
		}

		pub, err2 := publicKey(options.chain(index))
		if err2 != nil {
			err = err2
			addresses = nil
			return
		}

		addr, err2 := shimmer.Ed25519AddressFromPublicKey(pub)
		if err2 != nil {
			err = err2
			addresses = nil
			return
		}

		encoded, err2 := addr.Bech32(options.Bech32Hrp)
		if err2 != nil {
			err = err2
			addresses = nil
			return
		}

		addresses = append(addresses, DerivedAddress{
			AccountIndex: options.AccountIndex,
			KeyIndex:     index,
			Internal:     options.Internal,
			Address:      encoded,
		})
	}

	return
}

// Secret holds sensitive bytes. Formatting and marshaling redact it.
type Secret []byte

func (s Secret) String() string { return "[SECRET]" }

func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, "[SECRET]")
}

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[SECRET]"`), nil }

func (s Secret) MarshalText() ([]byte, error) { return []byte("[SECRET]"), nil }

func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}
