package secret

import (
	"context"

	"github.com/pkg/errors"

	shimmer "github.com/alexdcox/shimmer-go"
)

// AddressBuilder collects address options before deriving. Its methods take
// and return values, so a configured builder can be reused.
type AddressBuilder struct {
	manager SecretManager
	options AddressOptions
}

func NewAddressBuilder(manager SecretManager) AddressBuilder {
	return AddressBuilder{
		manager: manager,
		options: AddressOptions{
			CoinType:  shimmer.CoinTypeShimmer,
			Range:     IndexRange{Start: 0, End: 1},
			Bech32Hrp: shimmer.HrpShimmer,
		},
	}
}

func (b AddressBuilder) WithAccountIndex(account uint32) AddressBuilder {
	b.options.AccountIndex = account
	return b
}

func (b AddressBuilder) WithRange(start uint32, end uint32) AddressBuilder {
	b.options.Range = IndexRange{Start: start, End: end}
	return b
}

func (b AddressBuilder) WithBech32Hrp(hrp string) AddressBuilder {
	b.options.Bech32Hrp = hrp
	return b
}

func (b AddressBuilder) WithCoinType(coinType uint32) AddressBuilder {
	b.options.CoinType = coinType
	return b
}

func (b AddressBuilder) WithInternal(internal bool) AddressBuilder {
	b.options.Internal = internal
	return b
}

// WithNetwork sets the prefix and coin type of a known network.
func (b AddressBuilder) WithNetwork(params *shimmer.NetworkParams) AddressBuilder {
	b.options.Bech32Hrp = params.Bech32Hrp
	b.options.CoinType = params.CoinType
	return b
}

func (b AddressBuilder) Options() AddressOptions {
	return b.options
}

func (b AddressBuilder) Finish(ctx context.Context) (addresses []string, err error) {
	derived, err := b.FinishDetailed(ctx)
	if err != nil {
		return
	}

	addresses = make([]string, len(derived))
	for i, d := range derived {
		addresses[i] = d.Address
	}

	return
}

func (b AddressBuilder) FinishDetailed(ctx context.Context) (addresses []DerivedAddress, err error) {
	if b.manager == nil {
		err = errors.New("address builder has no secret manager")
		return
	}
	if err = b.options.validate(); err != nil {
		return
	}

	return b.manager.GenerateAddresses(ctx, b.options)
}
