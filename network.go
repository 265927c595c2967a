package shimmer

import "github.com/pkg/errors"

const (
	CoinTypeIota    uint32 = 4218
	CoinTypeShimmer uint32 = 4219

	HrpIota           = "iota"
	HrpIotaTestnet    = "atoi"
	HrpShimmer        = "smr"
	HrpShimmerTestnet = "rms"
)

type NetworkParams struct {
	Name      Network
	Bech32Hrp string
	CoinType  uint32
}

var (
	IotaParams           = NetworkParams{Name: NetworkIota, Bech32Hrp: HrpIota, CoinType: CoinTypeIota}
	IotaTestnetParams    = NetworkParams{Name: NetworkIotaTestnet, Bech32Hrp: HrpIotaTestnet, CoinType: CoinTypeIota}
	ShimmerParams        = NetworkParams{Name: NetworkShimmer, Bech32Hrp: HrpShimmer, CoinType: CoinTypeShimmer}
	ShimmerTestnetParams = NetworkParams{Name: NetworkShimmerTestnet, Bech32Hrp: HrpShimmerTestnet, CoinType: CoinTypeShimmer}
)

const (
	NetworkIota           Network = "iota-mainnet"
	NetworkIotaTestnet    Network = "iota-testnet"
	NetworkShimmer        Network = "shimmer"
	NetworkShimmerTestnet Network = "testnet"
)

type Network string

func (n Network) Valid() bool {
	_, err := n.Params()
	return err == nil
}

func (n Network) Params() (params *NetworkParams, err error) {
	switch n {
	case NetworkIota:
		return &IotaParams, nil
	case NetworkIotaTestnet:
		return &IotaTestnetParams, nil
	case NetworkShimmer:
		return &ShimmerParams, nil
	case NetworkShimmerTestnet:
		return &ShimmerTestnetParams, nil
	}
	err = errors.Errorf("invalid network: '%s'", n)
	return
}

// ParamsForHrp finds the network a bech32 prefix belongs to.
func ParamsForHrp(hrp string) (params *NetworkParams, err error) {
	for _, p := range []*NetworkParams{&IotaParams, &IotaTestnetParams, &ShimmerParams, &ShimmerTestnetParams} {
		if p.Bech32Hrp == hrp {
			return p, nil
		}
	}
	err = errors.Errorf("unknown bech32 prefix: '%s'", hrp)
	return
}
