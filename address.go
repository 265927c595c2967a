package shimmer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	ogbech "github.com/btcsuite/btcutil/bech32"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

type AddressKind byte

const (
	AddressKindEd25519 AddressKind = 0
	AddressKindAlias   AddressKind = 8
	AddressKindNft     AddressKind = 16
)

func (k AddressKind) String() string {
	switch k {
	case AddressKindEd25519:
		return "ed25519"
	case AddressKindAlias:
		return "alias"
	case AddressKindNft:
		return "nft"
	default:
		return "invalid"
	}
}

func (k AddressKind) Valid() bool {
	return k == AddressKindEd25519 || k == AddressKindAlias || k == AddressKindNft
}

// Address is a kind byte followed by a 32 byte hash. For ed25519 addresses
// the hash is the blake2b-256 digest of the public key.
type Address struct {
	Kind AddressKind
	Hash [32]byte
}

func Ed25519AddressFromPublicKey(publicKey []byte) (addr Address, err error) {
	if len(publicKey) != ed25519.PublicKeySize {
		err = errors.Errorf(
			"expected a %d length ed25519 public key, got %d bytes",
			ed25519.PublicKeySize,
			len(publicKey))
		return
	}

	addr = Address{Kind: AddressKindEd25519, Hash: Blake2bSum256(publicKey)}
	return
}

func Blake2bSum256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

func (a Address) Bytes() []byte {
	return append([]byte{byte(a.Kind)}, a.Hash[:]...)
}

// String is the 0x prefixed hex form of the address bytes.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a.Bytes())
}

func (a Address) Bech32(hrp string) (encoded string, err error) {
	if err = ValidateHrp(hrp); err != nil {
		return
	}

	encoded, err = bech32.ConvertAndEncode(hrp, a.Bytes())
	if err != nil {
		err = errors.Errorf("failed to convert to bech32: %+v", err)
		return
	}

	return
}

func ParseAddressBytes(data []byte) (addr Address, err error) {
	if len(data) != 33 {
		err = errors.Errorf("expected 33 address bytes, got %d", len(data))
		return
	}

	addr.Kind = AddressKind(data[0])
	if !addr.Kind.Valid() {
		err = errors.Errorf("invalid address kind %d", data[0])
		return
	}

	copy(addr.Hash[:], data[1:])
	return
}

// ParseBech32Address decodes a bech32 address and returns its prefix.
func ParseBech32Address(encoded string) (hrp string, addr Address, err error) {
	hrp, data, err := ogbech.Decode(encoded)
	if err != nil {
		err = errors.Wrap(err, "failed to decode bech32 address")
		return
	}

	converted, err := ogbech.ConvertBits(data, 5, 8, false)
	if err != nil {
		err = errors.Wrap(err, "failed to convert bits")
		return
	}

	addr, err = ParseAddressBytes(converted)
	return
}

func IsAddressValid(encoded string) bool {
	_, _, err := ParseBech32Address(encoded)
	return err == nil
}

func HexToBech32(hexAddress string, hrp string) (encoded string, err error) {
	data, err := hex.DecodeString(strings.TrimPrefix(hexAddress, "0x"))
	if err != nil {
		err = errors.Wrap(err, "invalid hex address")
		return
	}

	addr, err := ParseAddressBytes(data)
	if err != nil {
		return
	}

	return addr.Bech32(hrp)
}

func Bech32ToHex(encoded string) (hexAddress string, err error) {
	_, addr, err := ParseBech32Address(encoded)
	if err != nil {
		return
	}
	return addr.String(), nil
}

func HexPublicKeyToBech32Address(hexPublicKey string, hrp string) (encoded string, err error) {
	publicKey, err := hex.DecodeString(strings.TrimPrefix(hexPublicKey, "0x"))
	if err != nil {
		err = errors.Wrap(err, "invalid hex public key")
		return
	}

	addr, err := Ed25519AddressFromPublicKey(publicKey)
	if err != nil {
		return
	}

	return addr.Bech32(hrp)
}

func ValidateHrp(hrp string) error {
	if hrp == "" {
		return errors.New("empty bech32 prefix")
	}
	if hrp != strings.ToLower(hrp) {
		return errors.Errorf("bech32 prefix '%s' must be lower case", hrp)
	}
	for _, c := range hrp {
		if c < 33 || c > 126 {
			return errors.New(fmt.Sprintf("bech32 prefix '%s' has invalid character %q", hrp, c))
		}
	}
	return nil
}
