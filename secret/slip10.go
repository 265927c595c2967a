package secret

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"

	"github.com/pkg/errors"
)

const hardened uint32 = 0x80000000

var ed25519SeedKey = []byte("ed25519 seed")

type extendedKey struct {
	key       [32]byte
	chainCode [32]byte
}

func (k *extendedKey) zero() {
	for i := range k.key {
		k.key[i] = 0
		k.chainCode[i] = 0
	}
}

func splitDigest(digest []byte) (k extendedKey) {
	copy(k.key[:], digest[:32])
	copy(k.chainCode[:], digest[32:])
	return
}

func masterKey(seed []byte) extendedKey {
	mac := hmac.New(sha512.New, ed25519SeedKey)
	mac.Write(seed)
	return splitDigest(mac.Sum(nil))
}

// child derives a hardened child. ed25519 has no public derivation.
func (k extendedKey) child(index uint32) (child extendedKey, err error) {
	if index < hardened {
		err = errors.Errorf("ed25519 derivation needs hardened indexes, got %d", index)
		return
	}

	data := make([]byte, 0, 37)
	data = append(data, 0)
	data = append(data, k.key[:]...)
	data = binary.BigEndian.AppendUint32(data, index)

	mac := hmac.New(sha512.New, k.chainCode[:])
	mac.Write(data)
	child = splitDigest(mac.Sum(nil))
	return
}

func derivePrivateKey(seed []byte, chain Chain) (private ed25519.PrivateKey, err error) {
	if len(seed) < 16 || len(seed) > 64 {
		err = errors.Errorf("seed must be between 16 and 64 bytes, got %d", len(seed))
		return
	}
	if err = chain.validate(); err != nil {
		return
	}

	key := masterKey(seed)
	for _, index := range chain.Path() {
		next, err2 := key.child(index)
		key.zero()
		if err2 != nil {
			err = err2
			return
		}
		key = next
	}

	private = ed25519.NewKeyFromSeed(key.key[:])
	key.zero()
	return
}

func derivePublicKey(seed []byte, chain Chain) (public ed25519.PublicKey, err error) {
	private, err := derivePrivateKey(seed, chain)
	if err != nil {
		return
	}
	defer zeroBytes(private)

	public = append(ed25519.PublicKey(nil), private.Public().(ed25519.PublicKey)...)
	return
}

func derivePublicKeys(seed []byte, chains []Chain) (keys []ed25519.PublicKey, err error) {
	keys = make([]ed25519.PublicKey, 0, len(chains))
	for _, chain := range chains {
		public, err2 := derivePublicKey(seed, chain)
		if err2 != nil {
			return nil, err2
		}
		keys = append(keys, public)
	}
	return
}

func signDigest(seed []byte, chain Chain, digest []byte) (signature Signature, err error) {
	if err = validateDigest(digest); err != nil {
		return
	}

	private, err := derivePrivateKey(seed, chain)
	if err != nil {
		return
	}
	defer zeroBytes(private)

	copy(signature.PublicKey[:], private.Public().(ed25519.PublicKey))
	copy(signature.Signature[:], ed25519.Sign(private, digest))
	return
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
