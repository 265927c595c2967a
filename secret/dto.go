package secret

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	dtoMnemonic   = "Mnemonic"
	dtoHexSeed    = "HexSeed"
	dtoStronghold = "Stronghold"
	dtoReadOnly   = "ReadOnly"
)

type StrongholdDto struct {
	Password     string `json:"password,omitempty"`
	SnapshotPath string `json:"snapshotPath,omitempty"`
	HsmURL       string `json:"hsmUrl,omitempty"`
	HsmToken     string `json:"hsmToken,omitempty"`
}

// SecretManagerDto selects a secret manager by its single key, e.g.
// {"Mnemonic": "..."} or {"Stronghold": {"password": "...", "snapshotPath": "..."}}.
type SecretManagerDto struct {
	Mnemonic   *string           `json:"Mnemonic,omitempty"`
	HexSeed    *string           `json:"HexSeed,omitempty"`
	Stronghold *StrongholdDto    `json:"Stronghold,omitempty"`
	ReadOnly   *SecretManagerDto `json:"ReadOnly,omitempty"`
}

func (d *SecretManagerDto) UnmarshalJSON(data []byte) (err error) {
	fields := map[string]json.RawMessage{}
	if err = json.Unmarshal(data, &fields); err != nil {
		return errors.Wrap(err, "secret manager must be a json object")
	}

	if len(fields) != 1 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return errors.Wrapf(ErrUnsupportedSecretKind, "expected exactly one kind, got [%s]", strings.Join(keys, ", "))
	}

	for kind, raw := range fields {
		switch kind {
		case dtoMnemonic, dtoHexSeed, dtoStronghold, dtoReadOnly:
		default:
			return errors.Wrapf(ErrUnsupportedSecretKind, "'%s'", kind)
		}

		raw = bytes.TrimSpace(raw)
		if bytes.Equal(raw, []byte("null")) {
			return errors.Wrap(ErrMissingField, kind)
		}

		switch kind {
		case dtoMnemonic:
			err = json.Unmarshal(raw, &d.Mnemonic)
		case dtoHexSeed:
			err = json.Unmarshal(raw, &d.HexSeed)
		case dtoStronghold:
			err = json.Unmarshal(raw, &d.Stronghold)
		case dtoReadOnly:
			err = json.Unmarshal(raw, &d.ReadOnly)
		}
		if err != nil {
			if errors.Is(err, ErrUnsupportedSecretKind) || errors.Is(err, ErrMissingField) {
				return
			}
			return errors.Wrapf(err, "invalid %s secret manager", kind)
		}
	}

	return
}

func (d SecretManagerDto) kinds() (kinds []string) {
	if d.Mnemonic != nil {
		kinds = append(kinds, dtoMnemonic)
	}
	if d.HexSeed != nil {
		kinds = append(kinds, dtoHexSeed)
	}
	if d.Stronghold != nil {
		kinds = append(kinds, dtoStronghold)
	}
	if d.ReadOnly != nil {
		kinds = append(kinds, dtoReadOnly)
	}
	return
}

func ParseSecretManager(data []byte) (manager SecretManager, err error) {
	dto := SecretManagerDto{}
	if err = json.Unmarshal(data, &dto); err != nil {
		return
	}
	return NewSecretManager(dto)
}

// NewSecretManager builds the manager dto selects. Unknown or missing
// configuration fails here, never on first use.
func NewSecretManager(dto SecretManagerDto) (manager SecretManager, err error) {
	kinds := dto.kinds()
	if len(kinds) != 1 {
		err = errors.Wrapf(ErrUnsupportedSecretKind, "expected exactly one kind, got %d", len(kinds))
		return
	}

	switch {
	case dto.Mnemonic != nil:
		if strings.TrimSpace(*dto.Mnemonic) == "" {
			err = errors.Wrap(ErrMissingField, dtoMnemonic)
			return
		}
		return asManager(NewMnemonicSecretManager(*dto.Mnemonic))

	case dto.HexSeed != nil:
		if strings.TrimSpace(*dto.HexSeed) == "" {
			err = errors.Wrap(ErrMissingField, dtoHexSeed)
			return
		}
		return asManager(NewMnemonicFromHexSeed(*dto.HexSeed))

	case dto.Stronghold != nil:
		return newStronghold(*dto.Stronghold)

	default:
		inner, err2 := NewSecretManager(*dto.ReadOnly)
		if err2 != nil {
			err = err2
			return
		}
		return asManager(NewReadOnlySecretManager(inner))
	}
}

func newStronghold(dto StrongholdDto) (manager SecretManager, err error) {
	var module SecureModule

	if dto.HsmURL != "" {
		module, err = NewRemoteModule(RemoteModuleConfig{BaseURL: dto.HsmURL, Token: dto.HsmToken})
	} else {
		if dto.Password == "" {
			err = errors.Wrap(ErrMissingField, "Stronghold.password")
			return
		}
		if dto.SnapshotPath == "" {
			err = errors.Wrap(ErrMissingField, "Stronghold.snapshotPath")
			return
		}
		module, err = OpenSnapshotModule(dto.SnapshotPath, dto.Password)
	}
	if err != nil {
		return
	}

	return asManager(NewStrongholdSecretManager(module))
}

// asManager keeps a failed constructor from returning a typed nil manager.
func asManager[M SecretManager](m M, err error) (SecretManager, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}
