package secret

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	RemoteSeedPath      = "/v1/seed"
	RemotePublicKeyPath = "/v1/public-key"
	RemoteSignPath      = "/v1/sign"

	defaultRemoteTimeout = 10 * time.Second
	requestIdHeader      = "X-Request-Id"
	maxRemoteBodyLength  = 1 << 20
)

type RemoteModuleConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HttpClient *http.Client
}

func (c *RemoteModuleConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultRemoteTimeout
	}

	if c.HttpClient == nil {
		c.HttpClient = &http.Client{Timeout: c.Timeout}
	}
}

// RemoteModule is a SecureModule backed by an HSM proxy speaking json over
// http. Keys returned by the proxy are checked to be valid curve points.
type RemoteModule struct {
	config  RemoteModuleConfig
	maxBody int64
}

var _ SecureModule = &RemoteModule{}

func NewRemoteModule(config RemoteModuleConfig) (module *RemoteModule, err error) {
	config.BaseURL = strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if config.BaseURL == "" {
		err = errors.Wrap(ErrMissingField, "hsm base url")
		return
	}
	config.setDefaults()

	return &RemoteModule{config: config, maxBody: maxRemoteBodyLength}, nil
}

type remoteSeedRequest struct {
	Seed string `json:"seed"`
}

type remoteHandleResponse struct {
	Handle string `json:"handle"`
}

type remoteKeyRequest struct {
	Handle string `json:"handle"`
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

type remoteKeyResponse struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature,omitempty"`
}

type RemoteError struct {
	Code      int
	Text      string
	RequestId string
}

func (e *RemoteError) Error() string {
	return "hsm request " + e.RequestId + " failed with status " + http.StatusText(e.Code) + ": " + e.Text
}

func (r *RemoteModule) do(ctx context.Context, method string, path string, body any, out any) (err error) {
	var reader io.Reader
	if body != nil {
		data, err2 := json.Marshal(body)
		if err2 != nil {
			return errors.WithStack(err2)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.config.BaseURL+path, reader)
	if err != nil {
		return errors.WithStack(err)
	}

	requestId := uuid.NewString()
	req.Header.Set(requestIdHeader, requestId)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	rsp, err := r.config.HttpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "hsm request failed")
	}
	defer rsp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(rsp.Body, r.maxBody+1))
	if err != nil {
		return errors.Wrap(err, "failed to read hsm response")
	}
	if int64(len(data)) > r.maxBody {
		return errors.Errorf("hsm response %s exceeds %d bytes", requestId, r.maxBody)
	}

	switch {
	case rsp.StatusCode == http.StatusConflict:
		return errors.WithStack(ErrSecretAlreadyStored)
	case rsp.StatusCode == http.StatusNotFound:
		return errors.WithStack(ErrNoSecretStored)
	case rsp.StatusCode >= 300:
		return &RemoteError{Code: rsp.StatusCode, Text: strings.TrimSpace(string(data)), RequestId: requestId}
	}

	if out == nil {
		return
	}

	if err = json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode hsm response %s", requestId)
	}

	return
}

func (r *RemoteModule) StoreSeed(ctx context.Context, seed Secret) (handle KeyHandle, err error) {
	rsp := remoteHandleResponse{}
	err = r.do(ctx, http.MethodPost, RemoteSeedPath, remoteSeedRequest{Seed: hex.EncodeToString(seed)}, &rsp)
	if err != nil {
		return
	}
	if rsp.Handle == "" {
		err = errors.New("hsm returned an empty key handle")
		return
	}
	return KeyHandle(rsp.Handle), nil
}

func (r *RemoteModule) Handle(ctx context.Context) (handle KeyHandle, err error) {
	rsp := remoteHandleResponse{}
	if err = r.do(ctx, http.MethodGet, RemoteSeedPath, nil, &rsp); err != nil {
		return
	}
	if rsp.Handle == "" {
		err = errors.WithStack(ErrNoSecretStored)
		return
	}
	return KeyHandle(rsp.Handle), nil
}

func (r *RemoteModule) PublicKey(ctx context.Context, handle KeyHandle, chain Chain) (public ed25519.PublicKey, err error) {
	if err = chain.validate(); err != nil {
		return
	}

	rsp := remoteKeyResponse{}
	err = r.do(ctx, http.MethodPost, RemotePublicKeyPath, remoteKeyRequest{Handle: string(handle), Path: chain.String()}, &rsp)
	if err != nil {
		return
	}

	return parseCurvePoint(rsp.PublicKey)
}

// PublicKeys asks the hsm for each chain in turn, the hsm keeps its seed
// unlocked between calls.
func (r *RemoteModule) PublicKeys(ctx context.Context, handle KeyHandle, chains []Chain) (keys []ed25519.PublicKey, err error) {
	keys = make([]ed25519.PublicKey, 0, len(chains))
	for _, chain := range chains {
		public, err2 := r.PublicKey(ctx, handle, chain)
		if err2 != nil {
			return nil, err2
		}
		keys = append(keys, public)
	}
	return
}

func (r *RemoteModule) Sign(ctx context.Context, handle KeyHandle, chain Chain, digest []byte) (signature Signature, err error) {
	if err = validateDigest(digest); err != nil {
		return
	}
	if err = chain.validate(); err != nil {
		return
	}

	rsp := remoteKeyResponse{}
	err = r.do(ctx, http.MethodPost, RemoteSignPath, remoteKeyRequest{
		Handle: string(handle),
		Path:   chain.String(),
		Digest: hex.EncodeToString(digest),
	}, &rsp)
	if err != nil {
		return
	}

	public, err := parseCurvePoint(rsp.PublicKey)
	if err != nil {
		return
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(rsp.Signature, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		err = errors.Errorf("hsm returned a malformed signature")
		return
	}

	copy(signature.PublicKey[:], public)
	copy(signature.Signature[:], sig)

	if !signature.Verify(digest) {
		err = errors.New("hsm signature does not verify against its public key")
		signature = Signature{}
		return
	}

	return
}

func (r *RemoteModule) ClearSeed(ctx context.Context) error {
	return r.do(ctx, http.MethodDelete, RemoteSeedPath, nil, nil)
}

func (r *RemoteModule) Close() error {
	r.config.HttpClient.CloseIdleConnections()
	return nil
}

func parseCurvePoint(encoded string) (public ed25519.PublicKey, err error) {
	data, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		err = errors.Wrap(err, "hsm returned a non hex public key")
		return
	}
	if len(data) != ed25519.PublicKeySize {
		err = errors.Errorf("hsm returned a %d byte public key", len(data))
		return
	}
	if _, err = new(edwards25519.Point).SetBytes(data); err != nil {
		err = errors.Wrap(err, "hsm returned a public key off the curve")
		return
	}
	return data, nil
}
