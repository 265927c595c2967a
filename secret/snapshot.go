package secret

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	snapshotVersion = 1

	argonTime    uint32 = 2
	argonMemory  uint32 = 19 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = chacha20poly1305.KeySize
	saltLength          = 16
)

// snapshotRecord is the cbor encoded row holding the encrypted seed. The key
// handle is bound to the ciphertext as additional data.
type snapshotRecord struct {
	Version    uint8  `cbor:"1,keyasint"`
	Handle     string `cbor:"2,keyasint"`
	Salt       []byte `cbor:"3,keyasint"`
	Time       uint32 `cbor:"4,keyasint"`
	Memory     uint32 `cbor:"5,keyasint"`
	Threads    uint8  `cbor:"6,keyasint"`
	Nonce      []byte `cbor:"7,keyasint"`
	Ciphertext []byte `cbor:"8,keyasint"`
}

var stretchKey = argon2.IDKey

func (r *snapshotRecord) key(password Secret) Secret {
	return stretchKey(password, r.Salt, r.Time, r.Memory, r.Threads, argonKeyLen)
}

// SnapshotModule is a SecureModule persisting the seed in a sqlite snapshot
// file, encrypted with a key stretched from the password.
type SnapshotModule struct {
	db       *sql.DB
	path     string
	password Secret
	mu       sync.Mutex
}

var _ SecureModule = &SnapshotModule{}

// OpenSnapshotModule opens or creates the snapshot at path. An existing seed
// is decrypted once to check the password.
func OpenSnapshotModule(path string, password string) (module *SnapshotModule, err error) {
	if path == "" {
		err = errors.Wrap(ErrMissingField, "snapshotPath")
		return
	}
	if password == "" {
		err = errors.Wrap(ErrMissingField, "password")
		return
	}

	log.Info().Msgf("opening stronghold snapshot at: '%s'", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		err = errors.Wrap(err, "failed to open snapshot")
		return
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		err = errors.Wrap(err, "failed to ping snapshot")
		return
	}

	module = &SnapshotModule{db: db, path: path, password: Secret(password)}
	if err = module.initTables(); err != nil {
		_ = db.Close()
		module = nil
		err = errors.Wrap(err, "failed to init snapshot tables")
		return
	}

	record, err := module.load(context.Background())
	if errors.Is(err, ErrNoSecretStored) {
		return module, nil
	}
	if err == nil {
		var seed Secret
		seed, err = module.decrypt(record)
		seed.Zero()
	}
	if err != nil {
		_ = db.Close()
		module = nil
		return
	}

	return
}

func (s *SnapshotModule) initTables() (err error) {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS seed (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			handle TEXT NOT NULL,
			record BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, query := range queries {
		_, err = s.db.Exec(query)
		if err != nil {
			err = errors.Wrapf(err, "failed to execute query: %d", i)
			return
		}
	}

	return
}

func (s *SnapshotModule) Path() string {
	return s.path
}

func (s *SnapshotModule) load(ctx context.Context) (record *snapshotRecord, err error) {
	var data []byte
	err = s.db.QueryRowContext(ctx, "SELECT record FROM seed WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		err = errors.WithStack(ErrNoSecretStored)
		return
	}
	if err != nil {
		err = errors.Wrap(err, "failed to read seed record")
		return
	}

	record = &snapshotRecord{}
	if err = cbor.Unmarshal(data, record); err != nil {
		err = errors.Wrap(err, "failed to decode seed record")
		record = nil
		return
	}

	if record.Version != snapshotVersion {
		err = errors.Errorf("unsupported snapshot version %d", record.Version)
		record = nil
		return
	}

	return
}

func (s *SnapshotModule) decrypt(record *snapshotRecord) (seed Secret, err error) {
	key := record.key(s.password)
	defer key.Zero()

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		err = errors.WithStack(err)
		return
	}

	seed, err = aead.Open(nil, record.Nonce, record.Ciphertext, []byte(record.Handle))
	if err != nil {
		err = errors.WithStack(ErrInvalidPassword)
		return
	}

	return
}

func (s *SnapshotModule) encrypt(seed Secret, handle KeyHandle) (record *snapshotRecord, err error) {
	record = &snapshotRecord{
		Version: snapshotVersion,
		Handle:  string(handle),
		Salt:    make([]byte, saltLength),
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
		Nonce:   make([]byte, chacha20poly1305.NonceSizeX),
	}

	if _, err = rand.Read(record.Salt); err != nil {
		err = errors.Wrap(err, "failed to read salt")
		return
	}
	if _, err = rand.Read(record.Nonce); err != nil {
		err = errors.Wrap(err, "failed to read nonce")
		return
	}

	key := record.key(s.password)
	defer key.Zero()

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		err = errors.WithStack(err)
		return
	}

	record.Ciphertext = aead.Seal(nil, record.Nonce, seed, []byte(record.Handle))
	return
}

func (s *SnapshotModule) StoreSeed(ctx context.Context, seed Secret) (handle KeyHandle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		err = errors.WithStack(err)
		return
	}
	defer tx.Rollback()

	var count int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM seed").Scan(&count); err != nil {
		err = errors.WithStack(err)
		return
	}
	if count > 0 {
		err = errors.WithStack(ErrSecretAlreadyStored)
		return
	}

	handle = KeyHandle(uuid.NewString())
	record, err := s.encrypt(seed, handle)
	if err != nil {
		return
	}

	data, err := cbor.Marshal(record)
	if err != nil {
		err = errors.Wrap(err, "failed to encode seed record")
		return
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO seed (id, handle, record) VALUES (1, ?, ?)", string(handle), data)
	if err != nil {
		err = errors.Wrap(err, "failed to insert seed record")
		return
	}

	if err = tx.Commit(); err != nil {
		err = errors.WithStack(err)
		return
	}

	return
}

func (s *SnapshotModule) Handle(ctx context.Context) (handle KeyHandle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return
	}
	return KeyHandle(record.Handle), nil
}

func (s *SnapshotModule) withSeed(ctx context.Context, handle KeyHandle, fn func(seed Secret) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return
	}
	if KeyHandle(record.Handle) != handle {
		return errors.Errorf("unknown key handle %s", handle)
	}

	seed, err := s.decrypt(record)
	if err != nil {
		return
	}
	defer seed.Zero()

	return fn(seed)
}

func (s *SnapshotModule) PublicKey(ctx context.Context, handle KeyHandle, chain Chain) (public ed25519.PublicKey, err error) {
	err = s.withSeed(ctx, handle, func(seed Secret) (err error) {
		public, err = derivePublicKey(seed, chain)
		return
	})
	return
}

func (s *SnapshotModule) PublicKeys(ctx context.Context, handle KeyHandle, chains []Chain) (keys []ed25519.PublicKey, err error) {
	err = s.withSeed(ctx, handle, func(seed Secret) (err error) {
		keys, err = derivePublicKeys(seed, chains)
		return
	})
	return
}

func (s *SnapshotModule) Sign(ctx context.Context, handle KeyHandle, chain Chain, digest []byte) (signature Signature, err error) {
	err = s.withSeed(ctx, handle, func(seed Secret) (err error) {
		signature, err = signDigest(seed, chain, digest)
		return
	})
	return
}

func (s *SnapshotModule) ClearSeed(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err = s.db.ExecContext(ctx, "DELETE FROM seed"); err != nil {
		err = errors.Wrap(err, "failed to clear seed")
	}
	return
}

func (s *SnapshotModule) Close() error {
	s.password.Zero()
	return errors.WithStack(s.db.Close())
}
