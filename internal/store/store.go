package store

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"partyoverlay/internal/crypto"
)

// Store persists the overlay's local state: the cached provider token, the
// provider operation journal and the photo cursor.
type Store struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
	opsLimit  int
}

type Option func(*Store)

func WithEncryptor(e *crypto.Encryptor) Option {
	return func(s *Store) { s.encryptor = e }
}

// WithOpsLimit bounds the provider operation journal. Non-positive values
// keep the default.
func WithOpsLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.opsLimit = n
		}
	}
}

const DefaultOpsLimit = 500

func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, opsLimit: DefaultOpsLimit}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// HasEncryptor reports whether secrets can be persisted.
func (s *Store) HasEncryptor() bool {
	return s.encryptor != nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping() error {
	return s.db.Ping()
}
