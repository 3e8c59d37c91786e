package authority

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

// ErrNotFound is returned by ChainStore.Get for an identifier with no chain.
var ErrNotFound = errors.New("chain not found")

// ChainStore maps a requester identifier to its issued chain. Put replaces
// any earlier chain; Get sees either a complete chain or ErrNotFound.
type ChainStore interface {
	Put(ctx context.Context, id string, chain identity.Chain) error
	Get(ctx context.Context, id string) (identity.Chain, error)
}

// MemoryStore is an in-process ChainStore.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]identity.Chain
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]identity.Chain)}
}

// Put implements ChainStore.
func (s *MemoryStore) Put(_ context.Context, id string, chain identity.Chain) error {
	cp := make(identity.Chain, len(chain))
	copy(cp, chain)
	s.mu.Lock()
	s.chains[id] = cp
	s.mu.Unlock()
	return nil
}

// Get implements ChainStore.
func (s *MemoryStore) Get(_ context.Context, id string) (identity.Chain, error) {
	s.mu.RLock()
	chain, ok := s.chains[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return chain, nil
}

// PostgresStore keeps chains in the issued_chains table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore over db.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put implements ChainStore as a single upsert.
func (s *PostgresStore) Put(ctx context.Context, id string, chain identity.Chain) error {
	if len(chain) == 0 {
		return fmt.Errorf("put %q: empty chain", id)
	}
	ders := make([][]byte, len(chain))
	for i, cert := range chain {
		ders[i] = cert.Raw
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO issued_chains (identifier, chain_der, serial, issued_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (identifier) DO UPDATE
		SET chain_der = EXCLUDED.chain_der, serial = EXCLUDED.serial, issued_at = EXCLUDED.issued_at`,
		id, ders, chain.Leaf().SerialNumber.Text(16),
	)
	if err != nil {
		return fmt.Errorf("put chain %q: %w", id, err)
	}
	return nil
}

// Get implements ChainStore.
func (s *PostgresStore) Get(ctx context.Context, id string) (identity.Chain, error) {
	var ders [][]byte
	err := s.db.QueryRow(ctx,
		`SELECT chain_der FROM issued_chains WHERE identifier = $1`, id,
	).Scan(&ders)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chain %q: %w", id, err)
	}

	chain := make(identity.Chain, 0, len(ders))
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse stored certificate %d for %q: %w", i, id, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
