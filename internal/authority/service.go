// Package authority is the registration authority: it signs certificate
// requests under its intermediate CA and serves the issued chains back to
// polling nodes.
package authority

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/issuancelog"
	"github.com/jmerrifield20/nodetrust/pkg/certbundle"
)

var (
	// ErrUnknownIdentity means no chain has been issued for the identifier
	// yet. Clients treat it as not ready.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrInvalidCSR covers unparseable requests, bad self-signatures and
	// subjects without an organization.
	ErrInvalidCSR = errors.New("invalid certificate request")
	// ErrNameNotPermitted means the requested subject falls outside the
	// intermediate's name constraints.
	ErrNameNotPermitted = identity.ErrNameNotPermitted
)

// DefaultValidity is the lifetime of issued node certificates.
const DefaultValidity = 365 * 24 * time.Hour

const maxCSRSize = 16 << 10

// Service implements the registration authority.
type Service struct {
	hierarchy *identity.Hierarchy
	store     ChainStore
	log       issuancelog.Log // nil = no audit trail
	validity  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	polled []string
	seen   map[string]struct{}
}

// NewService creates a Service that signs under h and keeps chains in store.
func NewService(h *identity.Hierarchy, store ChainStore, logger *zap.Logger) *Service {
	return &Service{
		hierarchy: h,
		store:     store,
		validity:  DefaultValidity,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// SetIssuanceLog records every accepted request and served chain in l.
func (s *Service) SetIssuanceLog(l issuancelog.Log) {
	s.log = l
}

// SetValidity overrides DefaultValidity.
func (s *Service) SetValidity(d time.Duration) {
	if d > 0 {
		s.validity = d
	}
}

// IssuanceLog returns the configured log, or nil.
func (s *Service) IssuanceLog() issuancelog.Log { return s.log }

// RootCertificate returns the root nodes pin.
func (s *Service) RootCertificate() *x509.Certificate { return s.hierarchy.Root }

// Accept verifies a PEM CSR's self-signature, issues a NodeCA certificate for
// its subject and stores [leaf, intermediate, root] under the subject's
// organization, which it returns as the poll identifier. A later request for
// the same organization replaces the earlier chain.
func (s *Service) Accept(ctx context.Context, csrPEM []byte) (string, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	subject, err := identity.ParseNameDER(csr.RawSubject)
	if err != nil {
		return "", fmt.Errorf("%w: subject: %w", ErrInvalidCSR, err)
	}
	org := subject.Organization()
	if org == "" {
		return "", fmt.Errorf("%w: subject %q has no organization", ErrInvalidCSR, subject)
	}

	if err := s.hierarchy.Permits(subject); err != nil {
		s.logger.Warn("certificate request outside name constraints", zap.String("subject", subject.String()))
		return "", err
	}

	leaf, err := s.hierarchy.IssueNode(subject, csr.PublicKey, identity.RoleNodeCA, identity.ValidFor(s.validity))
	if err != nil {
		return "", fmt.Errorf("issue node certificate: %w", err)
	}
	chain := identity.Chain{leaf, s.hierarchy.Intermediate, s.hierarchy.Root}
	if err := s.store.Put(ctx, org, chain); err != nil {
		return "", fmt.Errorf("store chain: %w", err)
	}

	s.audit(ctx, issuancelog.RecordFor(issuancelog.EventCSRAccepted, org, leaf))
	s.logger.Info("certificate request accepted",
		zap.String("identifier", org),
		zap.String("subject", subject.String()),
		zap.String("serial", leaf.SerialNumber.Text(16)),
	)
	return org, nil
}

// ServeChain returns the chain issued for id and records id as polled.
func (s *Service) ServeChain(ctx context.Context, id string) (identity.Chain, error) {
	chain, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentity, id)
	}
	if err != nil {
		return nil, err
	}
	s.markPolled(id)
	s.audit(ctx, issuancelog.RecordFor(issuancelog.EventChainServed, id, chain.Leaf()))
	return chain, nil
}

// Serve is ServeChain packaged as a certbundle archive.
func (s *Service) Serve(ctx context.Context, id string) ([]byte, error) {
	chain, err := s.ServeChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(chain) != 3 {
		return nil, fmt.Errorf("stored chain for %q has %d certificates", id, len(chain))
	}
	return certbundle.Pack(chain[0], chain[1], chain[2])
}

// Polled returns the served identifiers in first-served order.
func (s *Service) Polled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.polled))
	copy(out, s.polled)
	return out
}

func (s *Service) markPolled(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.polled = append(s.polled, id)
}

// audit failures are logged and do not fail issuance.
func (s *Service) audit(ctx context.Context, r issuancelog.Record) {
	if s.log == nil {
		return
	}
	if _, err := s.log.Append(ctx, r); err != nil {
		s.logger.Warn("issuance log append failed",
			zap.String("event", string(r.Event)),
			zap.String("identifier", r.Identifier),
			zap.Error(err))
	}
}

func parseCSR(data []byte) (*x509.CertificateRequest, error) {
	if len(data) > maxCSRSize {
		return nil, fmt.Errorf("%w: request exceeds %d bytes", ErrInvalidCSR, maxCSRSize)
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE REQUEST" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidCSR, block.Type)
		}
		der = block.Bytes
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: self-signature: %w", ErrInvalidCSR, err)
	}
	return csr, nil
}
