// Package provision creates one service identity shared by several nodes:
// either a threshold composite key over per-node keys, or a single key copied
// to every node. It runs offline with direct access to the intermediate CA.
package provision

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
)

const (
	// StoreFile is the keystore written into each node directory.
	StoreFile = "service-identity.p12s"
	// PrivateKeyAlias holds the node's own key and certificate chain.
	PrivateKeyAlias = "service-private-key"
	// CompositeKeyAlias holds the shared identity's certificate chain.
	CompositeKeyAlias = "service-composite-key"
)

// NodeIdentity is what one node directory received.
type NodeIdentity struct {
	Dir         string
	Key         crypto.Signer
	Certificate *x509.Certificate
}

// SharedIdentity is the result of a provisioning run.
type SharedIdentity struct {
	Name identity.DistinguishedName
	// Threshold is the number of member signatures the identity requires.
	Threshold int
	// Composite is nil for a singular identity.
	Composite *identity.CompositeKey
	// Certificate certifies the shared public identity.
	Certificate *x509.Certificate
	Nodes       []NodeIdentity
}

// PublicKey returns the shared public identity: the composite key, or the
// single shared key.
func (s *SharedIdentity) PublicKey() crypto.PublicKey {
	if s.Composite != nil {
		return s.Composite
	}
	return s.Certificate.PublicKey
}

// WriteError reports the directory whose write failed and the directories
// already written, which are complete and left in place.
type WriteError struct {
	Dir     string
	Written []string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("provision %s (%d of the node directories already written): %v", e.Dir, len(e.Written), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Provisioner issues shared identities under an intermediate CA.
type Provisioner struct {
	hierarchy *identity.Hierarchy
	password  string
	validity  identity.Validity
	keyGen    identity.KeyGenerator
	logger    *zap.Logger
}

// NewProvisioner creates a Provisioner signing with h's intermediate.
// Certificates are valid for validity; node stores are protected by password.
func NewProvisioner(h *identity.Hierarchy, password string, validity identity.Validity, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		hierarchy: h,
		password:  password,
		validity:  validity,
		keyGen:    identity.GenerateKey,
		logger:    logger,
	}
}

// SetKeyGenerator replaces identity.GenerateKey.
func (p *Provisioner) SetKeyGenerator(g identity.KeyGenerator) {
	p.keyGen = g
}

// Generate creates len(dirs) independent keys, combines their public keys
// into a composite requiring threshold signatures, and writes to each
// directory the node's key with its own NodeCA certificate plus the composite
// NodeCA certificate. Both are issued by the same intermediate.
func (p *Provisioner) Generate(name identity.DistinguishedName, dirs []string, threshold int) (*SharedIdentity, error) {
	if len(dirs) == 0 {
		return nil, errors.New("provision: no node directories")
	}
	if threshold < 1 || threshold > len(dirs) {
		return nil, fmt.Errorf("%w: %d of %d", identity.ErrInvalidThreshold, threshold, len(dirs))
	}
	if err := p.hierarchy.Permits(name); err != nil {
		return nil, err
	}

	keys := make([]crypto.Signer, len(dirs))
	members := make([]crypto.PublicKey, len(dirs))
	for i := range dirs {
		key, err := p.keyGen()
		if err != nil {
			return nil, fmt.Errorf("generate key for %s: %w", dirs[i], err)
		}
		keys[i] = key
		members[i] = key.Public()
	}

	composite, err := identity.NewCompositeKey(threshold, members...)
	if err != nil {
		return nil, err
	}
	compositeCert, err := identity.IssueCompositeCertificate(
		p.hierarchy.Intermediate, p.hierarchy.IntermediateKey,
		name, composite, identity.RoleNodeCA, p.validity)
	if err != nil {
		return nil, fmt.Errorf("issue composite certificate: %w", err)
	}

	shared := &SharedIdentity{
		Name:        name,
		Threshold:   threshold,
		Composite:   composite,
		Certificate: compositeCert,
	}
	for i, dir := range dirs {
		cert, err := p.hierarchy.IssueNode(name, keys[i].Public(), identity.RoleNodeCA, p.validity)
		if err != nil {
			return nil, fmt.Errorf("issue certificate for %s: %w", dir, err)
		}
		shared.Nodes = append(shared.Nodes, NodeIdentity{Dir: dir, Key: keys[i], Certificate: cert})
	}

	if err := p.write(shared); err != nil {
		return nil, err
	}
	p.logger.Info("composite service identity provisioned",
		zap.String("name", name.String()),
		zap.Int("nodes", len(dirs)),
		zap.Int("threshold", threshold),
		zap.String("fingerprint", identity.Fingerprint(compositeCert)))
	return shared, nil
}

// GenerateSingular creates one key and writes the same key and certificate
// to every directory. The shared certificate is stored under both aliases.
func (p *Provisioner) GenerateSingular(name identity.DistinguishedName, dirs []string) (*SharedIdentity, error) {
	if len(dirs) == 0 {
		return nil, errors.New("provision: no node directories")
	}
	if err := p.hierarchy.Permits(name); err != nil {
		return nil, err
	}
	key, err := p.keyGen()
	if err != nil {
		return nil, fmt.Errorf("generate shared key: %w", err)
	}
	cert, err := p.hierarchy.IssueNode(name, key.Public(), identity.RoleNodeCA, p.validity)
	if err != nil {
		return nil, fmt.Errorf("issue shared certificate: %w", err)
	}

	shared := &SharedIdentity{Name: name, Threshold: 1, Certificate: cert}
	for _, dir := range dirs {
		shared.Nodes = append(shared.Nodes, NodeIdentity{Dir: dir, Key: key, Certificate: cert})
	}
	if err := p.write(shared); err != nil {
		return nil, err
	}
	p.logger.Info("singular service identity provisioned",
		zap.String("name", name.String()),
		zap.Int("nodes", len(dirs)),
		zap.String("fingerprint", identity.Fingerprint(cert)))
	return shared, nil
}

// write encodes every node store before touching disk, then saves them one
// directory at a time. Each save is atomic.
func (p *Provisioner) write(shared *SharedIdentity) error {
	ca := p.hierarchy.Chain()
	stores := make([]*keystore.Store, len(shared.Nodes))
	for i, n := range shared.Nodes {
		s := keystore.New(filepath.Join(n.Dir, StoreFile), p.password)
		if err := s.SetPrivateKey(PrivateKeyAlias, n.Key, append(identity.Chain{n.Certificate}, ca...)); err != nil {
			return err
		}
		if err := s.SetCertificateChain(CompositeKeyAlias, append(identity.Chain{shared.Certificate}, ca...)); err != nil {
			return err
		}
		if _, err := s.Marshal(); err != nil {
			return fmt.Errorf("encode store for %s: %w", n.Dir, err)
		}
		stores[i] = s
	}

	var written []string
	for i, s := range stores {
		dir := shared.Nodes[i].Dir
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &WriteError{Dir: dir, Written: written, Err: err}
		}
		if err := s.Save(); err != nil {
			return &WriteError{Dir: dir, Written: written, Err: err}
		}
		written = append(written, dir)
		p.logger.Debug("node identity written", zap.String("dir", dir))
	}
	return nil
}

// Load reads a node directory written by Generate or GenerateSingular.
func Load(dir, password string) (key crypto.Signer, own, shared identity.Chain, err error) {
	s, err := keystore.Load(filepath.Join(dir, StoreFile), password)
	if err != nil {
		return nil, nil, nil, err
	}
	if key, err = s.PrivateKey(PrivateKeyAlias); err != nil {
		return nil, nil, nil, err
	}
	if own, err = s.Chain(PrivateKeyAlias); err != nil {
		return nil, nil, nil, err
	}
	if shared, err = s.Chain(CompositeKeyAlias); err != nil {
		return nil, nil, nil, err
	}
	return key, own, shared, nil
}
