package identity

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	rootCertFile         = "root.crt"
	rootKeyFile          = "root.key"
	intermediateCertFile = "intermediate.crt"
	intermediateKeyFile  = "intermediate.key"
)

// Hierarchy is a root CA and the intermediate CA it signed.
type Hierarchy struct {
	Root            *x509.Certificate
	RootKey         crypto.Signer
	Intermediate    *x509.Certificate
	IntermediateKey crypto.Signer
}

// HierarchyOptions configures BuildHierarchy.
type HierarchyOptions struct {
	RootName         DistinguishedName
	IntermediateName DistinguishedName
	Validity         Validity
	// Constraints, when set, is attached to the intermediate. The root is
	// never constrained.
	Constraints *NameConstraints
	// KeyGen defaults to GenerateKey.
	KeyGen KeyGenerator
}

// BuildHierarchy creates a self-signed root and an intermediate signed by it.
func BuildHierarchy(opts HierarchyOptions) (*Hierarchy, error) {
	keyGen := opts.KeyGen
	if keyGen == nil {
		keyGen = GenerateKey
	}

	rootKey, err := keyGen()
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	root, err := SelfSign(opts.RootName, rootKey, opts.Validity)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}

	intermediateKey, err := keyGen()
	if err != nil {
		return nil, fmt.Errorf("generate intermediate key: %w", err)
	}
	intermediate, err := Issue(root, rootKey, opts.IntermediateName, intermediateKey.Public(),
		RoleIntermediateCA, opts.Validity, opts.Constraints)
	if err != nil {
		return nil, fmt.Errorf("create intermediate certificate: %w", err)
	}

	return &Hierarchy{
		Root:            root,
		RootKey:         rootKey,
		Intermediate:    intermediate,
		IntermediateKey: intermediateKey,
	}, nil
}

// IssueNode signs a certificate for pub directly under the intermediate.
// Subjects outside the intermediate's name constraints are refused.
func (h *Hierarchy) IssueNode(subject DistinguishedName, pub crypto.PublicKey, role CertificateRole, validity Validity) (*x509.Certificate, error) {
	if err := h.Permits(subject); err != nil {
		return nil, err
	}
	return Issue(h.Intermediate, h.IntermediateKey, subject, pub, role, validity, nil)
}

// Permits returns an error wrapping ErrNameNotPermitted when subject lies
// outside the intermediate's name constraints.
func (h *Hierarchy) Permits(subject DistinguishedName) error {
	nc, err := NameConstraintsFromCertificate(h.Intermediate)
	if err != nil {
		return fmt.Errorf("read intermediate constraints: %w", err)
	}
	if !nc.Permits(subject) {
		return fmt.Errorf("%w: %q", ErrNameNotPermitted, subject)
	}
	return nil
}

// Chain returns [intermediate, root].
func (h *Hierarchy) Chain() Chain {
	return Chain{h.Intermediate, h.Root}
}

// CertPool returns a pool containing only the root.
func (h *Hierarchy) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(h.Root)
	return pool
}

// HierarchyStore persists a Hierarchy under a directory. It creates the
// hierarchy on first run and reloads it on subsequent starts.
type HierarchyStore struct {
	dir       string
	hierarchy *Hierarchy
}

// NewHierarchyStore returns a store rooted at dir.
func NewHierarchyStore(dir string) *HierarchyStore {
	return &HierarchyStore{dir: dir}
}

// Hierarchy returns the loaded hierarchy, or nil before Load/Create.
func (s *HierarchyStore) Hierarchy() *Hierarchy { return s.hierarchy }

// LoadOrCreate loads the hierarchy from disk if present and creates it
// otherwise. Any load failure other than missing files is returned.
func (s *HierarchyStore) LoadOrCreate(opts HierarchyOptions) error {
	err := s.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.Create(opts)
}

// Load reads the four PEM files from the directory.
func (s *HierarchyStore) Load() error {
	root, rootKey, err := s.readPair(rootCertFile, rootKeyFile)
	if err != nil {
		return err
	}
	intermediate, intermediateKey, err := s.readPair(intermediateCertFile, intermediateKeyFile)
	if err != nil {
		return err
	}
	if err := intermediate.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("intermediate %s is not signed by root: %w", intermediateCertFile, err)
	}
	s.hierarchy = &Hierarchy{
		Root:            root,
		RootKey:         rootKey,
		Intermediate:    intermediate,
		IntermediateKey: intermediateKey,
	}
	return nil
}

// Create builds a new hierarchy, saves it and activates it.
func (s *HierarchyStore) Create(opts HierarchyOptions) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create CA dir %q: %w", s.dir, err)
	}
	h, err := BuildHierarchy(opts)
	if err != nil {
		return err
	}
	if err := s.writePair(rootCertFile, rootKeyFile, h.Root, h.RootKey); err != nil {
		return err
	}
	if err := s.writePair(intermediateCertFile, intermediateKeyFile, h.Intermediate, h.IntermediateKey); err != nil {
		return err
	}
	s.hierarchy = h
	return nil
}

func (s *HierarchyStore) readPair(certFile, keyFile string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(filepath.Join(s.dir, certFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", certFile, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", keyFile, err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", certFile, err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", keyFile, err)
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, nil, fmt.Errorf("%s does not hold the key certified by %s", keyFile, certFile)
	}
	return cert, key, nil
}

func (s *HierarchyStore) writePair(certFile, keyFile string, cert *x509.Certificate, key crypto.Signer) error {
	keyPEM, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, certFile), EncodeCertificatePEM(cert), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", certFile, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyFile, err)
	}
	return nil
}
