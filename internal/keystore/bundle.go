package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

// File names and aliases used for a node's three stores.
const (
	NodeKeystoreFile = "nodekeystore.p12s"
	SSLKeystoreFile  = "sslkeystore.p12s"
	TruststoreFile   = "truststore.p12s"

	NodeCAAlias = "nodeca"
	TLSAlias    = "nodetls"
	RootCAAlias = "rootca"
)

// ErrInvalidBundle is returned by Check when the three stores are inconsistent.
var ErrInvalidBundle = errors.New("invalid keystore bundle")

// Bundle is the node-identity, TLS and trust store of one participant.
type Bundle struct {
	NodeIdentity *Store
	TLS          *Store
	Trust        *Store
}

// NewBundle returns three empty stores under dir sharing one password.
func NewBundle(dir, password string) *Bundle {
	return &Bundle{
		NodeIdentity: New(filepath.Join(dir, NodeKeystoreFile), password),
		TLS:          New(filepath.Join(dir, SSLKeystoreFile), password),
		Trust:        New(filepath.Join(dir, TruststoreFile), password),
	}
}

// LoadBundle reads the three stores from dir.
func LoadBundle(dir, password string) (*Bundle, error) {
	node, err := Load(filepath.Join(dir, NodeKeystoreFile), password)
	if err != nil {
		return nil, err
	}
	tls, err := Load(filepath.Join(dir, SSLKeystoreFile), password)
	if err != nil {
		return nil, err
	}
	trust, err := Load(filepath.Join(dir, TruststoreFile), password)
	if err != nil {
		return nil, err
	}
	return &Bundle{NodeIdentity: node, TLS: tls, Trust: trust}, nil
}

// Exists reports whether any of the three store files is present in dir.
func Exists(dir string) bool {
	for _, name := range []string{NodeKeystoreFile, SSLKeystoreFile, TruststoreFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Check verifies that each store holds exactly its own alias and that the TLS
// leaf carries the node's subject under a different role, certificate and key.
func (b *Bundle) Check() error {
	if err := onlyAlias(b.NodeIdentity, NodeCAAlias, KindPrivateKey); err != nil {
		return err
	}
	if err := onlyAlias(b.TLS, TLSAlias, KindPrivateKey); err != nil {
		return err
	}
	if err := onlyAlias(b.Trust, RootCAAlias, KindTrustedCertificate); err != nil {
		return err
	}

	nodeChain, _ := b.NodeIdentity.Chain(NodeCAAlias)
	tlsChain, _ := b.TLS.Chain(TLSAlias)
	nodeLeaf, tlsLeaf := nodeChain.Leaf(), tlsChain.Leaf()

	nodeSubject, err := identity.SubjectOf(nodeLeaf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	tlsSubject, err := identity.SubjectOf(tlsLeaf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	if !nodeSubject.Equal(tlsSubject) {
		return fmt.Errorf("%w: TLS subject %q differs from node subject %q", ErrInvalidBundle, tlsSubject, nodeSubject)
	}
	if nodeLeaf.Equal(tlsLeaf) {
		return fmt.Errorf("%w: TLS and node stores share a certificate", ErrInvalidBundle)
	}
	nodeRole, _ := identity.RoleOf(nodeLeaf)
	tlsRole, _ := identity.RoleOf(tlsLeaf)
	if nodeRole == tlsRole {
		return fmt.Errorf("%w: TLS and node certificates share role %s", ErrInvalidBundle, nodeRole)
	}
	if publicKeysEqual(nodeLeaf.PublicKey, tlsLeaf.PublicKey) {
		return fmt.Errorf("%w: TLS and node certificates share a key", ErrInvalidBundle)
	}
	return nil
}

func onlyAlias(s *Store, alias string, kind EntryKind) error {
	if s == nil {
		return fmt.Errorf("%w: missing store for %q", ErrInvalidBundle, alias)
	}
	aliases := s.Aliases()
	if len(aliases) != 1 || aliases[0] != alias {
		return fmt.Errorf("%w: %s holds aliases %v, want only %q", ErrInvalidBundle, s.Path(), aliases, alias)
	}
	if got, _ := s.Kind(alias); got != kind {
		return fmt.Errorf("%w: alias %q is a %s, want %s", ErrInvalidBundle, alias, got, kind)
	}
	return nil
}

// Publish writes the three stores. Every store is encoded before anything is
// written, and a failed write restores the files written so far to their
// previous contents.
func (b *Bundle) Publish() error {
	stores := []*Store{b.NodeIdentity, b.TLS, b.Trust}
	encoded := make([][]byte, len(stores))
	for i, s := range stores {
		data, err := s.Marshal()
		if err != nil {
			return fmt.Errorf("encode %s: %w", s.Path(), err)
		}
		encoded[i] = data
	}

	type backup struct {
		path    string
		data    []byte
		existed bool
	}
	var written []backup
	rollback := func() {
		for i := len(written) - 1; i >= 0; i-- {
			w := written[i]
			if w.existed {
				_ = writeFile(w.path, w.data)
			} else {
				_ = os.Remove(w.path)
			}
		}
	}

	for i, s := range stores {
		if err := os.MkdirAll(filepath.Dir(s.Path()), 0o700); err != nil {
			rollback()
			return fmt.Errorf("create keystore dir: %w", err)
		}
		prev, err := os.ReadFile(s.Path())
		existed := err == nil
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			rollback()
			return fmt.Errorf("read %s: %w", s.Path(), err)
		}
		if existed && bytes.Equal(prev, encoded[i]) {
			continue
		}
		if err := writeFile(s.Path(), encoded[i]); err != nil {
			rollback()
			return err
		}
		written = append(written, backup{path: s.Path(), data: prev, existed: existed})
	}
	return nil
}
