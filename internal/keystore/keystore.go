// Package keystore persists key material as password-protected alias maps.
//
// Each entry is an independent PKCS#12 blob: a private key with its chain, a
// bare certificate chain, or a trusted certificate with no key. A Store is
// written to disk atomically.
package keystore

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/natefinch/atomic"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

// ErrAliasNotFound is returned when a Store has no entry for an alias.
var ErrAliasNotFound = errors.New("alias not found")

// EntryKind describes what an alias holds.
type EntryKind string

const (
	KindPrivateKey         EntryKind = "private_key"
	KindCertificateChain   EntryKind = "certificate_chain"
	KindTrustedCertificate EntryKind = "trusted_certificate"
)

type entry struct {
	kind  EntryKind
	key   crypto.Signer
	chain identity.Chain
}

// fileEntry is the on-disk form of an entry.
type fileEntry struct {
	Kind EntryKind `json:"kind"`
	Data []byte    `json:"data"`
}

type fileFormat struct {
	Version int                  `json:"version"`
	Entries map[string]fileEntry `json:"entries"`
}

const formatVersion = 1

// Store is an in-memory alias map bound to a path and password.
type Store struct {
	path     string
	password string
	entries  map[string]entry
}

// New returns an empty store that Save writes to path.
func New(path, password string) *Store {
	return &Store{path: path, password: password, entries: make(map[string]entry)}
}

// Load reads and decrypts the store at path.
func Load(path, password string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", path, err)
	}
	s, err := Unmarshal(data, password)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	s.path = path
	return s, nil
}

// Unmarshal decodes a store produced by Marshal. The result has no path.
func Unmarshal(data []byte, password string) (*Store, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", f.Version)
	}
	s := New("", password)
	for alias, fe := range f.Entries {
		e, err := decodeEntry(fe, password)
		if err != nil {
			return nil, fmt.Errorf("alias %q: %w", alias, err)
		}
		s.entries[alias] = e
	}
	return s, nil
}

// Path returns the file the store is saved to.
func (s *Store) Path() string { return s.path }

// SetPrivateKey stores key with its chain, leaf first. The leaf must certify key.
func (s *Store) SetPrivateKey(alias string, key crypto.Signer, chain identity.Chain) error {
	if len(chain) == 0 {
		return fmt.Errorf("alias %q: private key entry needs a certificate chain", alias)
	}
	if !publicKeysEqual(key.Public(), chain.Leaf().PublicKey) {
		return fmt.Errorf("alias %q: leaf certificate does not certify the private key", alias)
	}
	s.entries[alias] = entry{kind: KindPrivateKey, key: key, chain: append(identity.Chain(nil), chain...)}
	return nil
}

// SetCertificateChain stores a chain without a private key.
func (s *Store) SetCertificateChain(alias string, chain identity.Chain) error {
	if len(chain) == 0 {
		return fmt.Errorf("alias %q: empty certificate chain", alias)
	}
	s.entries[alias] = entry{kind: KindCertificateChain, chain: append(identity.Chain(nil), chain...)}
	return nil
}

// SetTrustedCertificate stores a single trust anchor.
func (s *Store) SetTrustedCertificate(alias string, cert *x509.Certificate) {
	s.entries[alias] = entry{kind: KindTrustedCertificate, chain: identity.Chain{cert}}
}

// Delete removes alias if present.
func (s *Store) Delete(alias string) {
	delete(s.entries, alias)
}

// Kind reports what alias holds.
func (s *Store) Kind(alias string) (EntryKind, error) {
	e, ok := s.entries[alias]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrAliasNotFound, alias)
	}
	return e.kind, nil
}

// PrivateKey returns the key stored under alias.
func (s *Store) PrivateKey(alias string) (crypto.Signer, error) {
	e, ok := s.entries[alias]
	if !ok || e.kind != KindPrivateKey {
		return nil, fmt.Errorf("%w: no private key under %q", ErrAliasNotFound, alias)
	}
	return e.key, nil
}

// Chain returns the chain stored under alias, for any entry kind.
func (s *Store) Chain(alias string) (identity.Chain, error) {
	e, ok := s.entries[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAliasNotFound, alias)
	}
	return append(identity.Chain(nil), e.chain...), nil
}

// TrustedCertificate returns the anchor stored under alias.
func (s *Store) TrustedCertificate(alias string) (*x509.Certificate, error) {
	e, ok := s.entries[alias]
	if !ok || e.kind != KindTrustedCertificate {
		return nil, fmt.Errorf("%w: no trusted certificate under %q", ErrAliasNotFound, alias)
	}
	return e.chain[0], nil
}

// Aliases returns every alias in sorted order.
func (s *Store) Aliases() []string {
	aliases := make([]string, 0, len(s.entries))
	for alias := range s.entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Marshal encrypts every entry and encodes the store.
func (s *Store) Marshal() ([]byte, error) {
	f := fileFormat{Version: formatVersion, Entries: make(map[string]fileEntry, len(s.entries))}
	for alias, e := range s.entries {
		fe, err := encodeEntry(e, s.password)
		if err != nil {
			return nil, fmt.Errorf("alias %q: %w", alias, err)
		}
		f.Entries[alias] = fe
	}
	return json.MarshalIndent(f, "", "  ")
}

// Save writes the store to its path atomically: readers see either the
// previous file or the complete new one.
func (s *Store) Save() error {
	if s.path == "" {
		return errors.New("keystore has no path")
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return writeFile(s.path, data)
}

func writeFile(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write keystore %s: %w", path, err)
	}
	return nil
}

func encodeEntry(e entry, password string) (fileEntry, error) {
	var (
		data []byte
		err  error
	)
	switch e.kind {
	case KindPrivateKey:
		data, err = pkcs12.Modern.Encode(e.key, e.chain[0], e.chain[1:], password)
	case KindCertificateChain, KindTrustedCertificate:
		data, err = pkcs12.Modern.EncodeTrustStore(e.chain, password)
	default:
		err = fmt.Errorf("unknown entry kind %q", e.kind)
	}
	if err != nil {
		return fileEntry{}, fmt.Errorf("encode %s: %w", e.kind, err)
	}
	return fileEntry{Kind: e.kind, Data: data}, nil
}

func decodeEntry(fe fileEntry, password string) (entry, error) {
	switch fe.Kind {
	case KindPrivateKey:
		key, leaf, cas, err := pkcs12.DecodeChain(fe.Data, password)
		if err != nil {
			return entry{}, fmt.Errorf("decode private key entry: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return entry{}, fmt.Errorf("private key of type %T cannot sign", key)
		}
		return entry{kind: fe.Kind, key: signer, chain: append(identity.Chain{leaf}, cas...)}, nil
	case KindCertificateChain, KindTrustedCertificate:
		certs, err := pkcs12.DecodeTrustStore(fe.Data, password)
		if err != nil {
			return entry{}, fmt.Errorf("decode %s entry: %w", fe.Kind, err)
		}
		if len(certs) == 0 || (fe.Kind == KindTrustedCertificate && len(certs) != 1) {
			return entry{}, fmt.Errorf("%s entry holds %d certificates", fe.Kind, len(certs))
		}
		return entry{kind: fe.Kind, chain: certs}, nil
	default:
		return entry{}, fmt.Errorf("unknown entry kind %q", fe.Kind)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	e, ok := a.(equaler)
	return ok && e.Equal(b)
}
