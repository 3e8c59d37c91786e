// Package certbundle packages an issued certificate chain for transport.
//
// A bundle is a zip archive with exactly three DER entries: client-cert,
// intermediate-cert and root-cert.
package certbundle

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// Entry names inside the archive.
const (
	ClientCertEntry       = "client-cert"
	IntermediateCertEntry = "intermediate-cert"
	RootCertEntry         = "root-cert"
)

// ContentType is the media type served for a bundle.
const ContentType = "application/zip"

const maxEntrySize = 64 << 10

var entryOrder = []string{ClientCertEntry, IntermediateCertEntry, RootCertEntry}

// Pack writes client, intermediate and root into a bundle.
func Pack(client, intermediate, root *x509.Certificate) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i, cert := range []*x509.Certificate{client, intermediate, root} {
		if cert == nil {
			return nil, fmt.Errorf("pack %s: missing certificate", entryOrder[i])
		}
		f, err := w.Create(entryOrder[i])
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", entryOrder[i], err)
		}
		if _, err := f.Write(cert.Raw); err != nil {
			return nil, fmt.Errorf("pack %s: %w", entryOrder[i], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close bundle: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack returns [client, intermediate, root] from a bundle. The archive must
// contain exactly the three expected entries.
func Unpack(data []byte) ([]*x509.Certificate, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	if len(r.File) != len(entryOrder) {
		return nil, fmt.Errorf("bundle has %d entries, want %d", len(r.File), len(entryOrder))
	}

	byName := make(map[string]*x509.Certificate, len(r.File))
	for _, f := range r.File {
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("bundle entry %q appears twice", f.Name)
		}
		cert, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		byName[f.Name] = cert
	}

	chain := make([]*x509.Certificate, 0, len(entryOrder))
	for _, name := range entryOrder {
		cert, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("bundle is missing %q", name)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func readEntry(f *zip.File) (*x509.Certificate, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close() //nolint:errcheck

	der, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if len(der) > maxEntrySize {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", f.Name, maxEntrySize)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Name, err)
	}
	return cert, nil
}
