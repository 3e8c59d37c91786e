package identity

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidNameConstraints = asn1.ObjectIdentifier{2, 5, 29, 30}

var (
	tagPermittedSubtrees = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagExcludedSubtrees  = cbasn1.Tag(1).ContextSpecific().Constructed()
	tagDirectoryName     = cbasn1.Tag(4).ContextSpecific().Constructed()
)

// NameConstraints is a set of permitted subtrees. A subject satisfies the set
// when it starts with every attribute of at least one subtree, in order.
type NameConstraints struct {
	Permitted []DistinguishedName
}

// NewNameConstraints parses each string with ParseName.
func NewNameConstraints(permitted ...string) (*NameConstraints, error) {
	nc := &NameConstraints{}
	for _, p := range permitted {
		n, err := ParseName(p)
		if err != nil {
			return nil, fmt.Errorf("permitted subtree: %w", err)
		}
		nc.Permitted = append(nc.Permitted, n)
	}
	return nc, nil
}

// Permits reports whether subject lies inside one of the permitted subtrees.
// A nil or empty set permits everything.
func (nc *NameConstraints) Permits(subject DistinguishedName) bool {
	if nc == nil || len(nc.Permitted) == 0 {
		return true
	}
	for _, p := range nc.Permitted {
		if subject.HasPrefix(p) {
			return true
		}
	}
	return false
}

// extension encodes the set as a non-critical NameConstraints extension with
// directoryName permitted subtrees. crypto/x509 ignores directoryName
// subtrees; Chain.VerifyPath enforces them.
func (nc *NameConstraints) extension() (pkix.Extension, error) {
	if nc == nil || len(nc.Permitted) == 0 {
		return pkix.Extension{}, errors.New("name constraints: no permitted subtrees")
	}
	var b cryptobyte.Builder
	var encodeErr error
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(tagPermittedSubtrees, func(b *cryptobyte.Builder) {
			for _, p := range nc.Permitted {
				der, err := p.Marshal()
				if err != nil {
					encodeErr = err
					return
				}
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(tagDirectoryName, func(b *cryptobyte.Builder) {
						b.AddBytes(der)
					})
				})
			}
		})
	})
	if encodeErr != nil {
		return pkix.Extension{}, encodeErr
	}
	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encode name constraints: %w", err)
	}
	return pkix.Extension{Id: oidNameConstraints, Value: value}, nil
}

// NameConstraintsFromCertificate returns the directoryName permitted subtrees
// the certificate carries, or nil when it has none. Other general name forms
// are left to the standard library.
func NameConstraintsFromCertificate(cert *x509.Certificate) (*NameConstraints, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidNameConstraints) {
			continue
		}
		return parseNameConstraints(ext.Value)
	}
	return nil, nil
}

func parseNameConstraints(value []byte) (*NameConstraints, error) {
	input := cryptobyte.String(value)
	var outer, permitted, excluded cryptobyte.String
	var havePermitted, haveExcluded bool
	if !input.ReadASN1(&outer, cbasn1.SEQUENCE) || !input.Empty() ||
		!outer.ReadOptionalASN1(&permitted, &havePermitted, tagPermittedSubtrees) ||
		!outer.ReadOptionalASN1(&excluded, &haveExcluded, tagExcludedSubtrees) ||
		!outer.Empty() {
		return nil, errors.New("invalid name constraints extension")
	}

	nc := &NameConstraints{}
	for !permitted.Empty() {
		var subtree, base cryptobyte.String
		var tag cbasn1.Tag
		if !permitted.ReadASN1(&subtree, cbasn1.SEQUENCE) || !subtree.ReadAnyASN1(&base, &tag) {
			return nil, errors.New("invalid name constraints subtree")
		}
		if tag != tagDirectoryName {
			continue
		}
		n, err := ParseNameDER(base)
		if err != nil {
			return nil, fmt.Errorf("permitted subtree: %w", err)
		}
		nc.Permitted = append(nc.Permitted, n)
	}
	if len(nc.Permitted) == 0 {
		return nil, nil
	}
	return nc, nil
}
