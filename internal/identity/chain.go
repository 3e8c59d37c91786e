package identity

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Chain is an ordered certificate chain, leaf first, ending at the root.
type Chain []*x509.Certificate

// Leaf returns the first certificate, or nil for an empty chain.
func (c Chain) Leaf() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Root returns the terminal certificate, or nil for an empty chain.
func (c Chain) Root() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// PEM concatenates the chain as CERTIFICATE blocks in chain order.
func (c Chain) PEM() []byte {
	var buf bytes.Buffer
	for _, cert := range c {
		buf.Write(EncodeCertificatePEM(cert))
	}
	return buf.Bytes()
}

// Equal reports whether both chains hold byte-identical certificates in the
// same order.
func (c Chain) Equal(other Chain) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if !c[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// ParseChainPEM reads every CERTIFICATE block in data, preserving order.
func ParseChainPEM(data []byte) (Chain, error) {
	var chain Chain
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return chain, nil
}

// CheckOrder verifies that the chain is leaf first and that each entry's
// issuer equals the next entry's subject, comparing names structurally.
func (c Chain) CheckOrder() error {
	if len(c) == 0 {
		return &MalformedChainError{Index: 0, Reason: "empty chain", Chain: c}
	}
	for i := 0; i < len(c)-1; i++ {
		issuer, err := IssuerOf(c[i])
		if err != nil {
			return &MalformedChainError{Index: i, Reason: err.Error(), Chain: c}
		}
		next, err := SubjectOf(c[i+1])
		if err != nil {
			return &MalformedChainError{Index: i + 1, Reason: err.Error(), Chain: c}
		}
		if !issuer.Equal(next) {
			return &MalformedChainError{
				Index:  i,
				Reason: fmt.Sprintf("issuer %q does not match next subject %q", issuer, next),
				Chain:  c,
			}
		}
	}
	return nil
}

// VerifyPath validates signatures, validity windows and basic constraints with
// pinned as the sole trust anchor, then checks the role issuance table and
// directoryName constraints along the chain. Revocation is not checked.
func (c Chain) VerifyPath(pinned *x509.Certificate) error {
	if err := c.CheckOrder(); err != nil {
		return err
	}
	if pinned == nil {
		return fmt.Errorf("%w: no pinned root", ErrPathValidation)
	}

	roots := x509.NewCertPool()
	roots.AddCert(pinned)
	intermediates := x509.NewCertPool()
	for _, cert := range c[1:] {
		if !cert.Equal(pinned) {
			intermediates.AddCert(cert)
		}
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := c.Leaf().Verify(opts); err != nil {
		return fmt.Errorf("%w: %w", ErrPathValidation, err)
	}

	if err := c.checkRoles(); err != nil {
		return err
	}
	return c.checkNameConstraints()
}

func (c Chain) checkRoles() error {
	for i := 0; i < len(c)-1; i++ {
		child, err := RoleOf(c[i])
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrPathValidation, i, err)
		}
		parent, err := RoleOf(c[i+1])
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrPathValidation, i+1, err)
		}
		if !parent.CanIssue(child) {
			return fmt.Errorf("%w: entry %d: %s may not be issued by %s", ErrPathValidation, i, child, parent)
		}
	}
	return nil
}

// checkNameConstraints applies every constrained CA's subtrees to all
// certificates below it, so constraints accumulate from the root down.
func (c Chain) checkNameConstraints() error {
	for i := len(c) - 1; i > 0; i-- {
		nc, err := NameConstraintsFromCertificate(c[i])
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrPathValidation, i, err)
		}
		if nc == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			subject, err := SubjectOf(c[j])
			if err != nil {
				return fmt.Errorf("%w: entry %d: %w", ErrPathValidation, j, err)
			}
			if !nc.Permits(subject) {
				return fmt.Errorf("%w: subject %q of entry %d is outside the name constraints of entry %d",
					ErrPathValidation, subject, j, i)
			}
		}
	}
	return nil
}
