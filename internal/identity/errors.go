package identity

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidIssuerRole is returned when the issuer's role may not sign the
	// requested role.
	ErrInvalidIssuerRole = errors.New("issuer role cannot issue requested role")
	// ErrSigningFailure wraps failures of the underlying signer.
	ErrSigningFailure = errors.New("certificate signing failed")
	// ErrMalformedChain means the chain is not leaf-first with linked names.
	ErrMalformedChain = errors.New("malformed certificate chain")
	// ErrWrongRootCert means the chain terminates at a root other than the
	// pinned one.
	ErrWrongRootCert = errors.New("chain does not terminate at the pinned root")
	// ErrPathValidation covers signature, validity, basic and name constraint
	// failures found while walking a correctly ordered chain.
	ErrPathValidation = errors.New("certificate path validation failed")
	// ErrInvalidThreshold is returned for a composite threshold outside
	// 1..members.
	ErrInvalidThreshold = errors.New("invalid composite key threshold")
	// ErrNameNotPermitted means a subject falls outside the issuing CA's
	// name constraints.
	ErrNameNotPermitted = errors.New("name not permitted by issuer constraints")
)

// MalformedChainError reports where a chain's ordering broke.
type MalformedChainError struct {
	Index  int
	Reason string
	Chain  Chain
}

func (e *MalformedChainError) Error() string {
	return fmt.Sprintf("%s: entry %d: %s", ErrMalformedChain, e.Index, e.Reason)
}

func (e *MalformedChainError) Unwrap() error { return ErrMalformedChain }

// WrongRootCertError carries both the pinned and the presented root.
type WrongRootCertError struct {
	Expected *x509.Certificate
	Actual   *x509.Certificate
}

func (e *WrongRootCertError) Error() string {
	return fmt.Sprintf("%s: expected %s (%s), got %s (%s)", ErrWrongRootCert,
		subjectString(e.Expected), Fingerprint(e.Expected),
		subjectString(e.Actual), Fingerprint(e.Actual))
}

func (e *WrongRootCertError) Unwrap() error { return ErrWrongRootCert }

// Fingerprint returns the hex SHA-256 of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func subjectString(cert *x509.Certificate) string {
	if cert == nil {
		return "<none>"
	}
	n, err := SubjectOf(cert)
	if err != nil {
		return cert.Subject.String()
	}
	return n.String()
}
