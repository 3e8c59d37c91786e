package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Validity is the window during which a certificate is valid.
type Validity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// ValidFor returns a window starting one minute ago and lasting d.
func ValidFor(d time.Duration) Validity {
	now := time.Now().UTC()
	return Validity{NotBefore: now.Add(-time.Minute), NotAfter: now.Add(d)}
}

func (v Validity) check() error {
	if v.NotBefore.IsZero() || v.NotAfter.IsZero() {
		return errors.New("validity window must be set")
	}
	if !v.NotAfter.After(v.NotBefore) {
		return fmt.Errorf("validity window ends (%s) before it starts (%s)", v.NotAfter, v.NotBefore)
	}
	return nil
}

// Issue signs a certificate for subjectKey under issuerCert. The issuer's
// asserted role must permit role. constraints may be nil; it is only legal on
// CA roles.
func Issue(
	issuerCert *x509.Certificate,
	issuerKey crypto.Signer,
	subject DistinguishedName,
	subjectKey crypto.PublicKey,
	role CertificateRole,
	validity Validity,
	constraints *NameConstraints,
) (*x509.Certificate, error) {
	if issuerCert == nil || issuerKey == nil {
		return nil, errors.New("issue: issuer certificate and key are required")
	}
	issuerRole, err := RoleOf(issuerCert)
	if err != nil {
		return nil, err
	}
	if !issuerRole.CanIssue(role) {
		return nil, fmt.Errorf("%w: %s cannot issue %s", ErrInvalidIssuerRole, issuerRole, role)
	}
	template, err := newTemplate(subject, role, validity, constraints)
	if err != nil {
		return nil, err
	}
	return create(template, issuerCert, subjectKey, issuerKey)
}

// SelfSign produces a root certificate for key.
func SelfSign(subject DistinguishedName, key crypto.Signer, validity Validity) (*x509.Certificate, error) {
	if key == nil {
		return nil, errors.New("self sign: key is required")
	}
	template, err := newTemplate(subject, RoleRootCA, validity, nil)
	if err != nil {
		return nil, err
	}
	return create(template, template, key.Public(), key)
}

func newTemplate(subject DistinguishedName, role CertificateRole, validity Validity, constraints *NameConstraints) (*x509.Certificate, error) {
	if len(subject) == 0 {
		return nil, errors.New("subject name is required")
	}
	if err := validity.check(); err != nil {
		return nil, err
	}
	rawSubject, err := subject.Marshal()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		RawSubject:   rawSubject,
		NotBefore:    validity.NotBefore,
		NotAfter:     validity.NotAfter,
	}
	if err := role.apply(template); err != nil {
		return nil, err
	}
	if constraints != nil && len(constraints.Permitted) > 0 {
		if !role.IsCA() {
			return nil, fmt.Errorf("name constraints are not allowed on a %s certificate", role)
		}
		ext, err := constraints.extension()
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}
	return template, nil
}

// create signs template with signer on behalf of parent.
func create(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	return cert, nil
}

// SubjectOf returns the ordered subject of cert.
func SubjectOf(cert *x509.Certificate) (DistinguishedName, error) {
	return ParseNameDER(cert.RawSubject)
}

// IssuerOf returns the ordered issuer name of cert.
func IssuerOf(cert *x509.Certificate) (DistinguishedName, error) {
	return ParseNameDER(cert.RawIssuer)
}
