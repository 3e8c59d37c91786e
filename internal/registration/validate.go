package registration

import (
	"crypto/x509"
	"fmt"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

// ValidateChain checks an issued chain in order: link ordering, root pin by
// full certificate equality, leaf role, leaf subject, then cryptographic path
// validation anchored at pinnedRoot. It has no side effects.
func ValidateChain(chain identity.Chain, expectedRole identity.CertificateRole, expectedSubject identity.DistinguishedName, pinnedRoot *x509.Certificate) error {
	if err := chain.CheckOrder(); err != nil {
		return err
	}
	if pinnedRoot == nil || !chain.Root().Equal(pinnedRoot) {
		return &identity.WrongRootCertError{Expected: pinnedRoot, Actual: chain.Root()}
	}

	leaf := chain.Leaf()
	role, err := identity.RoleOf(leaf)
	if err != nil {
		return fmt.Errorf("leaf role: %w", err)
	}
	if role != expectedRole {
		return &CertificateRequestError{Field: "role", Expected: expectedRole.String(), Actual: role.String()}
	}

	subject, err := identity.SubjectOf(leaf)
	if err != nil {
		return fmt.Errorf("leaf subject: %w", err)
	}
	if !subject.Equal(expectedSubject) {
		return &CertificateRequestError{Field: "subject", Expected: expectedSubject.String(), Actual: subject.String()}
	}

	return chain.VerifyPath(pinnedRoot)
}
