package identity

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// CertificateRole is the function a certificate serves in the hierarchy. It is
// asserted into every issued certificate via a private extension.
type CertificateRole int

const (
	RoleUnknown        CertificateRole = 0
	RoleRootCA         CertificateRole = 1
	RoleIntermediateCA CertificateRole = 2
	RoleNodeCA         CertificateRole = 4
	RoleTLS            CertificateRole = 5
)

// oidRoleExtension carries the role as an ASN.1 INTEGER.
var oidRoleExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 50530, 1, 1}

func (r CertificateRole) String() string {
	switch r {
	case RoleRootCA:
		return "RootCA"
	case RoleIntermediateCA:
		return "IntermediateCA"
	case RoleNodeCA:
		return "NodeCA"
	case RoleTLS:
		return "TLS"
	default:
		return fmt.Sprintf("CertificateRole(%d)", int(r))
	}
}

// ParseRole converts a role name as produced by String back into a role.
func ParseRole(s string) (CertificateRole, error) {
	for _, r := range []CertificateRole{RoleRootCA, RoleIntermediateCA, RoleNodeCA, RoleTLS} {
		if r.String() == s {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown certificate role %q", s)
}

// IsCA reports whether certificates of this role may sign other certificates.
func (r CertificateRole) IsCA() bool {
	switch r {
	case RoleRootCA, RoleIntermediateCA, RoleNodeCA:
		return true
	default:
		return false
	}
}

// CanIssue reports whether a certificate of role r may sign a certificate of
// role child.
func (r CertificateRole) CanIssue(child CertificateRole) bool {
	switch r {
	case RoleRootCA:
		return child == RoleIntermediateCA
	case RoleIntermediateCA:
		return child == RoleNodeCA || child == RoleTLS
	case RoleNodeCA:
		return child == RoleTLS
	case RoleTLS:
		return false
	default:
		return false
	}
}

// apply sets the basic constraints, key usages and role extension for r.
func (r CertificateRole) apply(t *x509.Certificate) error {
	ext, err := roleExtension(r)
	if err != nil {
		return err
	}
	t.ExtraExtensions = append(t.ExtraExtensions, ext)
	t.BasicConstraintsValid = true

	switch r {
	case RoleRootCA, RoleIntermediateCA:
		t.IsCA = true
		t.MaxPathLen = -1
		t.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	case RoleNodeCA:
		t.IsCA = true
		t.MaxPathLen = 0
		t.MaxPathLenZero = true
		t.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	case RoleTLS:
		t.IsCA = false
		t.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement
		t.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	default:
		return fmt.Errorf("unsupported certificate role %s", r)
	}
	return nil
}

func roleExtension(r CertificateRole) (pkix.Extension, error) {
	value, err := asn1.Marshal(int(r))
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshal role extension: %w", err)
	}
	return pkix.Extension{Id: oidRoleExtension, Value: value}, nil
}

// RoleOf returns the role asserted by cert. Certificates without the role
// extension report RoleUnknown and no error.
func RoleOf(cert *x509.Certificate) (CertificateRole, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidRoleExtension) {
			continue
		}
		var v int
		rest, err := asn1.Unmarshal(ext.Value, &v)
		if err != nil {
			return RoleUnknown, fmt.Errorf("parse role extension: %w", err)
		}
		if len(rest) != 0 {
			return RoleUnknown, errors.New("parse role extension: trailing data")
		}
		return CertificateRole(v), nil
	}
	return RoleUnknown, nil
}
