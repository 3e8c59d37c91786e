package identity_test

import (
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

var testValidity = identity.ValidFor(24 * time.Hour)

func newTestKey(t *testing.T) crypto.Signer {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// newTestHierarchy builds a root and intermediate, optionally constraining
// the intermediate.
func newTestHierarchy(t *testing.T, permitted ...string) *identity.Hierarchy {
	t.Helper()
	opts := identity.HierarchyOptions{
		RootName:         identity.MustParseName("CN=Test Root CA, O=Test, L=London, C=GB"),
		IntermediateName: identity.MustParseName("CN=Test Intermediate CA, O=Test, L=London, C=GB"),
		Validity:         testValidity,
	}
	if len(permitted) > 0 {
		nc, err := identity.NewNameConstraints(permitted...)
		if err != nil {
			t.Fatalf("NewNameConstraints() error: %v", err)
		}
		opts.Constraints = nc
	}
	h, err := identity.BuildHierarchy(opts)
	if err != nil {
		t.Fatalf("BuildHierarchy() error: %v", err)
	}
	return h
}

// issueNodeCA issues a NodeCA certificate under the intermediate and returns
// it with its key. It signs with Issue directly so that chains violating the
// intermediate's constraints can still be built.
func issueNodeCA(t *testing.T, h *identity.Hierarchy, subject string) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	key := newTestKey(t)
	cert, err := identity.Issue(h.Intermediate, h.IntermediateKey, identity.MustParseName(subject),
		key.Public(), identity.RoleNodeCA, testValidity, nil)
	if err != nil {
		t.Fatalf("issue node CA %q: %v", subject, err)
	}
	return cert, key
}
