package identity_test

import (
	"crypto"
	"errors"
	"testing"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

func newMembers(t *testing.T, n int) ([]crypto.Signer, []crypto.PublicKey) {
	t.Helper()
	signers := make([]crypto.Signer, n)
	pubs := make([]crypto.PublicKey, n)
	for i := range signers {
		signers[i] = newTestKey(t)
		pubs[i] = signers[i].Public()
	}
	return signers, pubs
}

func TestNewCompositeKey_threshold(t *testing.T) {
	_, pubs := newMembers(t, 3)
	for _, threshold := range []int{-1, 0, 4} {
		if _, err := identity.NewCompositeKey(threshold, pubs...); !errors.Is(err, identity.ErrInvalidThreshold) {
			t.Errorf("threshold %d: err = %v, want ErrInvalidThreshold", threshold, err)
		}
	}
	for _, threshold := range []int{1, 2, 3} {
		if _, err := identity.NewCompositeKey(threshold, pubs...); err != nil {
			t.Errorf("threshold %d: unexpected error %v", threshold, err)
		}
	}
	if _, err := identity.NewCompositeKey(1, pubs[0], pubs[0]); err == nil {
		t.Error("expected error for duplicate members")
	}
}

func TestCompositeKey_MarshalParse(t *testing.T) {
	_, pubs := newMembers(t, 5)
	key, err := identity.NewCompositeKey(3, pubs...)
	if err != nil {
		t.Fatal(err)
	}
	der, err := key.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	parsed, err := identity.ParseCompositeKey(der)
	if err != nil {
		t.Fatalf("ParseCompositeKey() error: %v", err)
	}
	if !parsed.Equal(key) {
		t.Error("parsed key differs from the original")
	}
}

func TestCompositeKey_thresholdSignatures(t *testing.T) {
	signers, pubs := newMembers(t, 5)
	key, err := identity.NewCompositeKey(3, pubs...)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("transfer 100 to bank B")

	var sigs []identity.MemberSignature
	for _, s := range signers[:2] {
		sig, err := identity.SignMember(s, msg)
		if err != nil {
			t.Fatal(err)
		}
		sigs = append(sigs, sig)
	}
	// Repeating a member does not raise the count.
	if err := key.VerifySignatures(msg, append(sigs, sigs[0])); err == nil {
		t.Error("two distinct signatures must not satisfy a threshold of 3")
	}
	if key.IsFulfilledBy(pubs[0], pubs[1], pubs[1]) {
		t.Error("IsFulfilledBy counted a duplicate member")
	}

	outsider, _ := newMembers(t, 1)
	fake, _ := identity.SignMember(outsider[0], msg)
	if err := key.VerifySignatures(msg, append(sigs, fake)); err == nil {
		t.Error("a non-member signature must not count")
	}

	third, _ := identity.SignMember(signers[4], msg)
	sigs = append(sigs, third)
	if err := key.VerifySignatures(msg, sigs); err != nil {
		t.Errorf("VerifySignatures() error: %v", err)
	}
	if err := key.VerifySignatures([]byte("tampered"), sigs); err == nil {
		t.Error("signatures over a different message must not verify")
	}
	if !key.IsFulfilledBy(pubs[0], pubs[2], pubs[4]) {
		t.Error("IsFulfilledBy() = false for three distinct members")
	}
}

func TestIssueCompositeCertificate(t *testing.T) {
	h := newTestHierarchy(t)
	_, pubs := newMembers(t, 3)
	key, err := identity.NewCompositeKey(2, pubs...)
	if err != nil {
		t.Fatal(err)
	}
	subject := identity.MustParseName("CN=Notary Service, O=Notary, L=Zurich, C=CH")

	cert, err := identity.IssueCompositeCertificate(h.Intermediate, h.IntermediateKey, subject, key,
		identity.RoleNodeCA, testValidity)
	if err != nil {
		t.Fatalf("IssueCompositeCertificate() error: %v", err)
	}

	got, err := identity.CompositeKeyFromCertificate(cert)
	if err != nil {
		t.Fatalf("CompositeKeyFromCertificate() error: %v", err)
	}
	if !got.Equal(key) {
		t.Error("certified key differs from the composite key")
	}
	if role, _ := identity.RoleOf(cert); role != identity.RoleNodeCA {
		t.Errorf("role = %s, want NodeCA", role)
	}
	if name, _ := identity.SubjectOf(cert); !name.Equal(subject) {
		t.Errorf("subject = %q, want %q", name, subject)
	}
	if !cert.IsCA || !cert.MaxPathLenZero {
		t.Errorf("basic constraints: IsCA=%v MaxPathLen=%d", cert.IsCA, cert.MaxPathLen)
	}
	if err := (identity.Chain{cert, h.Intermediate, h.Root}).VerifyPath(h.Root); err != nil {
		t.Errorf("VerifyPath() error: %v", err)
	}

	if _, err := identity.IssueCompositeCertificate(h.Root, h.RootKey, subject, key,
		identity.RoleNodeCA, testValidity); !errors.Is(err, identity.ErrInvalidIssuerRole) {
		t.Errorf("root issuing NodeCA: err = %v, want ErrInvalidIssuerRole", err)
	}
	if _, err := identity.CompositeKeyFromCertificate(h.Intermediate); err == nil {
		t.Error("expected error for a non-composite certificate")
	}
}
