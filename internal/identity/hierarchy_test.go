package identity_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/nodetrust/internal/identity"
)

func testHierarchyOptions() identity.HierarchyOptions {
	return identity.HierarchyOptions{
		RootName:         identity.MustParseName("CN=Root, O=Operator, C=GB"),
		IntermediateName: identity.MustParseName("CN=Doorman, O=Operator, C=GB"),
		Validity:         testValidity,
	}
}

func TestBuildHierarchy(t *testing.T) {
	h := newTestHierarchy(t, "O=Bank A")

	if role, _ := identity.RoleOf(h.Intermediate); role != identity.RoleIntermediateCA {
		t.Errorf("intermediate role = %s", role)
	}
	if err := h.Intermediate.CheckSignatureFrom(h.Root); err != nil {
		t.Errorf("intermediate not signed by root: %v", err)
	}
	if nc, _ := identity.NameConstraintsFromCertificate(h.Root); nc != nil {
		t.Error("root must never carry name constraints")
	}
	if nc, _ := identity.NameConstraintsFromCertificate(h.Intermediate); nc == nil {
		t.Error("intermediate is missing its name constraints")
	}
	if err := h.Chain().VerifyPath(h.Root); err != nil {
		t.Errorf("VerifyPath() error: %v", err)
	}
}

func TestHierarchyStore_Create(t *testing.T) {
	dir := t.TempDir()
	store := identity.NewHierarchyStore(dir)

	if err := store.Create(testHierarchyOptions()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for _, name := range []string{"root.crt", "root.key", "intermediate.crt", "intermediate.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	info, err := os.Stat(filepath.Join(dir, "intermediate.key"))
	if err == nil && info.Mode().Perm() != 0o600 {
		t.Errorf("intermediate.key mode = %o, want 600", info.Mode().Perm())
	}
	if store.Hierarchy() == nil {
		t.Error("Hierarchy() returned nil after Create()")
	}
}

func TestHierarchyStore_LoadOrCreate_idempotent(t *testing.T) {
	dir := t.TempDir()
	s1 := identity.NewHierarchyStore(dir)
	if err := s1.LoadOrCreate(testHierarchyOptions()); err != nil {
		t.Fatal(err)
	}

	// Second LoadOrCreate on the same dir must load, not create a new hierarchy.
	s2 := identity.NewHierarchyStore(dir)
	if err := s2.LoadOrCreate(testHierarchyOptions()); err != nil {
		t.Fatal(err)
	}
	if !s1.Hierarchy().Root.Equal(s2.Hierarchy().Root) {
		t.Error("LoadOrCreate created a new root on the second call")
	}
	if !s1.Hierarchy().Intermediate.Equal(s2.Hierarchy().Intermediate) {
		t.Error("LoadOrCreate created a new intermediate on the second call")
	}

	if _, err := identity.Issue(s2.Hierarchy().Intermediate, s2.Hierarchy().IntermediateKey,
		identity.MustParseName("CN=n, O=n, C=GB"), newTestKey(t).Public(), identity.RoleNodeCA, testValidity, nil); err != nil {
		t.Errorf("loaded key cannot sign: %v", err)
	}
}

func TestHierarchyStore_LoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := identity.NewHierarchyStore(dir)
	if err := store.Create(testHierarchyOptions()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "root.crt"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := identity.NewHierarchyStore(dir).LoadOrCreate(testHierarchyOptions()); err == nil {
		t.Error("LoadOrCreate must not silently replace a corrupt hierarchy")
	}
}

func TestHierarchyStore_LoadMismatchedKey(t *testing.T) {
	dir := t.TempDir()
	if err := identity.NewHierarchyStore(dir).Create(testHierarchyOptions()); err != nil {
		t.Fatal(err)
	}
	keyPEM, err := identity.EncodePrivateKeyPEM(newTestKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "intermediate.key"), keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := identity.NewHierarchyStore(dir).Load(); err == nil {
		t.Error("Load() accepted an intermediate key that does not match its certificate")
	}
}

func TestIssueNode_enforcesNameConstraints(t *testing.T) {
	h := newTestHierarchy(t, "CN=Bank A")
	key := newTestKey(t)

	cert, err := h.IssueNode(identity.MustParseName("CN=Bank A, O=Bank A, C=GB"), key.Public(), identity.RoleNodeCA, testValidity)
	if err != nil {
		t.Fatalf("IssueNode() inside constraints: %v", err)
	}
	if err := (identity.Chain{cert, h.Intermediate, h.Root}).VerifyPath(h.Root); err != nil {
		t.Errorf("VerifyPath() error: %v", err)
	}

	_, err = h.IssueNode(identity.MustParseName("CN=Notary, O=Notary, C=CH"), key.Public(), identity.RoleNodeCA, testValidity)
	if !errors.Is(err, identity.ErrNameNotPermitted) {
		t.Errorf("IssueNode() outside constraints: err = %v, want ErrNameNotPermitted", err)
	}
	if err := h.Permits(identity.MustParseName("CN=Bank B")); !errors.Is(err, identity.ErrNameNotPermitted) {
		t.Errorf("Permits() = %v, want ErrNameNotPermitted", err)
	}
}
