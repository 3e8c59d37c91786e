package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
)

func TestStoreRows(t *testing.T) {
	validity := identity.ValidFor(time.Hour)
	h, err := identity.BuildHierarchy(identity.HierarchyOptions{
		RootName:         identity.MustParseName("CN=Root, O=Operator, C=GB"),
		IntermediateName: identity.MustParseName("CN=Doorman, O=Operator, C=GB"),
		Validity:         validity,
	})
	if err != nil {
		t.Fatal(err)
	}
	key, _ := identity.GenerateKey()
	leaf, err := h.IssueNode(identity.MustParseName("O=Bank A, L=London, C=GB"), key.Public(), identity.RoleNodeCA, validity)
	if err != nil {
		t.Fatal(err)
	}

	s := keystore.New(filepath.Join(t.TempDir(), "nodekeystore.p12s"), "secret")
	if err := s.SetPrivateKey("nodeca", key, identity.Chain{leaf, h.Intermediate, h.Root}); err != nil {
		t.Fatal(err)
	}
	s.SetTrustedCertificate("rootca", h.Root)

	rows, err := storeRows(s)
	if err != nil {
		t.Fatalf("storeRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if rows[0][0] != "nodeca" || rows[1][0] != "" {
		t.Errorf("alias column = %q, %q", rows[0][0], rows[1][0])
	}
	if rows[0][4] != identity.RoleNodeCA.String() {
		t.Errorf("leaf role = %q", rows[0][4])
	}
	if rows[3][0] != "rootca" || rows[3][1] != string(keystore.KindTrustedCertificate) {
		t.Errorf("trust row = %v", rows[3])
	}

	var buf bytes.Buffer
	if err := renderStore(&buf, s); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Bank A") {
		t.Errorf("rendered table missing subject:\n%s", buf.String())
	}
}
