package registration_test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
	"github.com/jmerrifield20/nodetrust/internal/registration"
)

const testPassword = "trustpass"

var (
	validity  = identity.ValidFor(time.Hour)
	legalName = identity.MustParseName("O=Bank A, L=London, C=GB")
)

func newHierarchy(t *testing.T, rootCN string) *identity.Hierarchy {
	t.Helper()
	h, err := identity.BuildHierarchy(identity.HierarchyOptions{
		RootName:         identity.MustParseName("CN=" + rootCN + ", O=Operator, C=GB"),
		IntermediateName: identity.MustParseName("CN=Doorman, O=Operator, C=GB"),
		Validity:         validity,
	})
	if err != nil {
		t.Fatalf("BuildHierarchy() error: %v", err)
	}
	return h
}

// signingTransport is an in-process authority that signs every CSR under h.
// The first pending polls report not ready.
type signingTransport struct {
	h       *identity.Hierarchy
	pending int
	issue   func(csr *x509.CertificateRequest) ([]*x509.Certificate, error)

	chains map[string][]*x509.Certificate
	polls  int
}

func newSigningTransport(h *identity.Hierarchy) *signingTransport {
	tr := &signingTransport{h: h, chains: map[string][]*x509.Certificate{}}
	tr.issue = func(csr *x509.CertificateRequest) ([]*x509.Certificate, error) {
		subject, err := identity.ParseNameDER(csr.RawSubject)
		if err != nil {
			return nil, err
		}
		leaf, err := h.IssueNode(subject, csr.PublicKey, identity.RoleNodeCA, validity)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{leaf, h.Intermediate, h.Root}, nil
	}
	return tr
}

func (tr *signingTransport) SubmitRequest(_ context.Context, csrPEM []byte) (string, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return "", errors.New("no PEM block")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", err
	}
	if err := csr.CheckSignature(); err != nil {
		return "", err
	}
	chain, err := tr.issue(csr)
	if err != nil {
		return "", err
	}
	subject, _ := identity.ParseNameDER(csr.RawSubject)
	id := subject.Organization()
	tr.chains[id] = chain
	return id, nil
}

func (tr *signingTransport) RetrieveChain(_ context.Context, id string) ([]*x509.Certificate, error) {
	tr.polls++
	if tr.polls <= tr.pending {
		return nil, registration.ErrNotReady
	}
	chain, ok := tr.chains[id]
	if !ok {
		return nil, registration.ErrNotReady
	}
	return chain, nil
}

func newClient(t *testing.T, pinned *x509.Certificate, tr registration.Transport, dir string) *registration.Client {
	t.Helper()
	c, err := registration.New(registration.Config{
		Name:        legalName,
		PinnedRoot:  pinned,
		MaxAttempts: 3,
		Dir:         dir,
		Password:    testPassword,
	}, tr, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

// pollUntilChain drives Poll until a chain arrives or a non-retryable error.
func pollUntilChain(t *testing.T, c *registration.Client) (identity.Chain, error) {
	t.Helper()
	for {
		chain, err := c.Poll(context.Background())
		if err == nil {
			return chain, nil
		}
		if !registration.IsRetryable(err) {
			return nil, err
		}
	}
}

func TestRegistration_happyPath(t *testing.T) {
	h := newHierarchy(t, "Root")
	tr := newSigningTransport(h)
	tr.pending = 2
	dir := t.TempDir()
	c := newClient(t, h.Root, tr, dir)
	ctx := context.Background()

	id, err := c.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if id != "Bank A" {
		t.Errorf("request id = %q, want %q", id, "Bank A")
	}
	if c.State() != registration.StateSubmitted {
		t.Errorf("state = %s, want submitted", c.State())
	}

	chain, err := pollUntilChain(t, c)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if c.Attempts() != 3 {
		t.Errorf("attempts = %d, want 3", c.Attempts())
	}
	if err := c.Validate(chain); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if c.State() != registration.StateValidated {
		t.Errorf("state = %s, want validated", c.State())
	}
	if _, err := c.AssembleKeystores(); err != nil {
		t.Fatalf("AssembleKeystores() error: %v", err)
	}

	bundle, err := keystore.LoadBundle(dir, testPassword)
	if err != nil {
		t.Fatalf("LoadBundle() error: %v", err)
	}
	if err := bundle.Check(); err != nil {
		t.Errorf("Check() on loaded bundle: %v", err)
	}

	for _, tc := range []struct {
		store *keystore.Store
		alias string
	}{
		{bundle.NodeIdentity, keystore.NodeCAAlias},
		{bundle.TLS, keystore.TLSAlias},
		{bundle.Trust, keystore.RootCAAlias},
	} {
		if got := tc.store.Aliases(); !reflect.DeepEqual(got, []string{tc.alias}) {
			t.Errorf("%s aliases = %v, want [%s]", tc.store.Path(), got, tc.alias)
		}
	}

	nodeChain, _ := bundle.NodeIdentity.Chain(keystore.NodeCAAlias)
	if len(nodeChain) != 3 || !nodeChain.Equal(chain) {
		t.Errorf("node chain has %d certificates, want the issued 3", len(nodeChain))
	}
	tlsChain, _ := bundle.TLS.Chain(keystore.TLSAlias)
	if len(tlsChain) != 4 || !identity.Chain(tlsChain[1:]).Equal(chain) {
		t.Errorf("TLS chain has %d certificates, want [tls, node, intermediate, root]", len(tlsChain))
	}
	if role, _ := identity.RoleOf(tlsChain.Leaf()); role != identity.RoleTLS {
		t.Errorf("TLS leaf role = %s", role)
	}
	if err := tlsChain.VerifyPath(h.Root); err != nil {
		t.Errorf("TLS chain VerifyPath() error: %v", err)
	}
	root, _ := bundle.Trust.TrustedCertificate(keystore.RootCAAlias)
	if !root.Equal(h.Root) {
		t.Error("trust store does not hold the pinned root")
	}
}

func TestRegistration_wrongRoot(t *testing.T) {
	pinned := newHierarchy(t, "Root A")
	signer := newHierarchy(t, "Root B")
	dir := t.TempDir()
	c := newClient(t, pinned.Root, newSigningTransport(signer), dir)

	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	chain, err := pollUntilChain(t, c)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	err = c.Validate(chain)
	if !errors.Is(err, identity.ErrWrongRootCert) {
		t.Fatalf("Validate() error = %v, want ErrWrongRootCert", err)
	}
	var wrongRoot *identity.WrongRootCertError
	if !errors.As(err, &wrongRoot) || !wrongRoot.Actual.Equal(signer.Root) {
		t.Errorf("error does not carry the actual root: %v", err)
	}
	if registration.IsRetryable(err) {
		t.Error("wrong root must not be retryable")
	}
	if c.State() != registration.StateRejected {
		t.Errorf("state = %s, want rejected", c.State())
	}
	if _, err := c.AssembleKeystores(); !errors.Is(err, registration.ErrInvalidState) {
		t.Errorf("AssembleKeystores() after rejection = %v, want ErrInvalidState", err)
	}
	if keystore.Exists(dir) {
		t.Error("keystore files written after wrong root")
	}
}

func TestRegistration_roleMismatch(t *testing.T) {
	h := newHierarchy(t, "Root")
	tr := newSigningTransport(h)
	// A misconfigured authority hands out an intermediate CA straight from the root.
	tr.issue = func(csr *x509.CertificateRequest) ([]*x509.Certificate, error) {
		leaf, err := identity.Issue(h.Root, h.RootKey, legalName, csr.PublicKey, identity.RoleIntermediateCA, validity, nil)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{leaf, h.Root}, nil
	}
	dir := t.TempDir()
	c := newClient(t, h.Root, tr, dir)

	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	chain, err := pollUntilChain(t, c)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	err = c.Validate(chain)
	var mismatch *registration.CertificateRequestError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Validate() error = %v, want CertificateRequestError", err)
	}
	if mismatch.Field != "role" || mismatch.Actual != identity.RoleIntermediateCA.String() {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if keystore.Exists(dir) {
		t.Error("keystore files written after role mismatch")
	}
}

func TestRegistration_subjectMismatch(t *testing.T) {
	h := newHierarchy(t, "Root")
	tr := newSigningTransport(h)
	renamed := identity.MustParseName("O=Bank A Ltd, L=London, C=GB")
	tr.issue = func(csr *x509.CertificateRequest) ([]*x509.Certificate, error) {
		leaf, err := h.IssueNode(renamed, csr.PublicKey, identity.RoleNodeCA, validity)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{leaf, h.Intermediate, h.Root}, nil
	}
	dir := t.TempDir()
	c := newClient(t, h.Root, tr, dir)

	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	chain, err := pollUntilChain(t, c)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	err = c.Validate(chain)
	var mismatch *registration.CertificateRequestError
	if !errors.As(err, &mismatch) || mismatch.Field != "subject" {
		t.Fatalf("Validate() error = %v, want subject mismatch", err)
	}
	if mismatch.Actual != renamed.String() {
		t.Errorf("actual subject = %q, want %q", mismatch.Actual, renamed.String())
	}
	if !errors.Is(err, registration.ErrCertificateRequest) {
		t.Error("mismatch should wrap ErrCertificateRequest")
	}
	if keystore.Exists(dir) {
		t.Error("keystore files written after subject mismatch")
	}
}

func TestRegistration_timeout(t *testing.T) {
	h := newHierarchy(t, "Root")
	tr := newSigningTransport(h)
	tr.pending = 100
	dir := t.TempDir()
	c := newClient(t, h.Root, tr, dir)

	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	_, err := pollUntilChain(t, c)
	if !errors.Is(err, registration.ErrRegistrationTimeout) {
		t.Fatalf("error = %v, want ErrRegistrationTimeout", err)
	}
	if c.Attempts() != 3 {
		t.Errorf("attempts = %d, want 3", c.Attempts())
	}
	if c.State() != registration.StateRejected {
		t.Errorf("state = %s, want rejected", c.State())
	}
	if _, err := c.Poll(context.Background()); !errors.Is(err, registration.ErrInvalidState) {
		t.Errorf("Poll() after timeout = %v, want ErrInvalidState", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("%d files left after timeout", len(entries))
	}
}

type failingTransport struct {
	err error
}

func (f failingTransport) SubmitRequest(context.Context, []byte) (string, error) { return "", f.err }
func (f failingTransport) RetrieveChain(context.Context, string) ([]*x509.Certificate, error) {
	return nil, f.err
}

func TestSubmit_transportErrorIsRetryable(t *testing.T) {
	h := newHierarchy(t, "Root")
	c := newClient(t, h.Root, failingTransport{err: fmt.Errorf("%w: connection refused", registration.ErrTransport)}, t.TempDir())

	_, err := c.Submit(context.Background())
	if !registration.IsRetryable(err) {
		t.Fatalf("Submit() error = %v, want retryable", err)
	}
	if c.State() != registration.StateUnsubmitted {
		t.Errorf("state = %s, want unsubmitted", c.State())
	}
}

func TestSubmit_rejection(t *testing.T) {
	h := newHierarchy(t, "Root")
	c := newClient(t, h.Root, failingTransport{err: errors.New("400 invalid CSR")}, t.TempDir())

	if _, err := c.Submit(context.Background()); err == nil || registration.IsRetryable(err) {
		t.Fatalf("Submit() error = %v, want non-retryable", err)
	}
	if c.State() != registration.StateRejected {
		t.Errorf("state = %s, want rejected", c.State())
	}
}

func TestValidateChain_idempotent(t *testing.T) {
	h := newHierarchy(t, "Root")
	key, _ := identity.GenerateKey()
	leaf, err := h.IssueNode(legalName, key.Public(), identity.RoleNodeCA, validity)
	if err != nil {
		t.Fatal(err)
	}
	good := identity.Chain{leaf, h.Intermediate, h.Root}
	other := newHierarchy(t, "Other")

	for _, tc := range []struct {
		name   string
		chain  identity.Chain
		pinned *x509.Certificate
		want   error
	}{
		{"valid", good, h.Root, nil},
		{"wrong root", good, other.Root, identity.ErrWrongRootCert},
		{"malformed", identity.Chain{leaf, h.Root}, h.Root, identity.ErrMalformedChain},
		{"empty", nil, h.Root, identity.ErrMalformedChain},
	} {
		t.Run(tc.name, func(t *testing.T) {
			first := registration.ValidateChain(tc.chain, identity.RoleNodeCA, legalName, tc.pinned)
			second := registration.ValidateChain(tc.chain, identity.RoleNodeCA, legalName, tc.pinned)
			if !errors.Is(first, tc.want) || (tc.want == nil && first != nil) {
				t.Fatalf("first = %v, want %v", first, tc.want)
			}
			if fmt.Sprint(first) != fmt.Sprint(second) {
				t.Errorf("results differ: %v vs %v", first, second)
			}
		})
	}
}

func TestValidate_twiceOnClient(t *testing.T) {
	h := newHierarchy(t, "Root")
	c := newClient(t, h.Root, newSigningTransport(h), t.TempDir())
	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	chain, err := pollUntilChain(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(chain); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if err := registration.ValidateChain(chain, identity.RoleNodeCA, legalName, h.Root); err != nil {
		t.Errorf("ValidateChain() after Validate: %v", err)
	}
}

func TestValidate_repeatReturnsFirstResult(t *testing.T) {
	h := newHierarchy(t, "Root")
	other := newHierarchy(t, "Other")

	for _, tc := range []struct {
		name      string
		pinned    *x509.Certificate
		want      error
		wantState registration.State
	}{
		{"valid", h.Root, nil, registration.StateValidated},
		{"wrong root", other.Root, identity.ErrWrongRootCert, registration.StateRejected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, tc.pinned, newSigningTransport(h), t.TempDir())
			if _, err := c.Submit(context.Background()); err != nil {
				t.Fatal(err)
			}
			chain, err := pollUntilChain(t, c)
			if err != nil {
				t.Fatal(err)
			}

			first := c.Validate(chain)
			second := c.Validate(chain)
			if !errors.Is(first, tc.want) || (tc.want == nil && first != nil) {
				t.Fatalf("first = %v, want %v", first, tc.want)
			}
			if fmt.Sprint(first) != fmt.Sprint(second) {
				t.Errorf("results differ: %v vs %v", first, second)
			}
			if c.State() != tc.wantState {
				t.Errorf("state = %s, want %s", c.State(), tc.wantState)
			}

			if err := c.Validate(chain[:len(chain)-1]); !errors.Is(err, registration.ErrInvalidState) {
				t.Errorf("different chain after validation: err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{registration.ErrNotReady, true},
		{fmt.Errorf("poll: %w", registration.ErrTransport), true},
		{fmt.Errorf("%w: %w", registration.ErrRegistrationTimeout, registration.ErrNotReady), false},
		{&identity.WrongRootCertError{}, false},
		{&registration.CertificateRequestError{Field: "role"}, false},
		{errors.New("other"), false},
	} {
		if got := registration.IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestNew_requiresConfig(t *testing.T) {
	h := newHierarchy(t, "Root")
	tr := newSigningTransport(h)
	for name, cfg := range map[string]registration.Config{
		"no name":         {PinnedRoot: h.Root, Dir: "x"},
		"no organization": {Name: identity.MustParseName("CN=node"), PinnedRoot: h.Root, Dir: "x"},
		"no root":         {Name: legalName, Dir: "x"},
		"no dir":          {Name: legalName, PinnedRoot: h.Root},
	} {
		if _, err := registration.New(cfg, tr, nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
