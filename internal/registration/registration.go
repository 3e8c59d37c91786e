// Package registration drives a node's bootstrap against a registration
// authority: submit a CSR, poll for the issued chain, validate it against a
// pinned root, and assemble the node's keystores.
//
// The Client is a state machine stepped by the caller. It never sleeps or
// retries on its own; backoff and cancellation belong to whoever calls Poll.
package registration

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
	"github.com/jmerrifield20/nodetrust/pkg/client"
)

// State is the position of a registration in its lifecycle.
type State int

const (
	StateUnsubmitted State = iota
	StateSubmitted
	StatePolling
	StateValidated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnsubmitted:
		return "unsubmitted"
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport is the request/response exchange with the authority.
// RetrieveChain returns an error wrapping ErrNotReady until a chain exists.
type Transport interface {
	SubmitRequest(ctx context.Context, csrPEM []byte) (string, error)
	RetrieveChain(ctx context.Context, id string) ([]*x509.Certificate, error)
}

var _ Transport = (*client.Client)(nil)

// DefaultMaxAttempts bounds Poll when Config.MaxAttempts is zero.
const DefaultMaxAttempts = 30

// Config describes the node being registered.
type Config struct {
	// Name is the node's legal name; the issued leaf must carry it exactly.
	Name identity.DistinguishedName
	// PinnedRoot is the root supplied out of band.
	PinnedRoot *x509.Certificate
	// NodeKey is the node identity key. A fresh key is generated when nil.
	NodeKey crypto.Signer
	// MaxAttempts bounds the number of Poll calls.
	MaxAttempts int
	// Dir receives the three keystores.
	Dir      string
	Password string
	// KeyGen creates the node key (when NodeKey is nil) and the TLS key.
	KeyGen identity.KeyGenerator
	// TLSValidity is the window of the locally issued TLS certificate.
	// Defaults to the node certificate's own window.
	TLSValidity identity.Validity
}

// Client is one registration attempt. It is not safe for concurrent use;
// independent registrations use independent Clients.
type Client struct {
	cfg       Config
	transport Transport
	logger    *zap.Logger

	state     State
	nodeKey   crypto.Signer
	requestID string
	attempts  int
	chain     identity.Chain

	// validated is the chain last passed to Validate and validateErr its
	// outcome; repeat calls with the same chain return the same result.
	didValidate bool
	validated   identity.Chain
	validateErr error
}

// New validates cfg and returns a Client in StateUnsubmitted.
func New(cfg Config, transport Transport, logger *zap.Logger) (*Client, error) {
	if len(cfg.Name) == 0 {
		return nil, errors.New("registration: legal name is required")
	}
	if cfg.Name.Organization() == "" {
		return nil, errors.New("registration: legal name must include an organization (O)")
	}
	if cfg.PinnedRoot == nil {
		return nil, errors.New("registration: pinned root is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("registration: keystore directory is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.KeyGen == nil {
		cfg.KeyGen = identity.GenerateKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With(zap.String("legal_name", cfg.Name.String())),
		state:     StateUnsubmitted,
		nodeKey:   cfg.NodeKey,
	}, nil
}

// State returns the current state.
func (c *Client) State() State { return c.state }

// RequestID returns the pending request identifier once submitted.
func (c *Client) RequestID() string { return c.requestID }

// Attempts returns how many times Poll has been called.
func (c *Client) Attempts() int { return c.attempts }

// Chain returns the validated chain, or nil before validation succeeds.
func (c *Client) Chain() identity.Chain { return c.chain }

// Submit builds a CSR for the node key and sends it. On a transport error the
// client stays unsubmitted and Submit may be called again.
func (c *Client) Submit(ctx context.Context) (string, error) {
	if c.state != StateUnsubmitted {
		return "", fmt.Errorf("%w: submit in state %s", ErrInvalidState, c.state)
	}
	if c.nodeKey == nil {
		key, err := c.cfg.KeyGen()
		if err != nil {
			return "", fmt.Errorf("generate node key: %w", err)
		}
		c.nodeKey = key
	}

	csrPEM, err := CreateCSR(c.cfg.Name, c.nodeKey)
	if err != nil {
		return "", err
	}

	id, err := c.transport.SubmitRequest(ctx, csrPEM)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			c.state = StateRejected
			c.logger.Error("certificate request rejected", zap.Error(err))
			return "", fmt.Errorf("submit certificate request: %w", err)
		}
		c.logger.Info("certificate request submission failed", zap.Error(err))
		return "", fmt.Errorf("submit certificate request: %w", err)
	}

	c.requestID = id
	c.state = StateSubmitted
	c.logger.Info("certificate request submitted", zap.String("request_id", id))
	return id, nil
}

// Poll asks the authority once for the issued chain. It returns an error
// wrapping ErrNotReady or ErrTransport while the caller should keep polling,
// and ErrRegistrationTimeout once MaxAttempts polls have failed.
func (c *Client) Poll(ctx context.Context) (identity.Chain, error) {
	if c.state != StateSubmitted && c.state != StatePolling {
		return nil, fmt.Errorf("%w: poll in state %s", ErrInvalidState, c.state)
	}
	c.state = StatePolling
	c.attempts++

	certs, err := c.transport.RetrieveChain(ctx, c.requestID)
	if err == nil {
		c.logger.Info("certificate chain received",
			zap.String("request_id", c.requestID),
			zap.Int("attempt", c.attempts),
			zap.Int("chain_length", len(certs)))
		return identity.Chain(certs), nil
	}

	if !IsRetryable(err) {
		c.state = StateRejected
		c.logger.Error("poll failed", zap.String("request_id", c.requestID), zap.Error(err))
		return nil, fmt.Errorf("poll for certificate: %w", err)
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.state = StateRejected
		c.logger.Error("registration timed out",
			zap.String("request_id", c.requestID),
			zap.Int("attempts", c.attempts))
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRegistrationTimeout, c.attempts, err)
	}
	c.logger.Debug("certificate not ready",
		zap.String("request_id", c.requestID),
		zap.Int("attempt", c.attempts),
		zap.Error(err))
	return nil, err
}

// Validate checks chain against the pinned root, the NodeCA role and the
// node's legal name. Any failure is fatal to this registration. Calling it
// again with the same chain returns the first result without side effects.
func (c *Client) Validate(chain identity.Chain) error {
	if c.didValidate && (c.state == StateValidated || c.state == StateRejected) && c.validated.Equal(chain) {
		return c.validateErr
	}
	if c.state != StatePolling {
		return fmt.Errorf("%w: validate in state %s", ErrInvalidState, c.state)
	}
	c.didValidate = true
	c.validated = append(identity.Chain(nil), chain...)

	if err := ValidateChain(chain, identity.RoleNodeCA, c.cfg.Name, c.cfg.PinnedRoot); err != nil {
		c.reject(chain, err)
		return err
	}
	if !publicKeysEqual(chain.Leaf().PublicKey, c.nodeKey.Public()) {
		err := &CertificateRequestError{Field: "public key", Expected: "node key", Actual: "foreign key"}
		c.reject(chain, err)
		return err
	}
	c.chain = chain
	c.state = StateValidated
	c.logger.Info("certificate chain validated", zap.String("leaf_fingerprint", identity.Fingerprint(chain.Leaf())))
	return nil
}

func (c *Client) reject(chain identity.Chain, err error) {
	c.state = StateRejected
	c.validateErr = err
	c.logValidationFailure(chain, err)
}

func (c *Client) logValidationFailure(chain identity.Chain, err error) {
	var (
		wrongRoot *identity.WrongRootCertError
		mismatch  *CertificateRequestError
	)
	switch {
	case errors.As(err, &wrongRoot):
		c.logger.Error("chain terminates at an unexpected root",
			zap.Bool("security_event", true),
			zap.String("expected_root_fingerprint", identity.Fingerprint(wrongRoot.Expected)),
			zap.String("actual_root_fingerprint", identity.Fingerprint(wrongRoot.Actual)),
			zap.Error(err))
	case errors.Is(err, identity.ErrMalformedChain):
		c.logger.Error("malformed certificate chain",
			zap.ByteString("chain_pem", chain.PEM()),
			zap.Error(err))
	case errors.As(err, &mismatch):
		c.logger.Warn("issued certificate does not match the request",
			zap.String("field", mismatch.Field),
			zap.String("expected", mismatch.Expected),
			zap.String("actual", mismatch.Actual))
	default:
		c.logger.Error("certificate chain validation failed",
			zap.ByteString("chain_pem", chain.PEM()),
			zap.Error(err))
	}
}

// AssembleKeystores writes the node-identity, TLS and trust stores for the
// validated chain. The TLS certificate is issued locally by the node CA for a
// second, separate key. Nothing is written unless the full bundle passes
// keystore.Bundle.Check.
func (c *Client) AssembleKeystores() (*keystore.Bundle, error) {
	if c.state != StateValidated {
		return nil, fmt.Errorf("%w: assemble keystores in state %s", ErrInvalidState, c.state)
	}
	nodeCert := c.chain.Leaf()

	tlsKey, err := c.cfg.KeyGen()
	if err != nil {
		return nil, fmt.Errorf("generate TLS key: %w", err)
	}
	validity := c.cfg.TLSValidity
	if validity.NotBefore.IsZero() || validity.NotAfter.IsZero() {
		validity = identity.Validity{NotBefore: nodeCert.NotBefore, NotAfter: nodeCert.NotAfter}
	}
	tlsCert, err := identity.Issue(nodeCert, c.nodeKey, c.cfg.Name, tlsKey.Public(), identity.RoleTLS, validity, nil)
	if err != nil {
		return nil, fmt.Errorf("issue TLS certificate: %w", err)
	}
	tlsChain := append(identity.Chain{tlsCert}, c.chain...)

	bundle := keystore.NewBundle(c.cfg.Dir, c.cfg.Password)
	if err := bundle.NodeIdentity.SetPrivateKey(keystore.NodeCAAlias, c.nodeKey, c.chain); err != nil {
		return nil, err
	}
	if err := bundle.TLS.SetPrivateKey(keystore.TLSAlias, tlsKey, tlsChain); err != nil {
		return nil, err
	}
	bundle.Trust.SetTrustedCertificate(keystore.RootCAAlias, c.cfg.PinnedRoot)

	if err := bundle.Check(); err != nil {
		return nil, err
	}
	if err := bundle.Publish(); err != nil {
		return nil, fmt.Errorf("publish keystores: %w", err)
	}
	c.logger.Info("keystores written",
		zap.String("dir", c.cfg.Dir),
		zap.String("tls_fingerprint", identity.Fingerprint(tlsCert)))
	return bundle, nil
}

// CreateCSR returns a PEM certificate request for name signed by key.
func CreateCSR(name identity.DistinguishedName, key crypto.Signer) ([]byte, error) {
	rawSubject, err := name.Marshal()
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{RawSubject: rawSubject}, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate request: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	e, ok := a.(equaler)
	return ok && e.Equal(b)
}

// PollInterval is the default delay callers use between Poll calls.
const PollInterval = 5 * time.Second
