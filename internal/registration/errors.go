package registration

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/pkg/client"
)

var (
	// ErrCertificateRequest means the authority returned a chain whose leaf
	// role or subject is not what was requested.
	ErrCertificateRequest = errors.New("certificate request mismatch")
	// ErrRegistrationTimeout is returned once the poll attempt bound is spent.
	ErrRegistrationTimeout = errors.New("registration timed out")
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid registration state")

	// ErrNotReady and ErrTransport are the retryable transport outcomes.
	ErrNotReady  = client.ErrNotReady
	ErrTransport = client.ErrTransport
)

// CertificateRequestError names the leaf field that did not match.
type CertificateRequestError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CertificateRequestError) Error() string {
	return fmt.Sprintf("%s: %s: expected %q, got %q", ErrCertificateRequest, e.Field, e.Expected, e.Actual)
}

func (e *CertificateRequestError) Unwrap() error { return ErrCertificateRequest }

// IsRetryable reports whether err may succeed if the caller tries again
// later. Validation failures, rejections and timeouts are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRegistrationTimeout) ||
		errors.Is(err, identity.ErrWrongRootCert) ||
		errors.Is(err, identity.ErrMalformedChain) ||
		errors.Is(err, ErrCertificateRequest) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrNotReady)
}
