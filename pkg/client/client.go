package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmerrifield20/nodetrust/pkg/certbundle"
)

var (
	// ErrNotReady is returned by RetrieveChain while the authority has not
	// issued a chain for the request yet.
	ErrNotReady = errors.New("certificate not ready")
	// ErrTransport wraps network failures and 5xx responses. Both are safe to
	// retry.
	ErrTransport = errors.New("registration transport error")
	// ErrRejected is returned for 4xx responses: the authority refused the
	// request and retrying it unchanged will not help.
	ErrRejected = errors.New("registration request rejected")
)

// StatusError carries a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Unwrap classifies the status: 5xx is a transport error, 4xx a rejection.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 {
		return ErrTransport
	}
	return ErrRejected
}

const maxResponseSize = 1 << 20

// Client talks to a registration authority.
type Client struct {
	authorityBase string
	httpClient    *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithRootCA trusts only the PEM-encoded caPEM for the authority's HTTPS
// certificate.
func WithRootCA(caPEM []byte) Option {
	return func(c *Client) error {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("failed to parse CA certificate PEM")
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			}},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a locally-generated CA. Issued chains
// are still validated against the pinned root.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the authority at authorityBase.
//
//	c, err := client.New("https://doorman.example.net:8443",
//	    client.WithTimeout(30*time.Second),
//	)
func New(authorityBase string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(authorityBase); err != nil {
		return nil, fmt.Errorf("parse authority URL: %w", err)
	}
	c := &Client{
		authorityBase: strings.TrimRight(authorityBase, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(authorityBase string, opts ...Option) *Client {
	c, err := New(authorityBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SubmitRequest posts a PEM-encoded certificate signing request and returns
// the identifier to poll with.
func (c *Client) SubmitRequest(ctx context.Context, csrPEM []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authorityBase+"/api/v1/certificate", bytes.NewReader(csrPEM))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-pem-file")
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", &StatusError{Code: status, Body: string(body)}
	}

	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("submit response has no request_id")
	}
	return resp.RequestID, nil
}

// RetrieveChain polls for the chain issued for id. It returns ErrNotReady
// until the authority has one, and then [client, intermediate, root].
func (c *Client) RetrieveChain(ctx context.Context, id string) ([]*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.authorityBase+"/api/v1/certificate/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Accept", certbundle.ContentType)

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		chain, err := certbundle.Unpack(body)
		if err != nil {
			return nil, fmt.Errorf("unpack certificate bundle: %w", err)
		}
		return chain, nil
	case http.StatusNoContent:
		return nil, ErrNotReady
	default:
		return nil, &StatusError{Code: status, Body: string(body)}
	}
}

// RootCertificate downloads the authority's root. The result must be checked
// against an out-of-band fingerprint before it is pinned.
func (c *Client) RootCertificate(ctx context.Context) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authorityBase+"/api/v1/ca/root.crt", nil)
	if err != nil {
		return nil, fmt.Errorf("build root request: %w", err)
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Body: string(body)}
	}
	chain, err := parsePEMCertificates(body)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// Polled returns the identifiers the authority has served so far.
func (c *Client) Polled(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authorityBase+"/api/v1/polled", nil)
	if err != nil {
		return nil, fmt.Errorf("build polled request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Body: string(body)}
	}
	var resp struct {
		Polled []string `json:"polled"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode polled response: %w", err)
	}
	return resp.Polled, nil
}

// do executes req and returns the status and body. Only network failures are
// returned as errors; the caller interprets the status code.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}
	return resp.StatusCode, body, nil
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no valid certificates found in response")
	}
	return certs, nil
}
