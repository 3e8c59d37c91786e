// Package client is the Go SDK for a node trust registration authority.
//
// It implements the transport half of node registration: submitting a
// certificate signing request, polling for the issued chain, and fetching the
// authority's root for out-of-band comparison.
//
// # Registering a node
//
//	c, err := client.New("https://doorman.example.net:8443")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := c.SubmitRequest(ctx, csrPEM)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Polling
//
// RetrieveChain returns ErrNotReady until the authority has issued the chain.
// Network failures and 5xx responses wrap ErrTransport and may be retried;
// 4xx responses wrap ErrRejected and should not be:
//
//	chain, err := c.RetrieveChain(ctx, id)
//	switch {
//	case errors.Is(err, client.ErrNotReady), errors.Is(err, client.ErrTransport):
//	    // back off and poll again
//	case err != nil:
//	    log.Fatal(err)
//	}
//
// The returned chain is [client, intermediate, root] and has not been
// validated; callers must check it against their pinned root.
package client
