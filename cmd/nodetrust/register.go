package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
	"github.com/jmerrifield20/nodetrust/internal/registration"
	"github.com/jmerrifield20/nodetrust/pkg/client"
)

var (
	registerName        string
	registerRootFile    string
	registerFingerprint string
	registerDir         string
	registerTLSCA       string
	registerInsecure    bool
)

var registerCmd = &cobra.Command{
	Use:   "register --name <legal name> --root <root.crt> --dir <keystore dir>",
	Short: "Obtain a node CA certificate from the registration authority",
	Long: `register submits a certificate request for this node's legal name, polls
the authority until the chain is issued, validates it against the pinned root
and writes nodekeystore.p12s, sslkeystore.p12s and truststore.p12s.

The root is pinned either from a PEM file distributed out of band (--root) or
downloaded from the authority and checked against --root-fingerprint:

  nodetrust register --authority https://doorman:8080 \
      --name "O=Bank A, L=London, C=GB" --root network-root.crt --dir certificates`,
	RunE: runRegister,
}

func init() {
	f := registerCmd.Flags()
	f.String("authority", "", "registration authority base URL")
	f.StringVar(&registerName, "name", "", "node legal name, e.g. \"O=Bank A, L=London, C=GB\"")
	f.StringVar(&registerRootFile, "root", "", "PEM file holding the network root to pin")
	f.StringVar(&registerFingerprint, "root-fingerprint", "", "SHA-256 of the root to accept when downloading it")
	f.StringVar(&registerDir, "dir", "certificates", "directory for the three keystores")
	f.StringVar(&registerTLSCA, "tls-ca", "", "PEM CA for the authority's HTTPS certificate")
	f.BoolVar(&registerInsecure, "insecure", false, "skip HTTPS verification of the authority (development only)")
	f.Int("max-attempts", registration.DefaultMaxAttempts, "poll attempts before giving up")
	f.Duration("poll-interval", registration.PollInterval, "delay between polls")

	_ = viper.BindPFlag("authority_url", f.Lookup("authority"))
	_ = viper.BindPFlag("registration.max_attempts", f.Lookup("max-attempts"))
	_ = viper.BindPFlag("registration.poll_interval", f.Lookup("poll-interval"))
	viper.SetDefault("authority_url", "http://localhost:8080")
}

func runRegister(cmd *cobra.Command, args []string) error {
	if registerName == "" {
		return errors.New("--name is required")
	}
	name, err := identity.ParseName(registerName)
	if err != nil {
		return fmt.Errorf("--name: %w", err)
	}
	password, err := keystorePassword()
	if err != nil {
		return err
	}
	if keystore.Exists(registerDir) {
		return fmt.Errorf("%s already holds keystores; refusing to overwrite", registerDir)
	}

	var opts []client.Option
	if registerTLSCA != "" {
		caPEM, err := os.ReadFile(registerTLSCA)
		if err != nil {
			return fmt.Errorf("read --tls-ca: %w", err)
		}
		opts = append(opts, client.WithRootCA(caPEM))
	}
	if registerInsecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	c, err := client.New(viper.GetString("authority_url"), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pinned, err := pinnedRoot(ctx, c)
	if err != nil {
		return err
	}

	reg, err := registration.New(registration.Config{
		Name:        name,
		PinnedRoot:  pinned,
		MaxAttempts: viper.GetInt("registration.max_attempts"),
		Dir:         registerDir,
		Password:    password,
	}, c, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitting certificate request for %s\n", name)
	if err := backoff.Retry(func() error {
		return retryable(reg.Submit(ctx))
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(out, "Request id %q accepted, polling for the certificate\n", reg.RequestID())

	var chain identity.Chain
	interval := viper.GetDuration("registration.poll_interval")
	if interval <= 0 {
		interval = registration.PollInterval
	}
	if err := backoff.Retry(func() error {
		got, err := reg.Poll(ctx)
		if err != nil {
			logger.Debug("poll", zap.Int("attempt", reg.Attempts()), zap.Error(err))
			return retryableErr(err)
		}
		chain = got
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)); err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	if err := reg.Validate(chain); err != nil {
		var wrongRoot *identity.WrongRootCertError
		if errors.As(err, &wrongRoot) {
			fmt.Fprintln(cmd.ErrOrStderr(), "WARNING: the authority returned a chain for a different root. "+
				"You may be talking to an impostor registration authority.")
		}
		return err
	}
	if _, err := reg.AssembleKeystores(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Node certificate %s issued by %s\n",
		identity.Fingerprint(chain.Leaf()), subjectString(chain[1]))
	fmt.Fprintf(out, "Keystores written to %s\n", registerDir)
	return nil
}

// pinnedRoot loads --root, or downloads the root and requires it to match
// --root-fingerprint.
func pinnedRoot(ctx context.Context, c *client.Client) (*x509.Certificate, error) {
	if registerRootFile != "" {
		data, err := os.ReadFile(registerRootFile)
		if err != nil {
			return nil, fmt.Errorf("read --root: %w", err)
		}
		return identity.ParseCertificatePEM(data)
	}
	if registerFingerprint == "" {
		return nil, errors.New("one of --root or --root-fingerprint is required")
	}
	root, err := c.RootCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("download root: %w", err)
	}
	want := strings.ToLower(strings.ReplaceAll(registerFingerprint, ":", ""))
	if got := identity.Fingerprint(root); got != want {
		return nil, fmt.Errorf("%w: downloaded root has fingerprint %s, expected %s", identity.ErrWrongRootCert, got, want)
	}
	return root, nil
}

func retryable(_ string, err error) error { return retryableErr(err) }

// retryableErr stops backoff on anything IsRetryable rejects.
func retryableErr(err error) error {
	if err == nil || registration.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
