package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/provision"
)

var (
	provisionCADir     string
	provisionName      string
	provisionThreshold int
	provisionSingular  bool
	provisionDays      int
)

var provisionCmd = &cobra.Command{
	Use:   "provision --ca-dir <dir> --name <service name> <node dir>...",
	Short: "Provision one service identity across several node directories",
	Long: `provision writes service-identity.p12s into every node directory.

By default each node gets its own key and all nodes share a composite key
that needs --threshold member signatures. With --singular every node gets
the same key instead:

  nodetrust provision --ca-dir ca --name "CN=Notary, O=Notary, C=CH" --threshold 2 n1 n2 n3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProvision,
}

func init() {
	f := provisionCmd.Flags()
	f.StringVar(&provisionCADir, "ca-dir", "ca", "directory holding the intermediate CA")
	f.StringVar(&provisionName, "name", "", "service legal name")
	f.IntVar(&provisionThreshold, "threshold", 0, "composite signatures required (default: all nodes)")
	f.BoolVar(&provisionSingular, "singular", false, "share a single key instead of a composite")
	f.IntVar(&provisionDays, "validity-days", 365, "certificate lifetime")
}

func runProvision(cmd *cobra.Command, dirs []string) error {
	if provisionName == "" {
		return errors.New("--name is required")
	}
	name, err := identity.ParseName(provisionName)
	if err != nil {
		return fmt.Errorf("--name: %w", err)
	}
	password, err := keystorePassword()
	if err != nil {
		return err
	}

	store := identity.NewHierarchyStore(provisionCADir)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load CA from %s: %w", provisionCADir, err)
	}
	p := provision.NewProvisioner(store.Hierarchy(), password,
		identity.ValidFor(time.Duration(provisionDays)*24*time.Hour), logger)

	var shared *provision.SharedIdentity
	if provisionSingular {
		shared, err = p.GenerateSingular(name, dirs)
	} else {
		threshold := provisionThreshold
		if threshold == 0 {
			threshold = len(dirs)
		}
		shared, err = p.Generate(name, dirs, threshold)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service identity %s\n", name)
	fmt.Fprintf(out, "  threshold:   %d of %d\n", shared.Threshold, len(shared.Nodes))
	fmt.Fprintf(out, "  certificate: %s\n", identity.Fingerprint(shared.Certificate))
	for _, n := range shared.Nodes {
		fmt.Fprintf(out, "  wrote %s\n", n.Dir)
	}
	return nil
}
