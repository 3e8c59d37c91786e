package main

import (
	"crypto/x509"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <keystore file>...",
	Short: "List the aliases and certificate chains in keystore files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	password, err := keystorePassword()
	if err != nil {
		return err
	}
	for _, path := range args {
		s, err := keystore.Load(path, password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", path)
		if err := renderStore(cmd.OutOrStdout(), s); err != nil {
			return err
		}
	}
	return nil
}

// renderStore prints one row per certificate, grouped by alias.
func renderStore(w io.Writer, s *keystore.Store) error {
	table := tablewriter.NewWriter(w)
	table.SetBorders(tablewriter.Border{Left: true, Right: true, Top: false, Bottom: false})
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Alias", "Kind", "#", "Subject", "Role", "Not After", "SHA-256"})

	rows, err := storeRows(s)
	if err != nil {
		return err
	}
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func storeRows(s *keystore.Store) ([][]string, error) {
	var rows [][]string
	for _, alias := range s.Aliases() {
		kind, err := s.Kind(alias)
		if err != nil {
			return nil, err
		}
		chain, err := s.Chain(alias)
		if err != nil {
			return nil, err
		}
		for i, cert := range chain {
			a, k := alias, string(kind)
			if i > 0 {
				a, k = "", ""
			}
			rows = append(rows, []string{
				a, k, strconv.Itoa(i),
				subjectString(cert),
				roleString(cert),
				cert.NotAfter.UTC().Format(time.RFC3339),
				identity.Fingerprint(cert)[:16],
			})
		}
	}
	return rows, nil
}

func subjectString(cert *x509.Certificate) string {
	n, err := identity.SubjectOf(cert)
	if err != nil {
		return cert.Subject.String()
	}
	return n.String()
}

func roleString(cert *x509.Certificate) string {
	role, err := identity.RoleOf(cert)
	if err != nil {
		return "-"
	}
	return role.String()
}
