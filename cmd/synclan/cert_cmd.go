package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	synclan "github.com/1111mp/synclan"
)

func newCertCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage the server's self-signed TLS certificate",
	}
	cmd.AddCommand(newCertExportCommand(baseLogger))
	return cmd
}

func newCertExportCommand(baseLogger pslog.Logger) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the public certificate to a directory so peers can trust it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			server, _, err := openServer(baseLogger)
			if err != nil {
				return err
			}
			defer closeQuietly(server)
			path, err := server.ExportCertificate(outDir)
			if errors.Is(err, synclan.ErrNoCertificate) {
				return fmt.Errorf("no certificate yet; it is generated on the first TLS start")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to write "+synclan.ExportedCertName+" into")
	return cmd
}
