package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	synclan "github.com/1111mp/synclan"
)

func newConfigCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the synclan settings document",
	}
	cmd.AddCommand(newConfigShowCommand(baseLogger))
	return cmd
}

func newConfigShowCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the committed settings with sensitive fields redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			server, _, err := openServer(baseLogger)
			if err != nil {
				return err
			}
			defer closeQuietly(server)
			data, err := yaml.Marshal(redactSettings(server.Settings()))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// redactSettings replaces sensitive values with a marker so the document can
// be shared in the open.
func redactSettings(s synclan.Settings) synclan.Settings {
	redacted := "<redacted>"
	if s.AccessCode != nil {
		s.AccessCode = &redacted
	}
	if s.CertPEM != nil {
		s.CertPEM = &redacted
	}
	if s.SigningKeyPEM != nil {
		s.SigningKeyPEM = &redacted
	}
	return s
}
