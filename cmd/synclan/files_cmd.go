package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func newFilesCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage received files and stored messages",
	}
	cmd.AddCommand(newFilesSweepCommand(baseLogger))
	cmd.AddCommand(newFilesClearCommand(baseLogger))
	return cmd
}

func newFilesSweepCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass over stored messages and uploaded files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			server, _, err := openServer(baseLogger)
			if err != nil {
				return err
			}
			defer closeQuietly(server)
			if err := server.SweepNow(cmd.Context(), time.Now()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sweep complete")
			return nil
		},
	}
}

func newFilesClearCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every received file, regardless of the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			server, _, err := openServer(baseLogger)
			if err != nil {
				return err
			}
			defer closeQuietly(server)
			removed, err := server.ClearUploads()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d day directories\n", removed)
			return nil
		},
	}
}
