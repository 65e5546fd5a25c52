package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/1111mp/synclan/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the synclan version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "synclan %s %s/%s\n",
				version.Current(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
