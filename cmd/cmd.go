/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/kmilterd/version"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use:          "kmilterd",
	Short:        "Kopano milter daemon",
	Long:         "kmilterd speaks the sendmail milter protocol and applies a mail filter policy on behalf of an MTA.",
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(commandVersion())
}

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version    : %s\n", version.Version)
			fmt.Printf("Build date : %s\n", version.BuildDate)
			fmt.Printf("Built with : %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
