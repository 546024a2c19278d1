// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Command perobs-tool is an operator-facing exerciser for a perobs
// store directory, in the same spirit as the teacher's cmd/tester —
// driven from a shell instead of concurrent load.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dirFlag string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perobs-tool",
	Short: "Inspect and maintain a perobs store directory",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "store directory (required)")
	rootCmd.MarkPersistentFlagRequired("dir")

	rootCmd.AddCommand(checkCmd, gcCmd, defragCmd, statCmd)
}
