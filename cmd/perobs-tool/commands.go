// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vedranvuk/perobs"
)

var repairFlag bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Cross-validate the store, optionally pruning dangling root bindings",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := perobs.NewOptions()
		opts.ReadOnly = !repairFlag
		s, err := perobs.Open(dirFlag, opts, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		errCount, err := s.Check(repairFlag)
		if err != nil {
			return err
		}
		if errCount == 0 {
			fmt.Println("ok")
			return nil
		}
		fmt.Printf("%d inconsistency(ies) found\n", errCount)
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&repairFlag, "repair", false, "prune dangling root bindings if found")
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one mark-and-sweep collection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := perobs.Open(dirFlag, perobs.NewOptions(), nil)
		if err != nil {
			return err
		}
		defer s.Close()

		swept, err := s.GC()
		if err != nil {
			return err
		}
		fmt.Printf("swept %d object(s)\n", swept)
		return nil
	},
}

var defragCmd = &cobra.Command{
	Use:   "defrag",
	Short: "Force a defragmentation pass regardless of free-space ratio",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := perobs.NewOptions()
		s, err := perobs.Open(dirFlag, opts, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Defragmentize(); err != nil {
			return err
		}
		fmt.Println("defragmented")
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print store occupancy statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := perobs.NewOptions()
		opts.ReadOnly = true
		s, err := perobs.Open(dirFlag, opts, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Statistics()
		if err != nil {
			return err
		}
		fmt.Printf("live objects: %d\n", stats.LiveObjects)
		fmt.Printf("file bytes:   %d\n", stats.FileBytes)
		fmt.Printf("free ratio:   %.4f\n", stats.FreeRatio)
		return nil
	},
}
