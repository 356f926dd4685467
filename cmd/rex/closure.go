// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rex-linux/rex/internal/pkg/elfresolve"
)

func newClosureCmd() *cobra.Command {
	var extraLibs []string

	cmd := &cobra.Command{
		Use:   "closure <target>",
		Short: "Resolve and print a target's shared-library closure and loader, without staging or packing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClosure(cmd, args[0], extraLibs)
		},
	}
	cmd.Flags().StringArrayVarP(&extraLibs, "lib", "l", nil, "extra library to inject into the closure (repeatable)")
	return cmd
}

func runClosure(cmd *cobra.Command, target string, extraLibs []string) error {
	c, err := elfresolve.Resolve(target, elfresolve.Options{ExtraLibs: extraLibs})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "loader: %s\n", c.LoaderPath)
	for _, lib := range c.Libraries {
		fmt.Fprintf(out, "%s => %s\n", lib.Soname, lib.Path)
	}
	return nil
}
