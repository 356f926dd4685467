// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rex-linux/rex/internal/pkg/buildcfg"
	"github.com/rex-linux/rex/internal/pkg/pack"
	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/internal/pkg/stage"
	"github.com/rex-linux/rex/internal/pkg/sylog"
)

// runBuilder parses argv as the builder-mode flag set (spec §6) and, on
// success, stages and packs one bundle. It never calls os.Exit itself —
// every path returns a process exit code so main can apply it uniformly.
func runBuilder(argv []string) int {
	root := newRootCmd()
	root.SetArgs(argv)

	err := root.Execute()
	if err == nil {
		return 0
	}

	sylog.Errorf("%s", err.Error())
	if _, isKinded := err.(rexerr.Kinded); isKinded {
		return rexerr.ExitCode(err)
	}
	// Anything cobra/pflag produced on its own (unknown flag, missing
	// required value) is a usage error by construction.
	return 2
}

// levelFlag is a pflag.Value so an out-of-range -L is rejected the moment
// pflag parses it, with the same KindUsage diagnostic runBuilder would
// otherwise have to apply after the fact.
type levelFlag int

func (l *levelFlag) String() string { return fmt.Sprintf("%d", int(*l)) }
func (l *levelFlag) Type() string   { return "int" }
func (l *levelFlag) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return rexerr.Wrap(rexerr.KindUsage, err, "invalid compression level %q", s)
	}
	if n < pack.MinLevel || n > pack.MaxLevel {
		return rexerr.New(rexerr.KindUsage, "compression level %d out of range [%d, %d]", n, pack.MinLevel, pack.MaxLevel)
	}
	*l = levelFlag(n)
	return nil
}

var _ pflag.Value = (*levelFlag)(nil)

func newRootCmd() *cobra.Command {
	var (
		target    string
		level     = levelFlag(pack.DefaultLevel)
		extraLibs []string
		helpers   []string
		extras    []string
		verbose   bool
		quiet     bool
	)

	root := &cobra.Command{
		Use:           "rex -t <path> [flags]",
		Short:         "Bundle an ELF executable and its shared-library closure into a single self-extracting file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return rexerr.New(rexerr.KindUsage, "-t is required")
			}
			if verbose {
				sylog.SetLevel(sylog.LevelVerbose)
			}
			if quiet {
				sylog.SetLevel(sylog.LevelWarn)
			}
			return runBuild(target, int(level), extraLibs, helpers, extras)
		},
	}
	root.Version = buildcfg.Version().String()

	flags := root.Flags()
	flags.StringVarP(&target, "target", "t", "", "target ELF executable (required)")
	flags.VarP(&level, "level", "L", "Zstd compression level (1-22)")
	flags.StringArrayVarP(&extraLibs, "lib", "l", nil, "extra library to inject into the closure (repeatable)")
	flags.StringArrayVarP(&helpers, "bin", "b", nil, "extra helper binary, closure resolved and merged (repeatable)")
	flags.StringArrayVarP(&extras, "file", "f", nil, "extra file or directory, placed verbatim at the bundle root (repeatable)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "increase log verbosity")
	flags.BoolVarP(&quiet, "quiet", "q", false, "only log warnings and above")
	flags.SortFlags = false

	root.AddCommand(newInspectCmd())
	root.AddCommand(newClosureCmd())

	return root
}

// runBuild is the flag-free entry point behind the root command: stage
// the closure, pack it, and report the result the way the reference
// builder's one-line diagnostic does (spec §7).
func runBuild(target string, level int, extraLibs, helpers, extras []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "getting working directory")
	}
	stageDir, err := os.MkdirTemp("", "rex-stage-")
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "creating staging work directory")
	}
	defer os.RemoveAll(stageDir)

	res, err := stage.Build(stageDir, stage.Plan{
		Target:    target,
		ExtraLibs: extraLibs,
		Helpers:   helpers,
		Extras:    extras,
	})
	if err != nil {
		return err
	}

	outputPath := filepath.Join(cwd, res.TargetName+".Rex")
	summary, err := pack.Pack(res.Dir, res.TargetName, outputPath, level)
	if err != nil {
		return err
	}

	sylog.Infof(
		"wrote %s (%s compressed, %s uncompressed, %d %s)",
		outputPath,
		units.HumanSize(float64(summary.PayloadSize)),
		units.HumanSize(float64(summary.UncompressedSize)),
		len(res.Closure.Libraries),
		pluralLibraries(len(res.Closure.Libraries)),
	)
	fmt.Println(outputPath)
	return nil
}

func pluralLibraries(n int) string {
	if n == 1 {
		return "library"
	}
	return "libraries"
}
