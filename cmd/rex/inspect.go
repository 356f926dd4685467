// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/pkg/footer"
)

// inspectReport is the JSON shape `rex inspect` prints — a read-only view
// of a bundle's footer record, without extracting anything.
type inspectReport struct {
	TargetName       string `json:"target_name"`
	FormatVersion    uint16 `json:"format_version"`
	ArchTag          string `json:"arch_tag"`
	PayloadOffset    uint64 `json:"payload_offset"`
	PayloadSize      uint64 `json:"payload_size"`
	UncompressedSize uint64 `json:"uncompressed_size"`
	Checksum         string `json:"checksum"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <bundle>",
		Short: "Decode and print a bundle's footer record without extracting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0])
		},
	}
}

func runInspect(cmd *cobra.Command, bundlePath string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "opening %s", bundlePath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "statting %s", bundlePath)
	}

	// Parse, not DecodeFromTail: inspection is read-only diagnostics, and
	// a bundle built for a foreign arch should still be inspectable, just
	// not bootable.
	ftr, err := footer.Parse(f, info.Size())
	if err != nil {
		return err
	}

	report := inspectReport{
		TargetName:       ftr.TargetName,
		FormatVersion:    ftr.FormatVersion,
		ArchTag:          ftr.ArchTag.String(),
		PayloadOffset:    ftr.PayloadOffset,
		PayloadSize:      ftr.PayloadSize,
		UncompressedSize: ftr.UncompressedSize,
		Checksum:         fmt.Sprintf("%016x", ftr.Checksum),
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "encoding inspect report")
	}
	return nil
}
