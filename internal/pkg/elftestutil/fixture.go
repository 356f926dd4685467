// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package elftestutil renders minimal but genuinely debug/elf-readable
// x86_64 ELF64 shared objects for use as test fixtures, written byte by
// byte so tests need no compiler or linker to produce real ones. It is
// shared between internal/pkg/elfresolve's own tests and any package that
// needs a fake shared library or executable on disk (internal/pkg/stage).
package elftestutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Spec describes the handful of ELF dynamic-section facts the resolver
// actually reads.
type Spec struct {
	Interp  string
	Soname  string
	Needed  []string
	RPath   string
	RunPath string
}

// Build renders spec to a complete ELF64 image.
func Build(t *testing.T, spec Spec) []byte {
	t.Helper()

	dynstr := []byte{0}
	addStr := func(s string) uint32 {
		off := uint32(len(dynstr))
		dynstr = append(dynstr, []byte(s)...)
		dynstr = append(dynstr, 0)
		return off
	}

	var neededOffs []uint32
	for _, n := range spec.Needed {
		neededOffs = append(neededOffs, addStr(n))
	}
	var sonameOff, rpathOff, runpathOff uint32
	haveSoname := spec.Soname != ""
	haveRpath := spec.RPath != ""
	haveRunpath := spec.RunPath != ""
	if haveSoname {
		sonameOff = addStr(spec.Soname)
	}
	if haveRpath {
		rpathOff = addStr(spec.RPath)
	}
	if haveRunpath {
		runpathOff = addStr(spec.RunPath)
	}

	type dynEnt struct {
		tag int64
		val uint64
	}
	var dyn []dynEnt
	for _, off := range neededOffs {
		dyn = append(dyn, dynEnt{int64(elf.DT_NEEDED), uint64(off)})
	}
	if haveSoname {
		dyn = append(dyn, dynEnt{int64(elf.DT_SONAME), uint64(sonameOff)})
	}
	if haveRpath {
		dyn = append(dyn, dynEnt{int64(elf.DT_RPATH), uint64(rpathOff)})
	}
	if haveRunpath {
		dyn = append(dyn, dynEnt{int64(elf.DT_RUNPATH), uint64(runpathOff)})
	}
	dyn = append(dyn, dynEnt{int64(elf.DT_NULL), 0})

	dynBytes := make([]byte, 0, 16*len(dyn))
	for _, d := range dyn {
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:8], uint64(d.tag))
		binary.LittleEndian.PutUint64(b[8:16], d.val)
		dynBytes = append(dynBytes, b[:]...)
	}

	var interpBytes []byte
	if spec.Interp != "" {
		interpBytes = append([]byte(spec.Interp), 0)
	}

	shstrtab := []byte{0}
	addShName := func(s string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(s)...)
		shstrtab = append(shstrtab, 0)
		return off
	}
	dynstrNameOff := addShName(".dynstr")
	dynamicNameOff := addShName(".dynamic")
	shstrtabNameOff := addShName(".shstrtab")

	const ehdrSize = 64
	const phEntSize = 56
	const shEntSize = 64

	nPhdr := uint16(1)
	if spec.Interp != "" {
		nPhdr = 2
	}

	phOff := uint64(ehdrSize)
	offset := phOff + uint64(nPhdr)*phEntSize

	var interpOff uint64
	if interpBytes != nil {
		interpOff = offset
		offset += uint64(len(interpBytes))
	}
	dynstrOff := offset
	offset += uint64(len(dynstr))
	dynamicOff := offset
	offset += uint64(len(dynBytes))
	shstrtabOff := offset
	offset += uint64(len(shstrtab))
	shOff := offset

	buf := new(bytes.Buffer)
	buf.Grow(int(shOff) + 4*shEntSize)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0,
		Phoff:     phOff,
		Shoff:     shOff,
		Flags:     0,
		Ehsize:    ehdrSize,
		Phentsize: phEntSize,
		Phnum:     nPhdr,
		Shentsize: shEntSize,
		Shnum:     4,
		Shstrndx:  3,
	}
	mustWrite(t, buf, hdr)

	mustWrite(t, buf, elf.Prog64{
		Type:   uint32(elf.PT_DYNAMIC),
		Flags:  uint32(elf.PF_R),
		Off:    dynamicOff,
		Vaddr:  dynamicOff,
		Paddr:  dynamicOff,
		Filesz: uint64(len(dynBytes)),
		Memsz:  uint64(len(dynBytes)),
		Align:  8,
	})
	if interpBytes != nil {
		mustWrite(t, buf, elf.Prog64{
			Type:   uint32(elf.PT_INTERP),
			Flags:  uint32(elf.PF_R),
			Off:    interpOff,
			Vaddr:  interpOff,
			Paddr:  interpOff,
			Filesz: uint64(len(interpBytes)),
			Memsz:  uint64(len(interpBytes)),
			Align:  1,
		})
	}

	if interpBytes != nil {
		buf.Write(interpBytes)
	}
	buf.Write(dynstr)
	buf.Write(dynBytes)
	buf.Write(shstrtab)

	mustWrite(t, buf, elf.Section64{})
	mustWrite(t, buf, elf.Section64{
		Name:      dynstrNameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Addr:      dynstrOff,
		Off:       dynstrOff,
		Size:      uint64(len(dynstr)),
		Addralign: 1,
	})
	mustWrite(t, buf, elf.Section64{
		Name:      dynamicNameOff,
		Type:      uint32(elf.SHT_DYNAMIC),
		Addr:      dynamicOff,
		Off:       dynamicOff,
		Size:      uint64(len(dynBytes)),
		Link:      1,
		Addralign: 8,
		Entsize:   16,
	})
	mustWrite(t, buf, elf.Section64{
		Name:      shstrtabNameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Addr:      shstrtabOff,
		Off:       shstrtabOff,
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})

	return buf.Bytes()
}

func mustWrite(t *testing.T, buf *bytes.Buffer, v interface{}) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encoding fixture field: %v", err)
	}
}

// WriteFile renders spec and writes it to name inside dir, returning the
// full path, with executable permission bits set.
func WriteFile(t *testing.T, dir, name string, spec Spec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, Build(t, spec), 0o755); err != nil {
		t.Fatalf("writing fixture %s: %v", path, err)
	}
	return path
}
