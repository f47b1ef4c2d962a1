// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symbolicate resolves an address within a loaded ELF module to
// a function name and source file/line, using debug/elf and debug/dwarf.
// DWARF internals are out of scope for this module's own trace format,
// so this package is deliberately best-effort: a module with no symbol
// table, a stripped binary, or a file that no longer exists all resolve
// to an empty AddressInfo rather than an error, matching the heaptrace
// interpret pass's "never fail the pipeline" requirement.
package symbolicate

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"sort"
	"sync"
)

// AddressInfo is what a successful (possibly partial) resolution finds.
// Function is left empty if no symbol covered the address; File/Line
// are left zero if no matching DWARF line entry was found.
type AddressInfo struct {
	Function string
	File     string
	Line     int
}

type lineEntry struct {
	addr uint64
	file string
	line int
}

type symbolEntry struct {
	start, end uint64
	name       string
}

// module holds the lazily-built lookup tables for one ELF file.
type module struct {
	symbols []symbolEntry // sorted by start
	lines   []lineEntry   // sorted by addr
}

// Resolver caches a module's symbol and line tables across repeated
// Resolve calls for the same path, since a trace file references the
// same handful of modules across millions of instruction pointers.
type Resolver struct {
	mu      sync.Mutex
	modules map[string]*module // nil value means "failed to load, don't retry"
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{modules: make(map[string]*module)}
}

// Resolve looks up fileAddr (the instruction pointer with the module's
// load bias already subtracted) within path's ELF file. ok is false
// only when path could not be opened or parsed at all; a path that
// opens but yields no matching symbol/line still returns ok true with
// an AddressInfo whose fields are partially or entirely empty.
func (r *Resolver) Resolve(path string, fileAddr uint64) (AddressInfo, bool) {
	m := r.moduleFor(path)
	if m == nil {
		return AddressInfo{}, false
	}

	var info AddressInfo
	if i := sort.Search(len(m.symbols), func(i int) bool { return m.symbols[i].start > fileAddr }); i > 0 {
		sym := m.symbols[i-1]
		if fileAddr < sym.end {
			info.Function = sym.name
		}
	}
	if i := sort.Search(len(m.lines), func(i int) bool { return m.lines[i].addr > fileAddr }); i > 0 {
		le := m.lines[i-1]
		info.File = le.file
		info.Line = le.line
	}
	return info, true
}

func (r *Resolver) moduleFor(path string) *module {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.modules[path]; ok {
		return m
	}
	m := loadModule(path)
	r.modules[path] = m
	return m
}

func loadModule(path string) *module {
	f, err := elf.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	m := &module{}
	m.symbols = readSymbols(f)
	m.lines = readLines(f)
	if m.symbols == nil && m.lines == nil {
		return nil
	}
	return m
}

// readSymbols prefers .symtab (local and global functions) and falls
// back to .dynsym (exported functions only, the common case for a
// stripped shared library) when no static symbol table survived.
func readSymbols(f *elf.File) []symbolEntry {
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil
		}
	}

	entries := make([]symbolEntry, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 || s.Name == "" {
			continue
		}
		entries = append(entries, symbolEntry{start: s.Value, end: s.Value + s.Size, name: s.Name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })
	return entries
}

// readLines flattens every compile unit's line number program into a
// single address-sorted table. Binaries built without -g (no DWARF
// section at all) simply yield nil here, not an error.
func readLines(f *elf.File) []lineEntry {
	dw, err := f.DWARF()
	if err != nil {
		return nil
	}

	var entries []lineEntry
	r := dw.Reader()
	for {
		cu, err := r.Next()
		if err != nil || cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := dw.LineReader(cu)
		if err != nil || lr == nil {
			r.SkipChildren()
			continue
		}
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if err != io.EOF {
					break
				}
				break
			}
			if !le.IsStmt {
				continue
			}
			file := ""
			if le.File != nil {
				file = le.File.Name
			}
			entries = append(entries, lineEntry{addr: le.Address, file: file, line: le.Line})
		}
		r.SkipChildren()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	return entries
}
