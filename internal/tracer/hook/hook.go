// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package hook attaches the allocator-tracking eBPF programs to a
// target process: a uprobe on each of malloc, free, calloc, realloc,
// posix_memalign, aligned_alloc and valloc, plus dlopen/dlclose so
// newly loaded shared objects can be picked up without restarting the
// trace, with a matching uretprobe on every one except free and
// dlclose.
package hook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"

	"github.com/antimetal/heaptrace/internal/tracer/bpf"
)

// EntryPoints are the libc symbols every attach targets. Each gets a
// uprobe (entry) and, except free and dlclose, a uretprobe (return) so
// the hook can pair a call's arguments with its result.
var EntryPoints = []string{
	"malloc",
	"free",
	"calloc",
	"realloc",
	"posix_memalign",
	"aligned_alloc",
	"valloc",
	"dlopen",
	"dlclose",
}

// noExitProbe lists the entry points with no "<symbol>_exit" program.
// Every entry point has a "<symbol>_enter" program in the collection,
// and all others also have "<symbol>_exit" (dlclose has no return
// value worth capturing; free returns nothing).
var noExitProbe = map[string]bool{
	"free":    true,
	"dlclose": true,
}

// Attacher loads the allocator-hook object file once and attaches it to
// as many target processes as asked; each process gets its own set of
// links (uprobes are per inode+offset but linked per-PID in
// cilium/ebpf, so separate targets never share a Close()).
type Attacher struct {
	logger  logr.Logger
	manager *bpf.Manager
	objPath string

	mu    sync.Mutex
	coll  *ebpf.Collection
	links []link.Link
}

// NewAttacher loads objPath (a precompiled allocator-hook eBPF object)
// once via manager.
func NewAttacher(logger logr.Logger, manager *bpf.Manager, objPath string) (*Attacher, error) {
	coll, err := manager.LoadCollection(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading allocator hook object: %w", err)
	}
	return &Attacher{logger: logger.WithName("hook"), manager: manager, objPath: objPath, coll: coll}, nil
}

// AttachTarget resolves pid's libc and attaches every entry point's
// uprobe/uretprobe pair to it. A target that statically links its
// allocator (no separate libc mapping) is not supported: without a
// shared object to probe there is no stable symbol to attach to.
func (a *Attacher) AttachTarget(pid int) error {
	libcPath, err := resolveLibc(pid, "/proc")
	if err != nil {
		return fmt.Errorf("resolving libc for pid %d: %w", pid, err)
	}
	return a.AttachModule(pid, libcPath)
}

// AttachModule attaches every configured entry point found in the
// ELF at modulePath, mapped into pid. Called both for the initial libc
// attach and, from internal/tracer/record's retry queue (fed by the
// session's dlopen handling), for any later-loaded shared object that
// also exports one of EntryPoints
// (common with allocator-interposing libraries like jemalloc or
// tcmalloc loaded via LD_PRELOAD inside the target itself).
func (a *Attacher) AttachModule(pid int, modulePath string) error {
	ex, err := link.OpenExecutable(modulePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", modulePath, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	attached := 0
	for _, symbol := range EntryPoints {
		enterProg := a.coll.Programs[symbol+"_enter"]
		if enterProg == nil {
			continue
		}
		l, err := ex.Uprobe(symbol, enterProg, &link.UprobeOptions{PID: pid})
		if err != nil {
			a.logger.V(1).Info("uprobe attach failed, skipping symbol",
				"symbol", symbol, "module", modulePath, "error", err)
			continue
		}
		a.links = append(a.links, l)
		attached++

		if noExitProbe[symbol] {
			continue
		}
		if exitProg := a.coll.Programs[symbol+"_exit"]; exitProg != nil {
			ul, err := ex.Uretprobe(symbol, exitProg, &link.UprobeOptions{PID: pid})
			if err != nil {
				a.logger.V(1).Info("uretprobe attach failed, skipping symbol",
					"symbol", symbol, "module", modulePath, "error", err)
				continue
			}
			a.links = append(a.links, ul)
		}
	}

	if attached == 0 {
		return fmt.Errorf("no entry points found in %s", modulePath)
	}
	a.logger.Info("attached allocator hooks", "module", modulePath, "pid", pid, "symbols", attached)
	return nil
}

// RingBuffer returns the events map the attached programs write to, for
// internal/tracer/stack and the line-writer consumer loop to read from.
func (a *Attacher) RingBuffer() (*ebpf.Map, error) {
	m, ok := a.coll.Maps["events"]
	if !ok {
		return nil, fmt.Errorf("events map not found in allocator hook object")
	}
	return m, nil
}

// StackTraces returns the BPF_MAP_TYPE_STACK_TRACE map the attached
// programs record backtraces into, for internal/tracer/stack.Reader
// implementations to look up by the stack id each event carries.
func (a *Attacher) StackTraces() (*ebpf.Map, error) {
	m, ok := a.coll.Maps["stack_traces"]
	if !ok {
		return nil, fmt.Errorf("stack_traces map not found in allocator hook object")
	}
	return m, nil
}

// Close detaches every link and the loaded collection.
func (a *Attacher) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, l := range a.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.links = a.links[:0]
	if a.coll != nil {
		a.coll.Close()
		a.coll = nil
	}
	return firstErr
}

var mapsLibcPattern = regexp.MustCompile(`(/\S*libc(-[\w.]+)?\.so[\d.]*)\s*$`)

// resolveLibc finds the path to the libc mapped into pid by scanning
// <procPath>/<pid>/maps (procPath is "/proc" in production, overridable
// in tests), since a uprobe-attached target may have its libc installed
// anywhere (musl, a custom sysroot, a statically relocated build)
// rather than at a conventional path.
func resolveLibc(pid int, procPath string) (string, error) {
	f, err := os.Open(filepath.Join(procPath, fmt.Sprint(pid), "maps"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := mapsLibcPattern.FindStringSubmatch(line); m != nil {
			path := strings.TrimSpace(m[1])
			if !seen[path] {
				seen[path] = true
				return path, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no libc mapping found in /proc/%d/maps", pid)
}
