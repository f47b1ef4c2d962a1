// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command heaptrace-record attaches the allocator-hook eBPF programs to
// a target process, either one already running (--pid) or one this
// command launches itself (stopped immediately after exec, resumed
// once every hook is attached), and streams the resulting line-protocol
// trace to an output file.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/antimetal/heaptrace/internal/tracer/bpf"
	"github.com/antimetal/heaptrace/internal/tracer/hook"
	"github.com/antimetal/heaptrace/internal/tracer/linewriter"
	"github.com/antimetal/heaptrace/internal/tracer/modcache"
	"github.com/antimetal/heaptrace/internal/tracer/record"
	"github.com/antimetal/heaptrace/internal/tracer/session"
	"github.com/antimetal/heaptrace/internal/tracer/stack"
)

// stackReader adapts a BPF_MAP_TYPE_STACK_TRACE map to session.StackSource:
// each lookup reads MaxDepth consecutive uint64 instruction pointers keyed
// by the stack id the uprobe program stashed on the event.
type stackReader struct {
	m *ebpf.Map
}

func (r *stackReader) Lookup(stackID uint32) ([stack.MaxDepth]uint64, error) {
	var raw [stack.MaxDepth]uint64
	if err := r.m.Lookup(stackID, &raw); err != nil {
		return raw, fmt.Errorf("looking up stack id %d: %w", stackID, err)
	}
	return raw, nil
}

// moduleResolver adapts modcache.Cache's address lookup to
// session.ModuleResolver.
type moduleResolver struct {
	cache *modcache.Cache
}

func (m *moduleResolver) Resolve(addr uint64) (string, bool) {
	return m.cache.Resolve(addr)
}

var (
	outputPath string
	pid        int
	objPath    string
	gzipOut    bool
	verbose    bool
	tickPeriod time.Duration
	skipFrames int
)

func init() {
	defaultOut := os.Getenv("HEAPTRACE_OUT")
	if defaultOut == "" {
		defaultOut = "heaptrace.trace"
	}
	defaultObj := os.Getenv("HEAPTRACE_BPF_PATH")
	if defaultObj == "" {
		defaultObj = "/usr/local/lib/heaptrace/allocator_hook.bpf.o"
	}

	flag.StringVar(&outputPath, "output", defaultOut,
		"Path to write the trace to ($$ expands to the target PID; - or stdout/stderr select a stream)")
	flag.IntVar(&pid, "pid", 0, "Attach to an already-running process instead of launching a command")
	flag.StringVar(&objPath, "bpf-object", defaultObj,
		"Path to the precompiled allocator-hook eBPF object")
	flag.BoolVar(&gzipOut, "gzip", false, "Gzip-compress the output trace")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.DurationVar(&tickPeriod, "tick", 10*time.Millisecond, "Interval between timestamp/RSS samples")
	flag.IntVar(&skipFrames, "skip-frames", 1, "Leading stack frames to drop as allocator-wrapper internals")
}

func main() {
	flag.Parse()

	var logger logr.Logger
	if verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	exitCode, err := run(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "heaptrace-record:", err)
		os.Exit(1)
	}
	// A launched target's exit code is the record run's exit code, so
	// wrapping a command in heaptrace-record is transparent to scripts
	// that check its status.
	os.Exit(exitCode)
}

func run(logger logr.Logger) (int, error) {
	var cmd *exec.Cmd
	targetPID := pid
	command := ""

	if targetPID == 0 {
		if flag.NArg() == 0 {
			return 0, fmt.Errorf("either --pid or a command to launch is required")
		}
		cmd = exec.Command(flag.Arg(0), flag.Args()[1:]...)
		cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("starting %s: %w", flag.Arg(0), err)
		}
		// Freeze the child immediately after exec so every uprobe is
		// attached before it makes its first allocation; the race
		// between exec and attach would otherwise lose early events.
		if err := cmd.Process.Signal(syscall.SIGSTOP); err != nil {
			return 0, fmt.Errorf("stopping launched process: %w", err)
		}
		targetPID = cmd.Process.Pid
		command = filepath.Base(flag.Arg(0))
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return 0, fmt.Errorf("removing memlock limit: %w", err)
	}

	manager, err := bpf.NewManager(logger)
	if err != nil {
		return 0, fmt.Errorf("creating eBPF manager: %w", err)
	}

	attacher, err := hook.NewAttacher(logger, manager, objPath)
	if err != nil {
		return 0, fmt.Errorf("loading allocator hook: %w", err)
	}
	defer attacher.Close()

	if err := attacher.AttachTarget(targetPID); err != nil {
		if cmd != nil {
			_ = cmd.Process.Kill()
		}
		return 0, fmt.Errorf("attaching to pid %d: %w", targetPID, err)
	}

	out, err := openOutput(expandOutputPath(outputPath, targetPID), gzipOut)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	w := linewriter.New(out)
	modCache := modcache.NewCache(targetPID, "/proc")
	recorder := record.NewRecorder(logger, targetPID, attacher)

	stackTraces, err := attacher.StackTraces()
	if err != nil {
		return 0, err
	}
	sess := session.New(logger, w, &stackReader{m: stackTraces}, &moduleResolver{cache: modCache}, modCache, recorder, skipFrames)
	if err := sess.WriteHeader(command); err != nil {
		return 0, fmt.Errorf("writing trace header: %w", err)
	}
	if err := sess.WriteSystemInfo(uint64(modcache.PageSize()), uint64(modcache.PhysPages())); err != nil {
		return 0, fmt.Errorf("writing system info record: %w", err)
	}
	if cmd == nil {
		// Attached to an already-running process: frees of pre-attach
		// allocations are expected, and the analyzer needs to know.
		if err := sess.WriteAttachedMarker(); err != nil {
			return 0, fmt.Errorf("writing attached marker: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go recorder.Run(ctx)

	ringBuf, err := attacher.RingBuffer()
	if err != nil {
		return 0, err
	}
	reader, err := ringbuf.NewReader(ringBuf)
	if err != nil {
		return 0, fmt.Errorf("opening ring buffer: %w", err)
	}
	defer reader.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); consumeEvents(ctx, reader, sess, logger) }()
	go func() { defer wg.Done(); tickLoop(ctx, sess, tickPeriod) }()

	exitCode := 0
	if cmd != nil {
		if err := cmd.Process.Signal(syscall.SIGCONT); err != nil {
			return 0, fmt.Errorf("resuming launched process: %w", err)
		}
		if werr := cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if errors.As(werr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		cancel()
	} else {
		<-ctx.Done()
	}

	reader.Close()
	recorder.Shutdown()
	wg.Wait()

	if err := sess.Flush(); err != nil {
		return 0, err
	}
	return exitCode, nil
}

// expandOutputPath substitutes "$$" in path with the target's PID, so a
// single output template works across repeated runs and per-child
// traces, the same "$$"-in-output-name convention heaptrack's launcher
// uses.
func expandOutputPath(path string, pid int) string {
	return strings.ReplaceAll(path, "$$", strconv.Itoa(pid))
}

func openOutput(path string, gz bool) (writeCloser, error) {
	switch path {
	case "-", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file %s: %w", path, err)
	}
	if !gz {
		return f, nil
	}
	return &gzipFile{f: f, gz: gzip.NewWriter(f)}, nil
}

// nopCloser keeps the process's own stdio streams open when they are
// chosen as the trace destination.
type nopCloser struct {
	w io.Writer
}

func (n nopCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopCloser) Close() error                { return nil }

type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type gzipFile struct {
	f  *os.File
	gz *gzip.Writer
}

func (g *gzipFile) Write(p []byte) (int, error) { return g.gz.Write(p) }
func (g *gzipFile) Close() error {
	if err := g.gz.Close(); err != nil {
		g.f.Close()
		return err
	}
	return g.f.Close()
}

func tickLoop(ctx context.Context, sess *session.Session, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = sess.Tick()
		}
	}
}

// allocEvent mirrors struct alloc_event in the accompanying BPF C
// program's ring buffer output: one record per resolved call, joined
// kernel-side by the uretprobe from the matching uprobe's stashed
// entry-time arguments, keyed by thread id, so user space never
// observes an unmatched entry.
type allocEvent struct {
	Kind     uint8
	_        [3]byte
	Addr     uint64
	OldAddr  uint64
	Size     uint64
	StackID  uint32
	ModBase  uint64
	_        [4]byte
}

const (
	kindMalloc uint8 = iota
	kindCalloc
	kindRealloc
	kindPosixMemalign
	kindAlignedAlloc
	kindValloc
	kindFree
	kindDlopen
	kindDlclose
)

func consumeEvents(ctx context.Context, reader *ringbuf.Reader, sess *session.Session, logger logr.Logger) {
	for {
		rec, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Error(err, "reading ring buffer")
			continue
		}

		var ev allocEvent
		if err := binary.Read(bytes.NewReader(rec.RawSample), binary.LittleEndian, &ev); err != nil {
			logger.Error(err, "decoding ring buffer event")
			continue
		}

		if err := dispatch(sess, ev); err != nil {
			logger.Error(err, "writing trace record", "kind", ev.Kind)
		}
	}
}

func dispatch(sess *session.Session, ev allocEvent) error {
	switch ev.Kind {
	case kindMalloc, kindCalloc, kindPosixMemalign, kindAlignedAlloc, kindValloc:
		if ev.Addr == 0 {
			return nil // failed allocation
		}
		return sess.ObserveAlloc(ev.Addr, ev.Size, ev.StackID)
	case kindRealloc:
		if ev.Addr == 0 {
			return nil // failed reallocation, oldAddr still live
		}
		return sess.ObserveRealloc(ev.OldAddr, ev.Addr, ev.Size, ev.StackID)
	case kindFree:
		return sess.ObserveFree(ev.Addr)
	case kindDlopen:
		if ev.Addr == 0 {
			return nil
		}
		return sess.ObserveModuleLoad(ev.ModBase)
	case kindDlclose:
		sess.ObserveModuleUnload()
		return nil
	default:
		return nil
	}
}
