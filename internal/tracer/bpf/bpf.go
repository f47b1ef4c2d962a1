// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bpf loads the CO-RE eBPF object that carries the uprobe/
// uretprobe programs internal/tracer/hook attaches to a target
// process's allocator entry points.
package bpf

import (
	"fmt"
	"os"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/go-logr/logr"
)

// KernelFeatures summarizes what CO-RE support the running kernel
// offers, discovered once at startup and logged so a failed attach
// attempt can be explained rather than just surfaced as an opaque
// syscall error.
type KernelFeatures struct {
	KernelVersion string
	HasBTF        bool
	BTFPath       string
	CORESupport   string // "full", "partial", "none"
}

// Manager loads the precompiled allocator-hook object file and applies
// CO-RE relocations against the running kernel's BTF.
type Manager struct {
	logger    logr.Logger
	kernelBTF *btf.Spec
	features  *KernelFeatures
}

// NewManager probes the running kernel for CO-RE support and loads its
// BTF if available. Uprobes don't strictly require BTF, but the malloc
// hook's own CO-RE accesses (reading libc's internal chunk size field
// across distro builds) do.
func NewManager(logger logr.Logger) (*Manager, error) {
	features := detectKernelFeatures()
	logger.Info("detected kernel CO-RE support",
		"kernel", features.KernelVersion, "btf", features.HasBTF, "support", features.CORESupport)

	var kernelBTF *btf.Spec
	if features.HasBTF {
		var err error
		kernelBTF, err = btf.LoadKernelSpec()
		if err != nil {
			logger.Error(err, "failed to load kernel BTF, CO-RE relocations may fail")
		}
	}

	return &Manager{logger: logger, kernelBTF: kernelBTF, features: features}, nil
}

// LoadCollection loads the eBPF collection at path, applying CO-RE
// relocations against the kernel BTF detected at construction time.
func (m *Manager) LoadCollection(path string) (*ebpf.Collection, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec %s: %w", path, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading eBPF collection: %w", err)
	}

	m.logger.V(1).Info("loaded eBPF collection", "path", path, "programs", len(spec.Programs))
	return coll, nil
}

// Features returns the kernel CO-RE support detected at construction.
func (m *Manager) Features() *KernelFeatures { return m.features }

func detectKernelFeatures() *KernelFeatures {
	f := &KernelFeatures{KernelVersion: kernelVersion()}
	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		f.HasBTF = true
		f.BTFPath = "/sys/kernel/btf/vmlinux"
	}

	f.CORESupport = coreSupportFor(parseKernelVersion(f.KernelVersion))
	return f
}

// coreSupportFor classifies CO-RE support by kernel version: full BTF
// relocation support landed in 5.2, the partial precursors in 4.18.
func coreSupportFor(major, minor int) string {
	switch {
	case major > 5 || (major == 5 && minor >= 2):
		return "full"
	case major == 4 && minor >= 18:
		return "partial"
	default:
		return "none"
	}
}

func kernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}
	parts := strings.Fields(string(data))
	if len(parts) < 3 {
		return "unknown"
	}
	return parts[2]
}

func parseKernelVersion(version string) (major, minor int) {
	version = strings.SplitN(version, "-", 2)[0]
	nums := strings.Split(version, ".")
	if len(nums) > 0 {
		fmt.Sscanf(nums[0], "%d", &major)
	}
	if len(nums) > 1 {
		fmt.Sscanf(nums[1], "%d", &minor)
	}
	return major, minor
}
