// Package platform captures the hardware-specific operations spec §9's
// design notes call out for re-architecture: cache-line flushes, memory
// barriers, and heterogeneous-core detection. Each is exposed behind a
// small abstraction with an explicit post-condition, with a portable
// fallback that holds on every platform Go targets.
package platform

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// FlushCodeRegion flushes the instruction and data cache lines covering a
// freshly-published code region to the point of unification (spec §4.2
// "Symbol resolution and cache coherency": "flushes the instruction and
// data cache lines covering the new code region").
//
// Post-condition: after FlushCodeRegion returns, any core that
// subsequently executes region observes the bytes written to it before the
// call, without executing stale cached instructions.
//
// Portable fallback: Go's own code (whether loaded via a recompiled plugin
// or interpreted by yaegi) is never directly self-modified in raw memory
// the way a JIT would be; the runtime and OS loader already establish
// unification when a new code object is mapped or when the interpreter's
// own Go-level memory model applies. This call is a documented no-op that
// exists so a future platform-specific build (cgo calling
// __builtin___clear_cache, or a JIT-compiled artifact kind) has a single
// call site to implement against.
func FlushCodeRegion(region []byte) {
	runtime.KeepAlive(region)
}

// MemoryBarrier issues the architecture's strongest available memory
// barrier before a new handle is published (spec §4.2: "issues the
// architecture's strongest memory barrier before publishing the handle").
//
// Post-condition: all writes program-ordered before MemoryBarrier are
// visible to any core that observes a write program-ordered after it.
//
// Portable fallback: Go does not expose an explicit fence intrinsic; a
// sequentially-consistent atomic store/load pair already provides the
// acquire/release semantics every supported architecture's Go runtime
// guarantees, so a barrier is implemented as a dummy atomic round-trip.
// registry.Handle's atomic.Pointer swap already carries this guarantee on
// its own; MemoryBarrier exists for call sites that publish through
// multiple non-atomic fields before the final atomic swap (e.g. the
// reload engine writing several Module fields into a fresh struct before
// handing it to registry.Publish).
var barrierFlag atomic.Uint64

func MemoryBarrier() {
	barrierFlag.Add(1)
	_ = barrierFlag.Load()
}

// CoreClass distinguishes a performance core from an efficiency core on a
// heterogeneous platform (spec §4.1 point 3, §5).
type CoreClass int

const (
	ClassPerformance CoreClass = iota
	ClassEfficiency
)

// Topology describes the host's detected core layout.
type Topology struct {
	Performance   int
	Efficiency    int
	Heterogeneous bool
}

// DetectTopology returns the host's core topology. On Linux it reads each
// CPU's cpu_capacity from sysfs and buckets cores below the maximum
// observed capacity as efficiency cores; on any platform where that file
// is unavailable (including non-Linux targets and most VMs), it falls back
// to a uniform topology of runtime.NumCPU() performance cores and zero
// efficiency cores — the portable fallback spec §9 requires
// ("heterogeneous-core scheduling ... Portable fallbacks MUST exist").
func DetectTopology() Topology {
	if runtime.GOOS == "linux" {
		if topo, ok := linuxCPUCapacityTopology(); ok {
			return topo
		}
	}
	return Topology{Performance: runtime.NumCPU(), Efficiency: 0, Heterogeneous: false}
}

func linuxCPUCapacityTopology() (Topology, bool) {
	const sysCPUDir = "/sys/devices/system/cpu"
	entries, err := os.ReadDir(sysCPUDir)
	if err != nil {
		return Topology{}, false
	}

	capacities := make(map[string]int)
	maxCap := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(name, "cpu")); err != nil {
			continue
		}
		capPath := filepath.Join(sysCPUDir, name, "cpu_capacity")
		f, err := os.Open(capPath)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			if n, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err == nil {
				capacities[name] = n
				if n > maxCap {
					maxCap = n
				}
			}
		}
		f.Close()
	}

	if len(capacities) == 0 || maxCap == 0 {
		return Topology{}, false
	}

	perf, eff := 0, 0
	for _, c := range capacities {
		if c == maxCap {
			perf++
		} else {
			eff++
		}
	}
	if eff == 0 {
		return Topology{Performance: perf, Efficiency: 0, Heterogeneous: false}, true
	}
	return Topology{Performance: perf, Efficiency: eff, Heterogeneous: true}, true
}

// Steer picks a CoreClass for a job given the host topology, background
// jobs steering to efficiency cores when the platform exposes the
// distinction (spec §4.1 point 3).
func (t Topology) Steer(background bool) CoreClass {
	if !t.Heterogeneous {
		return ClassPerformance
	}
	if background {
		return ClassEfficiency
	}
	return ClassPerformance
}
