// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package memprobe reports memory usage and pressure for the streaming
// merger. Pressure is evaluated against three independent limits: the Go
// heap allocation cap, the process RSS cap, and a floor on system
// available memory.
package memprobe

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Level is the pressure classification.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
	Emergency
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	}
	return "unknown"
}

// Status is a point-in-time memory reading. RSS and system-available are
// zero when the platform reading failed; pressure evaluation skips the
// corresponding limit in that case.
type Status struct {
	AllocatedBytes       uint64
	ProcessRSSBytes      uint64
	SystemAvailableBytes uint64
}

// Limits configures the pressure thresholds. A zero limit disables that
// check.
type Limits struct {
	// MaxAllocatorBytes caps the Go heap in use.
	MaxAllocatorBytes uint64
	// MaxProcessBytes caps the process RSS.
	MaxProcessBytes uint64
	// MinSystemAvailableBytes is the floor on system free memory.
	MinSystemAvailableBytes uint64
}

// Probe is the collaborator interface the merger consumes.
type Probe interface {
	Status() Status
	Pressure() Level
}

// warning at 80% of a cap, critical at 90%, emergency at the cap.
const (
	warningFraction  = 0.80
	criticalFraction = 0.90
)

// SystemProbe reads the Go runtime and the OS. The sample function is
// replaceable for tests.
type SystemProbe struct {
	limits Limits
	sample func() Status
	proc   *process.Process
}

// New builds a SystemProbe with the given limits.
func New(limits Limits) *SystemProbe {
	p := &SystemProbe{limits: limits}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	p.sample = p.systemSample
	return p
}

// NewWithSampler builds a probe backed by a caller-supplied sampler.
// Used by tests and by callers that already meter their allocations.
func NewWithSampler(limits Limits, sample func() Status) *SystemProbe {
	return &SystemProbe{limits: limits, sample: sample}
}

func (p *SystemProbe) systemSample() Status {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := Status{AllocatedBytes: ms.HeapAlloc}
	if p.proc != nil {
		if info, err := p.proc.MemoryInfo(); err == nil && info != nil {
			st.ProcessRSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		st.SystemAvailableBytes = vm.Available
	}
	return st
}

// Status returns the current reading.
func (p *SystemProbe) Status() Status {
	return p.sample()
}

// Pressure classifies the current reading against the limits. The worst
// classification across all enabled limits wins.
func (p *SystemProbe) Pressure() Level {
	st := p.sample()
	level := Normal

	raise := func(l Level) {
		if l > level {
			level = l
		}
	}

	raise(capLevel(st.AllocatedBytes, p.limits.MaxAllocatorBytes))
	raise(capLevel(st.ProcessRSSBytes, p.limits.MaxProcessBytes))

	if p.limits.MinSystemAvailableBytes > 0 && st.SystemAvailableBytes > 0 {
		floor := p.limits.MinSystemAvailableBytes
		switch {
		case st.SystemAvailableBytes <= floor:
			raise(Emergency)
		case st.SystemAvailableBytes <= floor+floor/4:
			raise(Critical)
		case st.SystemAvailableBytes <= floor+floor/2:
			raise(Warning)
		}
	}

	return level
}

func capLevel(used, limit uint64) Level {
	if limit == 0 || used == 0 {
		return Normal
	}
	frac := float64(used) / float64(limit)
	switch {
	case frac >= 1.0:
		return Emergency
	case frac >= criticalFraction:
		return Critical
	case frac >= warningFraction:
		return Warning
	}
	return Normal
}
