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

package memprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixed(st Status) func() Status {
	return func() Status { return st }
}

func TestPressureAllocatorCap(t *testing.T) {
	limits := Limits{MaxAllocatorBytes: 1000}

	tests := []struct {
		allocated uint64
		want      Level
	}{
		{allocated: 100, want: Normal},
		{allocated: 799, want: Normal},
		{allocated: 800, want: Warning},
		{allocated: 900, want: Critical},
		{allocated: 1000, want: Emergency},
		{allocated: 5000, want: Emergency},
	}
	for _, tt := range tests {
		p := NewWithSampler(limits, fixed(Status{AllocatedBytes: tt.allocated}))
		assert.Equal(t, tt.want, p.Pressure(), "allocated=%d", tt.allocated)
	}
}

func TestPressureSystemFloor(t *testing.T) {
	limits := Limits{MinSystemAvailableBytes: 1000}

	tests := []struct {
		available uint64
		want      Level
	}{
		{available: 10_000, want: Normal},
		{available: 1500, want: Warning},
		{available: 1200, want: Critical},
		{available: 1000, want: Emergency},
		{available: 10, want: Emergency},
	}
	for _, tt := range tests {
		p := NewWithSampler(limits, fixed(Status{SystemAvailableBytes: tt.available}))
		assert.Equal(t, tt.want, p.Pressure(), "available=%d", tt.available)
	}
}

func TestPressureWorstLimitWins(t *testing.T) {
	limits := Limits{MaxAllocatorBytes: 1000, MaxProcessBytes: 1000}
	p := NewWithSampler(limits, fixed(Status{AllocatedBytes: 810, ProcessRSSBytes: 950}))
	assert.Equal(t, Critical, p.Pressure())
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	p := NewWithSampler(Limits{}, fixed(Status{AllocatedBytes: 1 << 40, ProcessRSSBytes: 1 << 40}))
	assert.Equal(t, Normal, p.Pressure())
}

func TestSystemProbeReadsRuntime(t *testing.T) {
	p := New(Limits{})
	st := p.Status()
	assert.Positive(t, st.AllocatedBytes)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "warning", Warning.String())
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "emergency", Emergency.String())
}
