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

// Package keytracker provides the canonical composite-key encoding and
// the adaptive key tracker used during streaming rewrites. The tracker
// answers two questions: "does the source have a row for this key?"
// (seeded once, queried for every target row) and "has this source key
// already been applied?". It is sized once, from the estimated source
// key cardinality, into one of three tiers: exact sets, a bounded LRU
// applied-set, or probabilistic filters with a configurable
// false-positive rate.
package keytracker

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/willf/bloom"
)

// Tier names the selected tracker implementation.
type Tier string

const (
	TierExact Tier = "exact"
	TierLRU   Tier = "lru"
	TierBloom Tier = "bloom"
)

// Answer is the result of a tracker lookup. No is always definite: the
// membership and applied filters have no false negatives below their
// capacity. Maybe must be confirmed against an exact source of truth
// before acting on it.
type Answer int

const (
	No Answer = iota
	Yes
	Maybe
)

// Default tier thresholds. Estimates at or below ExactLimit use exact
// sets; above LRULimit the applied-set becomes a bloom filter as well.
const (
	DefaultExactLimit = 262_144
	DefaultLRULimit   = 4_194_304
	DefaultBloomFPR   = 0.001
)

// Config carries the tier thresholds and bloom characteristics.
type Config struct {
	ExactLimit uint64
	LRULimit   uint64
	// LRUCapacity bounds the LRU applied-set independently of the tier
	// threshold; it defaults to LRULimit.
	LRUCapacity uint64
	BloomFPR    float64
}

func (c Config) withDefaults() Config {
	if c.ExactLimit == 0 {
		c.ExactLimit = DefaultExactLimit
	}
	if c.LRULimit == 0 {
		c.LRULimit = DefaultLRULimit
	}
	if c.LRUCapacity == 0 {
		c.LRUCapacity = c.LRULimit
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		c.BloomFPR = DefaultBloomFPR
	}
	return c
}

// Tracker lives for the duration of one rewrite pass. It is not safe for
// concurrent use; the streaming merger processes one file at a time.
//
// Source membership is exact below ExactLimit and a bloom filter above
// it; a bloom membership filter is sound for pruning because it has no
// false negatives, and its false positives are resolved by the exact
// source index lookup that follows. The applied-set is exact, LRU-capped
// (evictions reported, an evicted key may be re-applied), or a bloom
// filter whose Maybe answers require second-pass confirmation.
type Tracker struct {
	tier Tier

	memberExact  mapset.Set[Key128]
	memberFilter *bloom.BloomFilter

	appliedExact  mapset.Set[Key128]
	appliedLRU    *ttlcache.Cache[Key128, struct{}]
	appliedFilter *bloom.BloomFilter

	evictions    int64
	appliedCount int64
}

// New selects a tier from the estimated source key cardinality and
// returns a ready tracker. Seed the source keys before the first
// Contains call.
func New(estimate uint64, cfg Config) *Tracker {
	cfg = cfg.withDefaults()

	switch {
	case estimate <= cfg.ExactLimit:
		return &Tracker{
			tier:         TierExact,
			memberExact:  mapset.NewThreadUnsafeSet[Key128](),
			appliedExact: mapset.NewThreadUnsafeSet[Key128](),
		}
	case estimate <= cfg.LRULimit:
		t := &Tracker{
			tier:         TierLRU,
			memberFilter: bloom.NewWithEstimates(uint(estimate), cfg.BloomFPR),
		}
		t.appliedLRU = ttlcache.New[Key128, struct{}](
			ttlcache.WithCapacity[Key128, struct{}](cfg.LRUCapacity),
		)
		t.appliedLRU.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, _ *ttlcache.Item[Key128, struct{}]) {
			t.evictions++
		})
		return t
	default:
		return &Tracker{
			tier:          TierBloom,
			memberFilter:  bloom.NewWithEstimates(uint(estimate), cfg.BloomFPR),
			appliedFilter: bloom.NewWithEstimates(uint(estimate), cfg.BloomFPR),
		}
	}
}

// Tier returns the selected tier.
func (t *Tracker) Tier() Tier {
	return t.tier
}

// Seed records k as a source key.
func (t *Tracker) Seed(k Key128) {
	if t.memberExact != nil {
		t.memberExact.Add(k)
		return
	}
	t.memberFilter.Add(k[:])
}

// Contains answers whether the source may have a row with key k. A No is
// definite; a Maybe must be confirmed against the exact source index.
func (t *Tracker) Contains(k Key128) Answer {
	if t.memberExact != nil {
		if t.memberExact.Contains(k) {
			return Yes
		}
		return No
	}
	if t.memberFilter.Test(k[:]) {
		return Maybe
	}
	return No
}

// MarkApplied records that the source row with key k has been written.
func (t *Tracker) MarkApplied(k Key128) {
	t.appliedCount++
	switch t.tier {
	case TierExact:
		t.appliedExact.Add(k)
	case TierLRU:
		t.appliedLRU.Set(k, struct{}{}, ttlcache.NoTTL)
	case TierBloom:
		t.appliedFilter.Add(k[:])
	}
}

// Applied answers whether the key has been applied. The exact tier
// answers Yes/No; the LRU tier answers Yes/No but may under-report after
// evictions (see Evictions); the bloom tier answers Maybe/No.
func (t *Tracker) Applied(k Key128) Answer {
	switch t.tier {
	case TierExact:
		if t.appliedExact.Contains(k) {
			return Yes
		}
	case TierLRU:
		if t.appliedLRU.Has(k) {
			return Yes
		}
	case TierBloom:
		if t.appliedFilter.Test(k[:]) {
			return Maybe
		}
	}
	return No
}

// Evictions reports how many applied marks were dropped by the LRU tier.
// A non-zero value means Applied may have answered No for a key that was
// in fact applied.
func (t *Tracker) Evictions() int64 {
	return t.evictions
}

// AppliedCount returns the number of MarkApplied calls.
func (t *Tracker) AppliedCount() int64 {
	return t.appliedCount
}
