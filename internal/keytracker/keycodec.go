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

package keytracker

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Key128 is the canonical fixed-width encoding of a composite key: two
// seeded 64-bit xxhash lanes over a length-prefixed concatenation of the
// per-column binary encodings. Equal keys always map to equal Key128
// values; the engine treats Key128 equality as key equality.
type Key128 [16]byte

var (
	lane0Prefix = []byte{0x00}
	lane1Prefix = []byte{0x01}
)

// Encoder turns the ordered key-column values of a row into a Key128. It
// reuses an internal buffer, so it is not safe for concurrent use; each
// goroutine gets its own Encoder.
type Encoder struct {
	columns []string
	buf     []byte
	scratch [10]byte
}

// NewEncoder builds an encoder over the declared key columns, in order.
func NewEncoder(columns []string) *Encoder {
	return &Encoder{columns: columns, buf: make([]byte, 0, 64)}
}

// EncodeRow computes the canonical key of a row. Any nil key column value
// is an error; null keys must have been rejected before encoding.
func (e *Encoder) EncodeRow(row map[string]any) (Key128, error) {
	e.buf = e.buf[:0]
	for _, col := range e.columns {
		v, ok := row[col]
		if !ok || v == nil {
			return Key128{}, fmt.Errorf("key column %q is null", col)
		}
		if err := e.appendValue(v); err != nil {
			return Key128{}, fmt.Errorf("key column %q: %w", col, err)
		}
	}
	return e.digest(), nil
}

func (e *Encoder) digest() Key128 {
	var k Key128
	h := xxhash.New()
	_, _ = h.Write(lane0Prefix)
	_, _ = h.Write(e.buf)
	binary.BigEndian.PutUint64(k[0:8], h.Sum64())
	h.Reset()
	_, _ = h.Write(lane1Prefix)
	_, _ = h.Write(e.buf)
	binary.BigEndian.PutUint64(k[8:16], h.Sum64())
	return k
}

// appendValue writes a type-tagged, length-prefixed encoding so that
// distinct value sequences never collide structurally. Integer widths are
// normalized to 64 bits so the same logical value read back from Parquet
// as a different Go width still encodes identically.
func (e *Encoder) appendValue(v any) error {
	switch val := v.(type) {
	case int:
		e.appendTagged('i', uint64(int64(val)))
	case int8:
		e.appendTagged('i', uint64(int64(val)))
	case int16:
		e.appendTagged('i', uint64(int64(val)))
	case int32:
		e.appendTagged('i', uint64(int64(val)))
	case int64:
		e.appendTagged('i', uint64(val))
	case uint32:
		e.appendTagged('i', uint64(val))
	case uint64:
		e.appendTagged('i', val)
	case float32:
		e.appendTagged('f', math.Float64bits(float64(val)))
	case float64:
		e.appendTagged('f', math.Float64bits(val))
	case bool:
		b := uint64(0)
		if val {
			b = 1
		}
		e.appendTagged('b', b)
	case string:
		e.appendBytes('s', []byte(val))
	case []byte:
		e.appendBytes('s', val)
	default:
		return fmt.Errorf("unsupported key type %T", v)
	}
	return nil
}

func (e *Encoder) appendTagged(tag byte, bits uint64) {
	e.buf = append(e.buf, tag, 8)
	binary.BigEndian.PutUint64(e.scratch[:8], bits)
	e.buf = append(e.buf, e.scratch[:8]...)
}

func (e *Encoder) appendBytes(tag byte, b []byte) {
	e.buf = append(e.buf, tag)
	n := binary.PutUvarint(e.scratch[:], uint64(len(b)))
	e.buf = append(e.buf, e.scratch[:n]...)
	e.buf = append(e.buf, b...)
}

// Bytes returns the raw canonical byte encoding of the last encoded row.
// Used to feed the cardinality estimator without a second pass.
func (e *Encoder) Bytes() []byte {
	return e.buf
}
