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

// Package rowio holds the Parquet row-level IO shared by the metadata
// analyzer, the confirmation scanner, and the streaming merger: schema
// node construction from Go values, streaming batch reading with optional
// column projection, and staged file writing.
package rowio

import (
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// NodeForValue returns a parquet.Node for the given Go value. All nodes
// are optional so rows with missing columns encode as nulls. Not all
// types are supported.
func NodeForValue(name string, v any) (parquet.Node, error) {
	enc := func(n parquet.Node) parquet.Node {
		if n.Leaf() {
			n = parquet.Encoded(n, &parquet.RLEDictionary)
		}
		return n
	}

	switch v.(type) {
	case []byte:
		return parquet.Optional(parquet.Leaf(parquet.ByteArrayType)), nil
	case int8:
		return parquet.Optional(enc(parquet.Int(8))), nil
	case int16:
		return parquet.Optional(enc(parquet.Int(16))), nil
	case int32:
		return parquet.Optional(enc(parquet.Int(32))), nil
	case int, int64:
		return parquet.Optional(enc(parquet.Int(64))), nil
	case float32:
		return parquet.Optional(enc(parquet.Leaf(parquet.FloatType))), nil
	case float64:
		return parquet.Optional(enc(parquet.Leaf(parquet.DoubleType))), nil
	case string:
		return parquet.Optional(enc(parquet.String())), nil
	case bool:
		return parquet.Optional(enc(parquet.Leaf(parquet.BooleanType))), nil
	default:
		return nil, fmt.Errorf("unsupported type %T for column %q", v, name)
	}
}

// NodesFromRows builds the union schema node map over all non-nil values
// in the given rows. Conflicting types for the same column are an error.
func NodesFromRows(rows []map[string]any) (map[string]parquet.Node, error) {
	nodes := make(map[string]parquet.Node)
	for _, row := range rows {
		for k, v := range row {
			if v == nil {
				continue
			}
			node, err := NodeForValue(k, v)
			if err != nil {
				return nil, err
			}
			if on, ok := nodes[k]; ok {
				if !parquet.EqualNodes(on, node) {
					return nil, fmt.Errorf("type mismatch for column %q", k)
				}
				continue
			}
			nodes[k] = node
		}
	}
	return nodes, nil
}

// SchemaFromNodes assembles a named parquet schema from a node map.
func SchemaFromNodes(name string, nodes map[string]parquet.Node) *parquet.Schema {
	return parquet.NewSchema(name, parquet.Group(nodes))
}

// ProjectSchema returns a schema containing only the named columns of the
// source schema. Missing columns are an error.
func ProjectSchema(schema *parquet.Schema, columns []string) (*parquet.Schema, error) {
	nodes := make(map[string]parquet.Node, len(columns))
	for _, col := range columns {
		field, ok := schema.Lookup(col)
		if !ok {
			return nil, fmt.Errorf("column %q not present in schema", col)
		}
		nodes[col] = field.Node
	}
	return parquet.NewSchema(schema.Name(), parquet.Group(nodes)), nil
}

// Codec resolves a compression codec name to a parquet codec. The empty
// name defaults to snappy, matching the dataset writer defaults.
func Codec(name string) (parquet.WriterOption, error) {
	switch name {
	case "", "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "gzip":
		return parquet.Compression(&parquet.Gzip), nil
	case "uncompressed", "none":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec %q", name)
	}
}

// WriterOptions builds the writer configuration for staged output files.
func WriterOptions(schema *parquet.Schema, codecName string, rowGroupSize int64) ([]parquet.WriterOption, error) {
	codec, err := Codec(codecName)
	if err != nil {
		return nil, err
	}
	opts := []parquet.WriterOption{
		schema,
		codec,
		parquet.PageBufferSize(32 * 1024),
		parquet.ColumnIndexSizeLimit(1024),
	}
	if rowGroupSize > 0 {
		opts = append(opts, parquet.MaxRowsPerRowGroup(rowGroupSize))
	}
	return opts, nil
}
