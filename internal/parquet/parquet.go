// Package parquet implements the columnar day-partition file format.
//
// A partition file holds the rows of one (table, day) pair, sorted by
// timestamp, laid out column-by-column in row groups. Column chunks are
// Snappy-compressed. The footer is a JSON metadata block carrying the
// schema the file was written under, so readers can null-fill fields the
// table gained after the file was sealed.
//
// Layout:
//
//	"PAR1"
//	repeated row group:
//	    int32  row count
//	    repeated column chunk (one per schema field, footer order):
//	        int32  compressed length
//	        snappy(null bytes ++ packed values)
//	JSON footer
//	int32  footer length
//	"PAR1"
package parquet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/golang/snappy"

	"github.com/timondb/timon/pkg/types"
)

const (
	magic = "PAR1"

	// rowGroupSize is the number of rows per row group.
	rowGroupSize = 10000

	createdBy = "timon"
)

// FileMetadata is the JSON footer of a partition file.
type FileMetadata struct {
	Version        int            `json:"version"`
	Schema         []types.Field  `json:"schema"`
	TimestampField string         `json:"timestamp_field"`
	NumRows        int64          `json:"num_rows"`
	NumRowGroups   int            `json:"num_row_groups"`
	MinTimestamp   int64          `json:"min_timestamp"`
	MaxTimestamp   int64          `json:"max_timestamp"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Encode serializes rows under the given schema. Rows are sorted by
// timestamp before encoding; the input slice is not modified.
func Encode(sch types.Schema, rows []types.Row, tsField string) ([]byte, *FileMetadata, error) {
	sorted := make([]types.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ts < sorted[j].Ts
	})

	var buf bytes.Buffer
	buf.WriteString(magic)

	var minTs, maxTs int64
	if len(sorted) > 0 {
		minTs = sorted[0].Ts
		maxTs = sorted[len(sorted)-1].Ts
	}

	numGroups := (len(sorted) + rowGroupSize - 1) / rowGroupSize
	for g := 0; g < numGroups; g++ {
		start := g * rowGroupSize
		end := start + rowGroupSize
		if end > len(sorted) {
			end = len(sorted)
		}
		if err := encodeRowGroup(&buf, sch, sorted[start:end]); err != nil {
			return nil, nil, err
		}
	}

	meta := &FileMetadata{
		Version:        1,
		Schema:         sch.Fields,
		TimestampField: tsField,
		NumRows:        int64(len(sorted)),
		NumRowGroups:   numGroups,
		MinTimestamp:   minTs,
		MaxTimestamp:   maxTs,
		CreatedBy:      createdBy,
		CreatedAt:      time.Now().UTC(),
	}

	footer, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("parquet: failed to marshal footer: %w", err)
	}
	buf.Write(footer)
	binary.Write(&buf, binary.LittleEndian, int32(len(footer)))
	buf.WriteString(magic)

	return buf.Bytes(), meta, nil
}

func encodeRowGroup(buf *bytes.Buffer, sch types.Schema, rows []types.Row) error {
	binary.Write(buf, binary.LittleEndian, int32(len(rows)))

	chunk := make([]byte, 0, 4096)
	for _, field := range sch.Fields {
		chunk = chunk[:0]

		// Null bytes first, then packed non-null values.
		for _, row := range rows {
			if _, ok := row.Values[field.Name]; ok {
				chunk = append(chunk, 0)
			} else {
				chunk = append(chunk, 1)
			}
		}

		var scratch [8]byte
		for _, row := range rows {
			v, ok := row.Values[field.Name]
			if !ok || v == nil {
				continue
			}
			switch field.Type {
			case types.TypeInt, types.TypeTimestamp:
				n, ok := v.(int64)
				if !ok {
					return fmt.Errorf("parquet: field %q: expected int64, got %T", field.Name, v)
				}
				binary.LittleEndian.PutUint64(scratch[:], uint64(n))
				chunk = append(chunk, scratch[:]...)
			case types.TypeFloat:
				f, ok := v.(float64)
				if !ok {
					return fmt.Errorf("parquet: field %q: expected float64, got %T", field.Name, v)
				}
				binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(f))
				chunk = append(chunk, scratch[:]...)
			case types.TypeBool:
				b, ok := v.(bool)
				if !ok {
					return fmt.Errorf("parquet: field %q: expected bool, got %T", field.Name, v)
				}
				if b {
					chunk = append(chunk, 1)
				} else {
					chunk = append(chunk, 0)
				}
			case types.TypeString, types.TypeJSON:
				s, ok := v.(string)
				if !ok {
					return fmt.Errorf("parquet: field %q: expected string, got %T", field.Name, v)
				}
				binary.LittleEndian.PutUint32(scratch[:4], uint32(len(s)))
				chunk = append(chunk, scratch[:4]...)
				chunk = append(chunk, s...)
			default:
				return fmt.Errorf("parquet: field %q: unsupported type %q", field.Name, field.Type)
			}
		}

		compressed := snappy.Encode(nil, chunk)
		binary.Write(buf, binary.LittleEndian, int32(len(compressed)))
		buf.Write(compressed)
	}
	return nil
}

// Decode parses a partition file into its metadata and rows. Null fields
// are absent from each row's value map.
func Decode(data []byte) (*FileMetadata, []types.Row, error) {
	meta, metadataStart, err := parseFooter(data)
	if err != nil {
		return nil, nil, err
	}

	sch := types.Schema{Fields: meta.Schema}
	reader := bytes.NewReader(data[len(magic):metadataStart])
	rows := make([]types.Row, 0, meta.NumRows)

	for g := 0; g < meta.NumRowGroups; g++ {
		groupRows, err := decodeRowGroup(reader, sch, meta.TimestampField)
		if err != nil {
			return nil, nil, fmt.Errorf("parquet: row group %d: %w", g, err)
		}
		rows = append(rows, groupRows...)
	}

	return meta, rows, nil
}

func decodeRowGroup(reader *bytes.Reader, sch types.Schema, tsField string) ([]types.Row, error) {
	var numRows int32
	if err := binary.Read(reader, binary.LittleEndian, &numRows); err != nil {
		return nil, fmt.Errorf("failed to read row count: %w", err)
	}
	if numRows < 0 {
		return nil, fmt.Errorf("negative row count %d", numRows)
	}

	rows := make([]types.Row, numRows)
	for i := range rows {
		rows[i].Values = make(map[string]interface{}, len(sch.Fields))
	}

	for _, field := range sch.Fields {
		var compLen int32
		if err := binary.Read(reader, binary.LittleEndian, &compLen); err != nil {
			return nil, fmt.Errorf("field %q: failed to read chunk length: %w", field.Name, err)
		}
		if compLen < 0 || int(compLen) > reader.Len() {
			return nil, fmt.Errorf("field %q: invalid chunk length %d", field.Name, compLen)
		}
		compressed := make([]byte, compLen)
		if _, err := reader.Read(compressed); err != nil {
			return nil, fmt.Errorf("field %q: failed to read chunk: %w", field.Name, err)
		}
		chunk, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("field %q: failed to decompress chunk: %w", field.Name, err)
		}

		if len(chunk) < int(numRows) {
			return nil, fmt.Errorf("field %q: truncated null bytes", field.Name)
		}
		nulls := chunk[:numRows]
		values := chunk[numRows:]

		for i := 0; i < int(numRows); i++ {
			if nulls[i] != 0 {
				continue
			}
			var v interface{}
			switch field.Type {
			case types.TypeInt, types.TypeTimestamp:
				if len(values) < 8 {
					return nil, fmt.Errorf("field %q: truncated int value", field.Name)
				}
				v = int64(binary.LittleEndian.Uint64(values[:8]))
				values = values[8:]
			case types.TypeFloat:
				if len(values) < 8 {
					return nil, fmt.Errorf("field %q: truncated float value", field.Name)
				}
				v = math.Float64frombits(binary.LittleEndian.Uint64(values[:8]))
				values = values[8:]
			case types.TypeBool:
				if len(values) < 1 {
					return nil, fmt.Errorf("field %q: truncated bool value", field.Name)
				}
				v = values[0] != 0
				values = values[1:]
			case types.TypeString, types.TypeJSON:
				if len(values) < 4 {
					return nil, fmt.Errorf("field %q: truncated string length", field.Name)
				}
				n := binary.LittleEndian.Uint32(values[:4])
				values = values[4:]
				if uint32(len(values)) < n {
					return nil, fmt.Errorf("field %q: truncated string value", field.Name)
				}
				v = string(values[:n])
				values = values[n:]
			default:
				return nil, fmt.Errorf("field %q: unsupported type %q", field.Name, field.Type)
			}
			rows[i].Values[field.Name] = v
			if field.Name == tsField {
				if ts, ok := v.(int64); ok {
					rows[i].Ts = ts
				}
			}
		}
	}

	return rows, nil
}

// parseFooter validates the magic bytes and returns the parsed metadata
// plus the offset where the footer begins.
func parseFooter(data []byte) (*FileMetadata, int, error) {
	if len(data) < 2*len(magic)+4 {
		return nil, 0, fmt.Errorf("parquet: file too short")
	}
	if string(data[:4]) != magic || string(data[len(data)-4:]) != magic {
		return nil, 0, fmt.Errorf("parquet: bad magic")
	}

	footerLen := int32(binary.LittleEndian.Uint32(data[len(data)-8 : len(data)-4]))
	metadataStart := len(data) - 8 - int(footerLen)
	if footerLen < 0 || metadataStart < len(magic) {
		return nil, 0, fmt.Errorf("parquet: bad footer length %d", footerLen)
	}

	var meta FileMetadata
	if err := json.Unmarshal(data[metadataStart:len(data)-8], &meta); err != nil {
		return nil, 0, fmt.Errorf("parquet: failed to parse footer: %w", err)
	}
	return &meta, metadataStart, nil
}

// WriteFile encodes rows and writes the file at path.
func WriteFile(path string, sch types.Schema, rows []types.Row, tsField string) (*FileMetadata, error) {
	data, meta, err := Encode(sch, rows, tsField)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return meta, nil
}

// ReadFile decodes the partition file at path.
func ReadFile(path string) (*FileMetadata, []types.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Decode(data)
}

// ReadMetadata parses only the footer of the file at path.
func ReadMetadata(path string) (*FileMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, _, err := parseFooter(data)
	return meta, err
}
