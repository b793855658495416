package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/archivist/internal/series"
)

// Sample encoding format (binary, little-endian):
// - Device length (2 bytes) + Device string
// - MetricSet length (2 bytes) + MetricSet string
// - Metric length (2 bytes) + Metric string
// - SubPath length (2 bytes) + SubPath string
// - Timestamp (8 bytes, Unix seconds)
// - Value (8 bytes, uint64 counter)
// - Valid (1 byte, bool)

// encodeSamples encodes a slice of samples into a binary format.
func encodeSamples(samples []series.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	// Estimate size: ~80 bytes per sample average
	buf := make([]byte, 0, len(samples)*80)

	// Write sample count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))

	for _, s := range samples {
		buf = appendString(buf, s.Device)
		buf = appendString(buf, s.MetricSet)
		buf = appendString(buf, s.Metric)
		buf = appendString(buf, s.SubPath)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Timestamp))
		buf = binary.LittleEndian.AppendUint64(buf, s.Value)
		if s.Valid {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	return buf, nil
}

// decodeSamples decodes a binary format into a slice of samples.
func decodeSamples(data []byte) ([]series.Sample, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for sample count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	samples := make([]series.Sample, count)
	offset := 4

	for i := 0; i < count; i++ {
		var s series.Sample
		var err error

		s.Device, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d device: %w", i, err)
		}

		s.MetricSet, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d metric set: %w", i, err)
		}

		s.Metric, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d metric: %w", i, err)
		}

		s.SubPath, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d sub-path: %w", i, err)
		}

		if offset+8 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for timestamp", i)
		}
		s.Timestamp = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		if offset+8 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for value", i)
		}
		s.Value = binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		if offset+1 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for valid", i)
		}
		s.Valid = data[offset] == 1
		offset++

		samples[i] = s
	}

	return samples, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
