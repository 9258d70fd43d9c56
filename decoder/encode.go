package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/maastricht-university/edmo-bci/config"
)

// Encoder writes samples in a frame schema. It produces captures for
// replay and synthetic streams.
type Encoder struct {
	f        config.Frame
	order    binary.AppendByteOrder
	channels int
}

func NewEncoder(f config.Frame, channels int) (*Encoder, error) {
	// reuse the decoder's schema checks
	d, err := New(f, channels, 1)
	if err != nil {
		return nil, err
	}
	var order binary.AppendByteOrder = binary.BigEndian
	if f.ByteOrder == "little" {
		order = binary.LittleEndian
	}
	return &Encoder{f: d.f, order: order, channels: channels}, nil
}

// Encode appends one sample to dst. Packed streams are only valid once
// PackPoints samples have been written.
func (e *Encoder) Encode(dst []byte, seq uint64, values []float64) ([]byte, error) {
	if len(values) != e.channels {
		return dst, fmt.Errorf("decoder: %d values for %d channels", len(values), e.channels)
	}
	switch e.f.Format {
	case "csv":
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.FormatFloat(v/e.f.Scale, 'f', -1, 64)
		}
		return append(dst, strings.Join(parts, ",")+"\n"...), nil
	case "packed":
		return e.appendValues(dst, values), nil
	}
	dst = append(dst, e.f.SyncBytes()...)
	n := e.f.SequenceBytes + e.channels*sampleSize(e.f.SampleType)
	dst = append(dst, byte(n))
	start := len(dst)
	for k := 0; k < e.f.SequenceBytes; k++ {
		shift := 8 * k
		if e.order == binary.BigEndian {
			shift = 8 * (e.f.SequenceBytes - 1 - k)
		}
		dst = append(dst, byte(seq>>shift))
	}
	dst = e.appendValues(dst, values)
	if e.f.Checksum != "none" {
		dst = append(dst, checksum(e.f.Checksum, dst[start:]))
	}
	return dst, nil
}

func (e *Encoder) appendValues(dst []byte, values []float64) []byte {
	for _, v := range values {
		raw := v / e.f.Scale
		switch e.f.SampleType {
		case "int16":
			dst = e.order.AppendUint16(dst, uint16(int16(math.Round(raw))))
		case "int24":
			u := uint32(int32(math.Round(raw))) & 0xFFFFFF
			if e.order == binary.BigEndian {
				dst = append(dst, byte(u>>16), byte(u>>8), byte(u))
			} else {
				dst = append(dst, byte(u), byte(u>>8), byte(u>>16))
			}
		default:
			dst = e.order.AppendUint32(dst, math.Float32bits(float32(raw)))
		}
	}
	return dst
}

func sampleSize(t string) int {
	switch t {
	case "int16":
		return 2
	case "int24":
		return 3
	}
	return 4
}
