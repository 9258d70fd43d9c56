// Package decoder turns a raw device byte stream into samples, following
// a configurable frame schema and resynchronizing after corruption.
package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

// Stats are cumulative counters for observability.
type Stats struct {
	Frames   uint64 `json:"frames"`
	Dropped  uint64 `json:"dropped"`
	Resyncs  uint64 `json:"resyncs"`
	Buffered int    `json:"buffered"`
}

type Decoder struct {
	f          config.Frame
	sync       []byte
	order      binary.ByteOrder
	sampleSize int
	channels   int
	rate       float64

	buf     []byte
	pending []bci.Sample

	haveSeq  bool
	lastRaw  uint64
	seq      uint64
	firstSeq uint64

	stats  Stats
	resync []time.Time
	now    func() time.Time
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock replaces time.Now for resync window accounting.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

func New(f config.Frame, channels int, sampleRate float64, opts ...Option) (*Decoder, error) {
	if channels < 1 {
		return nil, errors.New("decoder: channels must be at least 1")
	}
	if sampleRate <= 0 {
		return nil, errors.New("decoder: sample rate must be positive")
	}
	d := &Decoder{
		f:        f,
		sync:     f.SyncBytes(),
		channels: channels,
		rate:     sampleRate,
		now:      time.Now,
	}
	switch f.SampleType {
	case "int16", "int24", "float32":
		d.sampleSize = sampleSize(f.SampleType)
	default:
		return nil, fmt.Errorf("decoder: sample type %q unknown", f.SampleType)
	}
	if f.ByteOrder == "little" {
		d.order = binary.LittleEndian
	} else {
		d.order = binary.BigEndian
	}
	if d.f.Scale == 0 {
		d.f.Scale = 1
	}
	if d.f.MaxBuffer <= 0 {
		d.f.MaxBuffer = 1 << 16
	}
	switch f.Format {
	case "framed":
		if len(d.sync) == 0 {
			return nil, errors.New("decoder: framed format needs sync bytes")
		}
		if d.payloadLen() > 0xFF {
			return nil, fmt.Errorf("decoder: payload of %d bytes does not fit the length byte", d.payloadLen())
		}
	case "packed":
		if f.PackPoints < 1 {
			return nil, errors.New("decoder: packed format needs pack_points")
		}
	case "csv":
	default:
		return nil, fmt.Errorf("decoder: format %q unknown", f.Format)
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Feed appends p to the accumulator and returns the samples decodable
// from what is buffered. Iteration never waits for more input; stopping
// early leaves the remaining bytes for the next call.
func (d *Decoder) Feed(p []byte) iter.Seq[bci.Sample] {
	d.buf = append(d.buf, p...)
	d.trim()
	return func(yield func(bci.Sample) bool) {
		for {
			s, ok := d.next()
			if !ok {
				return
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Stats returns a copy of the counters.
func (d *Decoder) Stats() Stats {
	s := d.stats
	s.Buffered = len(d.buf)
	return s
}

// Desync returns an error wrapping bci.ErrDecodeDesync while resyncs
// within the configured window reach the threshold, and nil otherwise.
func (d *Decoder) Desync() error {
	if d.f.ResyncThreshold <= 0 {
		return nil
	}
	d.expireResyncs()
	if n := len(d.resync); n >= d.f.ResyncThreshold {
		return fmt.Errorf("%w: %d resyncs within %v", bci.ErrDecodeDesync, n, d.f.ResyncWindow)
	}
	return nil
}

func (d *Decoder) payloadLen() int {
	return d.f.SequenceBytes + d.channels*d.sampleSize
}

func (d *Decoder) next() (bci.Sample, bool) {
	switch d.f.Format {
	case "framed":
		return d.nextFramed()
	case "csv":
		return d.nextCSV()
	default:
		return d.nextPacked()
	}
}

// nextFramed parses SYNC LEN [SEQ] DATA [CHK].
func (d *Decoder) nextFramed() (bci.Sample, bool) {
	chk := 0
	if d.f.Checksum != "none" {
		chk = 1
	}
	want := d.payloadLen()
	for {
		i := bytes.Index(d.buf, d.sync)
		if i < 0 {
			// keep a possible partial header at the tail
			keep := min(len(d.sync)-1, len(d.buf))
			if drop := len(d.buf) - keep; drop > 0 {
				d.discard(drop)
			}
			return bci.Sample{}, false
		}
		if i > 0 {
			d.discard(i)
		}
		hdr := len(d.sync)
		if len(d.buf) < hdr+1 {
			return bci.Sample{}, false
		}
		if int(d.buf[hdr]) != want {
			d.discard(1)
			continue
		}
		total := hdr + 1 + want + chk
		if len(d.buf) < total {
			return bci.Sample{}, false
		}
		payload := d.buf[hdr+1 : hdr+1+want]
		if chk == 1 && checksum(d.f.Checksum, payload) != d.buf[total-1] {
			d.discard(1)
			continue
		}
		var raw uint64
		for k := 0; k < d.f.SequenceBytes; k++ {
			if d.order == binary.BigEndian {
				raw = raw<<8 | uint64(payload[k])
			} else {
				raw |= uint64(payload[k]) << (8 * k)
			}
		}
		values := make([]float64, d.channels)
		body := payload[d.f.SequenceBytes:]
		for c := range values {
			values[c] = d.value(body[c*d.sampleSize:]) * d.f.Scale
		}
		d.buf = d.buf[total:]
		d.stats.Frames++
		if s, ok := d.stamp(raw, values); ok {
			return s, true
		}
	}
}

// nextCSV parses newline terminated comma separated values.
func (d *Decoder) nextCSV() (bci.Sample, bool) {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return bci.Sample{}, false
		}
		line := strings.TrimSpace(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < d.channels {
			d.markResync()
			continue
		}
		values := make([]float64, d.channels)
		bad := false
		for c := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[c]), 64)
			if err != nil {
				bad = true
				break
			}
			values[c] = v * d.f.Scale
		}
		if bad {
			d.markResync()
			continue
		}
		d.stats.Frames++
		s, _ := d.stamp(0, values)
		return s, true
	}
}

// nextPacked decodes whole packets of PackPoints samples, sample-major,
// and hands them out one at a time.
func (d *Decoder) nextPacked() (bci.Sample, bool) {
	if len(d.pending) == 0 {
		frame := d.channels * d.sampleSize
		packet := frame * d.f.PackPoints
		if len(d.buf) < packet {
			return bci.Sample{}, false
		}
		for k := 0; k < d.f.PackPoints; k++ {
			values := make([]float64, d.channels)
			row := d.buf[k*frame:]
			for c := range values {
				values[c] = d.value(row[c*d.sampleSize:]) * d.f.Scale
			}
			s, _ := d.stamp(0, values)
			d.pending = append(d.pending, s)
		}
		d.buf = d.buf[packet:]
		d.stats.Frames++
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	return s, true
}

func (d *Decoder) value(b []byte) float64 {
	switch d.sampleSize {
	case 2:
		return float64(int16(d.order.Uint16(b)))
	case 3:
		var u uint32
		if d.order == binary.BigEndian {
			u = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		} else {
			u = uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
		}
		// sign-extend 24 bits
		return float64(int32(u<<8) >> 8)
	default:
		return float64(math.Float32frombits(d.order.Uint32(b)))
	}
}

// stamp unwraps the sequence counter and derives the timestamp. Without
// a counter on the wire, samples are numbered consecutively. Duplicate
// frames report false.
func (d *Decoder) stamp(raw uint64, values []float64) (bci.Sample, bool) {
	if d.f.SequenceBytes == 0 || d.f.Format != "framed" {
		if d.haveSeq {
			d.seq++
		}
		d.haveSeq = true
	} else {
		mod := uint64(1) << (8 * d.f.SequenceBytes)
		if !d.haveSeq {
			d.haveSeq = true
			d.seq = raw
			d.firstSeq = raw
		} else {
			delta := (raw - d.lastRaw) & (mod - 1)
			if delta == 0 {
				return bci.Sample{}, false
			}
			d.stats.Dropped += delta - 1
			d.seq += delta
		}
		d.lastRaw = raw
	}
	ts := time.Duration(math.Round(float64(d.seq-d.firstSeq) / d.rate * float64(time.Second)))
	return bci.Sample{Timestamp: ts, Seq: d.seq, Values: values}, true
}

func (d *Decoder) discard(n int) {
	d.buf = d.buf[n:]
	d.markResync()
}

func (d *Decoder) markResync() {
	d.stats.Resyncs++
	if d.f.ResyncThreshold > 0 {
		d.resync = append(d.resync, d.now())
		d.expireResyncs()
	}
}

func (d *Decoder) expireResyncs() {
	if d.f.ResyncWindow <= 0 {
		return
	}
	cut := d.now().Add(-d.f.ResyncWindow)
	i := 0
	for i < len(d.resync) && d.resync[i].Before(cut) {
		i++
	}
	d.resync = d.resync[i:]
}

// trim bounds the accumulator, dropping the oldest bytes.
func (d *Decoder) trim() {
	if over := len(d.buf) - d.f.MaxBuffer; over > 0 {
		d.discard(over)
	}
}

func checksum(kind string, payload []byte) byte {
	var c byte
	switch kind {
	case "xor8":
		for _, b := range payload {
			c ^= b
		}
		return c
	default:
		for _, b := range payload {
			c += b
		}
		return 0xFF &^ c
	}
}
