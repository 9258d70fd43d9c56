package decoder

import (
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

func framedSchema() config.Frame {
	return config.Frame{
		Format:          "framed",
		Sync:            []int{0xAA, 0x55},
		SampleType:      "int16",
		ByteOrder:       "big",
		SequenceBytes:   1,
		Checksum:        "sum8",
		Scale:           0.5,
		ResyncThreshold: 3,
		ResyncWindow:    time.Second,
	}
}

func encodeAll(t *testing.T, f config.Frame, channels int, rows [][]float64, seq0 uint64) []byte {
	t.Helper()
	enc, err := NewEncoder(f, channels)
	if err != nil {
		t.Fatal(err)
	}
	var out []byte
	for i, r := range rows {
		out, err = enc.Encode(out, seq0+uint64(i), r)
		if err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func collect(d *Decoder, p []byte) []bci.Sample {
	return slices.Collect(d.Feed(p))
}

func TestFramedRoundTrip(t *testing.T) {
	f := framedSchema()
	rows := [][]float64{{1, -2}, {3.5, 4}, {-100, 100}}
	stream := encodeAll(t, f, 2, rows, 7)

	d, err := New(f, 2, 250)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(d, stream)
	if len(got) != 3 {
		t.Fatalf("decoded %d samples, want 3", len(got))
	}
	for i, s := range got {
		if !slices.Equal(s.Values, rows[i]) {
			t.Errorf("sample %d = %v, want %v", i, s.Values, rows[i])
		}
		if want := time.Duration(i) * 4 * time.Millisecond; s.Timestamp != want {
			t.Errorf("sample %d timestamp = %v, want %v", i, s.Timestamp, want)
		}
	}
	if st := d.Stats(); st.Dropped != 0 || st.Resyncs != 0 || st.Frames != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFramedSplitAcrossFeeds(t *testing.T) {
	f := framedSchema()
	stream := encodeAll(t, f, 2, [][]float64{{1, 2}, {3, 4}}, 0)
	d, _ := New(f, 2, 250)

	var got []bci.Sample
	for _, b := range stream {
		got = append(got, collect(d, []byte{b})...)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d samples byte by byte, want 2", len(got))
	}
	if d.Stats().Resyncs != 0 {
		t.Errorf("resyncs = %d on a clean stream", d.Stats().Resyncs)
	}
}

func TestSingleCorruptByteDropsOneSample(t *testing.T) {
	f := framedSchema()
	rows := [][]float64{{1, 1}, {2, 2}, {3, 3}, {4, 4}}
	stream := encodeAll(t, f, 2, rows, 0)
	frameLen := len(stream) / len(rows)

	// flip one payload byte in the second frame
	stream[frameLen+4] ^= 0x10

	d, _ := New(f, 2, 250)
	got := collect(d, stream)
	if len(got) != 3 {
		t.Fatalf("decoded %d samples, want 3", len(got))
	}
	if got[1].Values[0] != 3 || got[1].Seq != 2 {
		t.Errorf("decoding did not resume on the next frame: %+v", got[1])
	}
	st := d.Stats()
	if st.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", st.Dropped)
	}
	if st.Resyncs == 0 {
		t.Error("resync not counted")
	}
}

func TestSequenceWrapAndGap(t *testing.T) {
	f := framedSchema()
	enc, _ := NewEncoder(f, 1)
	var stream []byte
	for _, seq := range []uint64{254, 255, 0, 3} {
		stream, _ = enc.Encode(stream, seq, []float64{1})
	}
	d, _ := New(f, 1, 100)
	got := collect(d, stream)
	seqs := make([]uint64, len(got))
	for i, s := range got {
		seqs[i] = s.Seq
	}
	if want := []uint64{254, 255, 256, 259}; !slices.Equal(seqs, want) {
		t.Errorf("seqs = %v, want %v", seqs, want)
	}
	if d.Stats().Dropped != 2 {
		t.Errorf("dropped = %d, want 2", d.Stats().Dropped)
	}
	if got[3].Timestamp != 50*time.Millisecond {
		t.Errorf("gap-aware timestamp = %v, want 50ms", got[3].Timestamp)
	}
}

func TestFeedIsRestartable(t *testing.T) {
	f := framedSchema()
	stream := encodeAll(t, f, 1, [][]float64{{1}, {2}, {3}}, 0)
	d, _ := New(f, 1, 250)

	var first bci.Sample
	for s := range d.Feed(stream) {
		first = s
		break
	}
	rest := collect(d, nil)
	if first.Values[0] != 1 || len(rest) != 2 || rest[1].Values[0] != 3 {
		t.Errorf("first %v rest %v", first, rest)
	}
}

func TestDesyncWindow(t *testing.T) {
	now := time.Unix(0, 0)
	f := framedSchema()
	d, _ := New(f, 1, 250, WithClock(func() time.Time { return now }))

	garbage := []byte{0x01, 0xAA, 0x02, 0xAA, 0x55, 0x09}
	collect(d, garbage)
	if err := d.Desync(); !errors.Is(err, bci.ErrDecodeDesync) {
		t.Fatalf("after %d resyncs: %v", d.Stats().Resyncs, err)
	}
	now = now.Add(2 * time.Second)
	if err := d.Desync(); err != nil {
		t.Errorf("desync should clear once the window passes: %v", err)
	}
}

func TestCSVLines(t *testing.T) {
	f := config.Frame{Format: "csv", SampleType: "float32", Scale: 1}
	d, err := New(f, 3, 500)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(d, []byte("1.5,2,3\r\n4,5\nx,1,2\n7,8,9,10\n10,11"))
	if len(got) != 2 {
		t.Fatalf("decoded %d lines, want 2", len(got))
	}
	if !slices.Equal(got[1].Values, []float64{7, 8, 9}) {
		t.Errorf("extra fields not ignored: %v", got[1].Values)
	}
	if d.Stats().Resyncs != 2 {
		t.Errorf("resyncs = %d, want 2", d.Stats().Resyncs)
	}
	got = collect(d, []byte(",12\n"))
	if len(got) != 1 || got[0].Values[2] != 12 || got[0].Seq != 2 {
		t.Errorf("partial line not completed: %+v", got)
	}
}

func TestPackedLittleEndianFloat(t *testing.T) {
	f := config.Frame{Format: "packed", SampleType: "float32", ByteOrder: "little", PackPoints: 2, Scale: 1}
	var pkt []byte
	for _, v := range []float32{1, 2, 3, 4, 5, 6} { // 2 points x 3 channels
		pkt = binary.LittleEndian.AppendUint32(pkt, math.Float32bits(v))
	}
	d, _ := New(f, 3, 1000)
	if got := collect(d, pkt[:10]); len(got) != 0 {
		t.Fatalf("partial packet decoded %d samples", len(got))
	}
	got := collect(d, pkt[10:])
	if len(got) != 2 {
		t.Fatalf("decoded %d samples, want 2", len(got))
	}
	if !slices.Equal(got[1].Values, []float64{4, 5, 6}) || got[1].Timestamp != time.Millisecond {
		t.Errorf("second point = %+v", got[1])
	}
}

func TestInt24SignExtension(t *testing.T) {
	f := config.Frame{Format: "framed", Sync: []int{0xA0}, SampleType: "int24", ByteOrder: "big", Checksum: "xor8", Scale: 1}
	stream := encodeAll(t, f, 2, [][]float64{{-1, 8388607}}, 0)
	d, _ := New(f, 2, 250)
	got := collect(d, stream)
	if len(got) != 1 || got[0].Values[0] != -1 || got[0].Values[1] != 8388607 {
		t.Errorf("got %+v", got)
	}
}

func TestBufferIsBounded(t *testing.T) {
	f := config.Frame{Format: "csv", SampleType: "float32", Scale: 1, MaxBuffer: 16}
	d, _ := New(f, 1, 250)
	collect(d, make([]byte, 100))
	if b := d.Stats().Buffered; b > 16 {
		t.Errorf("buffered %d bytes, limit 16", b)
	}
}
