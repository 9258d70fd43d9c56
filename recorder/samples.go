package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/maastricht-university/edmo-bci/bci"
)

// SampleWriter appends raw samples as CSV rows: seq, t_ms, then one
// column per channel.
type SampleWriter struct {
	w    *csv.Writer
	row  []string
	rows int
}

func NewSampleWriter(dst io.Writer, labels []string) (*SampleWriter, error) {
	w := csv.NewWriter(dst)
	header := append([]string{"seq", "t_ms"}, labels...)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &SampleWriter{w: w, row: make([]string, len(header))}, nil
}

func (s *SampleWriter) Write(samples []bci.Sample) error {
	for _, x := range samples {
		if len(x.Values)+2 != len(s.row) {
			return fmt.Errorf("sample %d has %d channels, header has %d", x.Seq, len(x.Values), len(s.row)-2)
		}
		s.row[0] = strconv.FormatUint(x.Seq, 10)
		s.row[1] = strconv.FormatFloat(float64(x.Timestamp.Microseconds())/1000, 'f', 3, 64)
		for i, v := range x.Values {
			s.row[i+2] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := s.w.Write(s.row); err != nil {
			return err
		}
		s.rows++
	}
	return nil
}

// Flush pushes buffered rows to the destination.
func (s *SampleWriter) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

func (s *SampleWriter) Rows() int { return s.rows }
