package transport

import (
	"context"
	"fmt"
	"strings"
)

type Direction string

const (
	Inbound  Direction = "RX"
	Outbound Direction = "TX"
)

// Observer receives a private copy of every chunk. It must not block.
type Observer func(dir Direction, data []byte)

// Tap reports link traffic to an observer without altering it.
type Tap struct {
	Transport
	observe Observer
}

func NewTap(t Transport, obs Observer) *Tap {
	return &Tap{Transport: t, observe: obs}
}

func (t *Tap) ReadAvailable(ctx context.Context) ([]byte, error) {
	p, err := t.Transport.ReadAvailable(ctx)
	if len(p) > 0 {
		t.observe(Inbound, clone(p))
	}
	return p, err
}

func (t *Tap) Write(p []byte) error {
	err := t.Transport.Write(p)
	if err == nil {
		t.observe(Outbound, clone(p))
	}
	return err
}

// FormatTraffic renders one chunk for the traffic monitor, either as
// spaced hex bytes or as escaped ASCII.
func FormatTraffic(dir Direction, p []byte, hex bool) string {
	if hex {
		return fmt.Sprintf("%s: % X", dir, p)
	}
	var b strings.Builder
	for _, c := range p {
		switch {
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c >= 0x20 && c < 0x7F:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02X`, c)
		}
	}
	return fmt.Sprintf("%s: %s", dir, b.String())
}
