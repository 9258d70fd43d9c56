package dsp

import "math"

// Biquad is a second-order section normalized so a0 = 1.
type Biquad struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// delay holds the transposed direct form II state of one section.
type delay struct{ z1, z2 float64 }

func (q Biquad) step(x float64, d *delay) float64 {
	y := q.B0*x + d.z1
	d.z1 = q.B1*x - q.A1*y + d.z2
	d.z2 = q.B2*x - q.A2*y
	return y
}

// Gain returns |H(e^jw)| at frequency f for sample rate fs.
func (q Biquad) Gain(f, fs float64) float64 {
	w := 2 * math.Pi * f / fs
	c1, s1 := math.Cos(w), math.Sin(w)
	c2, s2 := math.Cos(2*w), math.Sin(2*w)
	nr := q.B0 + q.B1*c1 + q.B2*c2
	ni := -(q.B1*s1 + q.B2*s2)
	dr := 1 + q.A1*c1 + q.A2*c2
	di := -(q.A1*s1 + q.A2*s2)
	return math.Hypot(nr, ni) / math.Hypot(dr, di)
}

// coefficients from the RBJ audio EQ cookbook

func rbj(f0, fs, q float64) (cosw, alpha float64) {
	w0 := 2 * math.Pi * f0 / fs
	return math.Cos(w0), math.Sin(w0) / (2 * q)
}

func normalize(b0, b1, b2, a0, a1, a2 float64) Biquad {
	return Biquad{B0: b0 / a0, B1: b1 / a0, B2: b2 / a0, A1: a1 / a0, A2: a2 / a0}
}

func Lowpass(f0, fs, q float64) Biquad {
	c, a := rbj(f0, fs, q)
	return normalize((1-c)/2, 1-c, (1-c)/2, 1+a, -2*c, 1-a)
}

func Highpass(f0, fs, q float64) Biquad {
	c, a := rbj(f0, fs, q)
	return normalize((1+c)/2, -(1 + c), (1+c)/2, 1+a, -2*c, 1-a)
}

func Notch(f0, fs, q float64) Biquad {
	c, a := rbj(f0, fs, q)
	return normalize(1, -2*c, 1, 1+a, -2*c, 1-a)
}

// ButterworthQ returns the section quality factors of an even-order
// Butterworth filter.
func ButterworthQ(order int) []float64 {
	qs := make([]float64, order/2)
	for k := range qs {
		qs[k] = 1 / (2 * math.Cos(float64(2*k+1)*math.Pi/float64(2*order)))
	}
	return qs
}

// Design builds the section cascade: high-pass at low, low-pass at high,
// then an optional notch. A zero low edge or notch frequency skips it.
func Design(low, high float64, order int, notch, notchQ, fs float64) []Biquad {
	var out []Biquad
	qs := ButterworthQ(order)
	if low > 0 {
		for _, q := range qs {
			out = append(out, Highpass(low, fs, q))
		}
	}
	for _, q := range qs {
		out = append(out, Lowpass(high, fs, q))
	}
	if notch > 0 {
		out = append(out, Notch(notch, fs, notchQ))
	}
	return out
}

// CascadeGain is the product of section gains at f.
func CascadeGain(sections []Biquad, f, fs float64) float64 {
	g := 1.0
	for _, q := range sections {
		g *= q.Gain(f, fs)
	}
	return g
}
