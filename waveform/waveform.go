// Package waveform synthesizes sample arrays for segmented AWG memory.
//
// Every generator returns samples already expressed in DAC codes (straight
// binary, mid-scale = 2^(bits-1)-1) and every returned array has a length
// that is a multiple of Granularity.  Callers quantize with Quantize or
// IQ.Interleave before handing the payload to an instrument.
package waveform

import (
	"math"

	"github.com/pkg/errors"
)

// Granularity is the segment length quantum of the instrument, in samples
const Granularity = 64

var (
	// ErrNotAligned is generated when a segment length is not a multiple of Granularity
	ErrNotAligned = errors.New("segment length must be a multiple of 64 samples")

	// ErrEmpty is generated when a segment would contain no samples
	ErrEmpty = errors.New("segment length must be positive")

	// ErrBadDepth is generated for a DAC bit depth outside 2..32
	ErrBadDepth = errors.New("DAC bit depth must be in [2, 32]")
)

// DAC describes the code range of a straight binary converter
type DAC struct {
	// Bits is the vertical resolution, 16 on the Proteus
	Bits int
}

// Max returns the largest code, 2^bits - 1
func (d DAC) Max() float64 {
	return math.Exp2(float64(d.Bits)) - 1
}

// Mid returns the mid-scale code, 2^(bits-1) - 1
func (d DAC) Mid() float64 {
	return math.Floor(d.Max() / 2)
}

func (d DAC) validate() error {
	if d.Bits < 2 || d.Bits > 32 {
		return errors.Wrapf(ErrBadDepth, "got %d", d.Bits)
	}
	return nil
}

// Samples converts a duration in seconds to a sample count at rate,
// floor-rounded to Granularity.  Durations that were already rounded by
// this function round to the same count again.
func Samples(seconds, rate float64) int {
	q := seconds * rate / Granularity
	if r := math.Round(q); math.Abs(q-r) < 1e-6 {
		q = r
	}
	return int(math.Floor(q)) * Granularity
}

// Duration is the inverse of Samples for an aligned count
func Duration(samples int, rate float64) float64 {
	return float64(samples) / rate
}

// CheckLength returns ErrNotAligned if n is not a multiple of Granularity
// and ErrEmpty if it is not positive
func CheckLength(n int) error {
	if n <= 0 {
		return errors.Wrapf(ErrEmpty, "got %d", n)
	}
	if n%Granularity != 0 {
		return errors.Wrapf(ErrNotAligned, "got %d", n)
	}
	return nil
}

// Truncate shortens s to the nearest multiple of Granularity below its length
func Truncate(s []float64) []float64 {
	return s[:len(s)/Granularity*Granularity]
}

// IQ holds in-phase and quadrature samples of equal length, in DAC codes
type IQ struct {
	I []float64
	Q []float64
}

// Len returns the number of I/Q sample pairs
func (iq IQ) Len() int {
	return len(iq.I)
}

// Concat appends other to iq and returns the result
func (iq IQ) Concat(other IQ) IQ {
	out := IQ{
		I: make([]float64, 0, len(iq.I)+len(other.I)),
		Q: make([]float64, 0, len(iq.Q)+len(other.Q)),
	}
	out.I = append(append(out.I, iq.I...), other.I...)
	out.Q = append(append(out.Q, iq.Q...), other.Q...)
	return out
}

// Interleave quantizes the pair into I0,Q0,I1,Q1,... words as expected by
// segment memory in complex (DUC) mode
func (iq IQ) Interleave(d DAC) []uint16 {
	out := make([]uint16, 2*len(iq.I))
	for i := range iq.I {
		out[2*i] = quantize(iq.I[i], d)
		out[2*i+1] = quantize(iq.Q[i], d)
	}
	return out
}

// Quantize converts codes to words, clamping into the DAC range and
// truncating toward zero
func Quantize(s []float64, d DAC) []uint16 {
	out := make([]uint16, len(s))
	for i, v := range s {
		out[i] = quantize(v, d)
	}
	return out
}

func quantize(v float64, d DAC) uint16 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if m := d.Max(); v > m {
		v = m
	}
	return uint16(v)
}

// DC returns n samples of constant mid-scale output on both components.
// It is used for idle segments and the off time between pulses.
func DC(n int, d DAC) (IQ, error) {
	if err := d.validate(); err != nil {
		return IQ{}, err
	}
	if n%Granularity != 0 || n < 0 {
		return IQ{}, errors.Wrapf(ErrNotAligned, "DC segment of %d samples", n)
	}
	mid := d.Mid()
	i := make([]float64, n)
	for k := range i {
		i[k] = mid
	}
	q := make([]float64, n)
	copy(q, i)
	return IQ{I: i, Q: q}, nil
}

// Reverse returns a copy of s in reverse order
func Reverse(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
