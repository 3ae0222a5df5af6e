package waveform

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Sweep is the frequency law of a chirp
type Sweep int

const (
	// Linear sweeps f(t) = f0 + (f1-f0) t/T
	Linear Sweep = iota

	// Quadratic sweeps f(t) = f0 + (f1-f0) (t/T)^2
	Quadratic
)

func (s Sweep) String() string {
	if s == Quadratic {
		return "quadratic"
	}
	return "linear"
}

// MarshalText implements encoding.TextMarshaler
func (s Sweep) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Sweep) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "linear":
		*s = Linear
	case "quadratic":
		*s = Quadratic
	default:
		return errors.Errorf("sweep must be linear or quadratic, got %q", string(b))
	}
	return nil
}

// ChirpParams describes a single-channel frequency sweep
type ChirpParams struct {
	// SampleRate is the DAC sample rate in Hz
	SampleRate float64

	// RampTime is the sweep duration in seconds
	RampTime float64

	// FStart and FStop bound the sweep, in Hz
	FStart float64
	FStop  float64

	Sweep Sweep
}

// Chirp synthesizes a real sweep from FStart to FStop over RampTime.  The
// samples are taken at t = 0, dt, ... RampTime, truncated to a multiple of
// Granularity, then scaled by the largest magnitude and recentered on
// mid-scale.
func Chirp(p ChirpParams, d DAC) ([]float64, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if p.SampleRate <= 0 || p.RampTime <= 0 {
		return nil, errors.New("chirp requires positive sample rate and ramp time")
	}
	if p.Sweep != Linear && p.Sweep != Quadratic {
		return nil, errors.Errorf("unknown sweep %d", int(p.Sweep))
	}
	dt := 1 / p.SampleRate
	n := int(math.Floor((p.RampTime+dt/2)/dt)) + 1
	n = n / Granularity * Granularity
	if n == 0 {
		return nil, errors.Wrapf(ErrEmpty, "ramp of %g s at %g Hz", p.RampTime, p.SampleRate)
	}
	// the sweep spans the retained samples, as the last retained sample
	// is the new end of the ramp
	t1 := float64(n-1) * dt
	if t1 == 0 {
		t1 = dt
	}
	raw := make([]float64, n)
	for k := range raw {
		t := float64(k) * dt
		var phase float64
		switch p.Sweep {
		case Linear:
			beta := (p.FStop - p.FStart) / t1
			phase = 2 * math.Pi * (p.FStart*t + 0.5*beta*t*t)
		case Quadratic:
			beta := (p.FStop - p.FStart) / (t1 * t1)
			phase = 2 * math.Pi * (p.FStart*t + beta*t*t*t/3)
		}
		raw[k] = math.Cos(phase)
	}
	return AmpScale(raw, d), nil
}

// AmpScale normalizes s by its largest magnitude and maps [-1, 1] onto
// [0, 2*mid] with 0 at mid-scale.  An all-zero input yields mid-scale.
func AmpScale(s []float64, d DAC) []float64 {
	var peak float64
	for _, v := range s {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	mid := d.Mid()
	out := make([]float64, len(s))
	for i, v := range s {
		if peak == 0 {
			out[i] = mid
			continue
		}
		out[i] = v/peak*mid + mid
	}
	return out
}
