package waveform

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Envelope is the amplitude shape of a modulated pulse
type Envelope int

const (
	// Square is a constant unity envelope
	Square Envelope = iota

	// Gaussian is a centered gaussian with sigma = length/6
	Gaussian

	// CoshSquaredInverse is a sech^2 shape with tau = 2.355/1.76 * length/6
	CoshSquaredInverse

	// Hermite is a first order Hermite-Gaussian,
	// (1 - k (t/sigma)^2) exp(-0.5 (t/sigma)^2) with sigma = length/6
	Hermite
)

const (
	// coshScale converts the gaussian sigma to the sech^2 time constant
	// that gives the same FWHM
	coshScale = 2.355 / 1.76

	// hermiteK is the shape constant of the Hermite envelope
	hermiteK = 0.667
)

// ErrUnknownEnvelope is generated for an envelope outside the known set
var ErrUnknownEnvelope = errors.New("envelope must be a member of {square, gaussian, cosh2, hermite}")

// ValidateEnvelope parses an envelope name.
// s is a member of {square, gaussian, cosh2, hermite}, case insensitive
func ValidateEnvelope(s string) (Envelope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "square", "sq":
		return Square, nil
	case "gaussian", "gauss":
		return Gaussian, nil
	case "cosh2", "sech2", "cosh^-2":
		return CoshSquaredInverse, nil
	case "hermite", "herm":
		return Hermite, nil
	default:
		return -1, errors.Wrapf(ErrUnknownEnvelope, "got %q", s)
	}
}

// FormatEnvelope converts an envelope to its name
func FormatEnvelope(e Envelope) string {
	switch e {
	case Square:
		return "square"
	case Gaussian:
		return "gaussian"
	case CoshSquaredInverse:
		return "cosh2"
	case Hermite:
		return "hermite"
	default:
		return ""
	}
}

// EnvelopeFromCode maps the numeric modulation codes 0..3 used by
// experiment scripts onto envelopes
func EnvelopeFromCode(code int) (Envelope, error) {
	e := Envelope(code)
	if !e.Valid() {
		return -1, errors.Wrapf(ErrUnknownEnvelope, "code %d", code)
	}
	return e, nil
}

// Valid returns true if e is a known envelope
func (e Envelope) Valid() bool {
	return e >= Square && e <= Hermite
}

func (e Envelope) String() string {
	if s := FormatEnvelope(e); s != "" {
		return s
	}
	return "Envelope(" + strconv.Itoa(int(e)) + ")"
}

// MarshalText implements encoding.TextMarshaler
func (e Envelope) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, errors.Wrapf(ErrUnknownEnvelope, "code %d", int(e))
	}
	return []byte(FormatEnvelope(e)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.  Both names and the
// numeric codes are accepted
func (e *Envelope) UnmarshalText(b []byte) error {
	s := string(b)
	if len(s) == 1 && s[0] >= '0' && s[0] <= '9' {
		v, err := EnvelopeFromCode(int(s[0] - '0'))
		if err != nil {
			return err
		}
		*e = v
		return nil
	}
	v, err := ValidateEnvelope(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// shape returns the envelope sampled on n points centered on the segment
func (e Envelope) shape(n int) ([]float64, error) {
	out := make([]float64, n)
	sigma := float64(n) / 6
	for k := range out {
		t := float64(k) - float64(n)/2
		switch e {
		case Square:
			out[k] = 1
		case Gaussian:
			out[k] = math.Exp(-0.5 * (t / sigma) * (t / sigma))
		case CoshSquaredInverse:
			c := math.Cosh(t / (coshScale * sigma))
			out[k] = 1 / (c * c)
		case Hermite:
			x := (t / sigma) * (t / sigma)
			out[k] = (1 - hermiteK*x) * math.Exp(-0.5*x)
		default:
			return nil, errors.Wrapf(ErrUnknownEnvelope, "code %d", int(e))
		}
	}
	return out, nil
}

// PulseParams describes one modulated pulse
type PulseParams struct {
	// Envelope is the amplitude shape
	Envelope Envelope

	// Samples is the pulse length, a multiple of Granularity
	Samples int

	// Amplitude is the peak amplitude relative to full scale, in [-1, 1]
	Amplitude float64

	// Phase is the carrier phase in degrees
	Phase float64

	// ModFreq is the carrier frequency in Hz.  0 gives a flat-phase pulse
	ModFreq float64

	// SampleRate is the DAC sample rate in Hz
	SampleRate float64
}

// Pulse synthesizes the I and Q components of a modulated pulse,
//
//	I = mid * (A cos(2 pi f t + phi) env(t) + 1)
//	Q = mid * (A sin(2 pi f t + phi) env(t) + 1)
func Pulse(p PulseParams, d DAC) (IQ, error) {
	if err := d.validate(); err != nil {
		return IQ{}, err
	}
	if !p.Envelope.Valid() {
		return IQ{}, errors.Wrapf(ErrUnknownEnvelope, "code %d", int(p.Envelope))
	}
	if p.Samples%Granularity != 0 || p.Samples < 0 {
		return IQ{}, errors.Wrapf(ErrNotAligned, "pulse of %d samples", p.Samples)
	}
	if p.Samples == 0 {
		return IQ{I: []float64{}, Q: []float64{}}, nil
	}
	if p.ModFreq != 0 && p.SampleRate <= 0 {
		return IQ{}, errors.New("modulated pulse requires a positive sample rate")
	}
	env, err := p.Envelope.shape(p.Samples)
	if err != nil {
		return IQ{}, err
	}
	var (
		mid = d.Mid()
		phi = math.Pi * p.Phase / 180
		w   float64
		out = IQ{I: make([]float64, p.Samples), Q: make([]float64, p.Samples)}
	)
	if p.ModFreq != 0 {
		w = 2 * math.Pi * p.ModFreq / p.SampleRate
	}
	for k := 0; k < p.Samples; k++ {
		arg := w*float64(k) + phi
		out.I[k] = mid * (p.Amplitude*math.Cos(arg)*env[k] + 1)
		out.Q[k] = mid * (p.Amplitude*math.Sin(arg)*env[k] + 1)
	}
	return out, nil
}
