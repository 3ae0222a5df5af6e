package waveform

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dac16 = DAC{Bits: 16}

func ExampleSamples() {
	fmt.Println(Samples(100e-6, 1.125e9))
	// Output: 112448
}

func TestDACMidScale(t *testing.T) {
	assert.Equal(t, 65535., dac16.Max())
	assert.Equal(t, 32767., dac16.Mid())
	assert.Equal(t, 127., DAC{Bits: 8}.Mid())
}

func TestDCRejectsMisalignedLength(t *testing.T) {
	_, err := DC(100, dac16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAligned), "expected ErrNotAligned, got %v", err)
}

func TestDCIsMidScale(t *testing.T) {
	iq, err := DC(128, dac16)
	require.NoError(t, err)
	require.Len(t, iq.I, 128)
	require.Len(t, iq.Q, 128)
	for i := 0; i < 128; i++ {
		if iq.I[i] != 32767 || iq.Q[i] != 32767 {
			t.Fatalf("sample %d = (%f, %f), expected mid-scale", i, iq.I[i], iq.Q[i])
		}
	}
}

func TestSamplesFloorsToGranularity(t *testing.T) {
	cases := []struct {
		secs, rate float64
		want       int
	}{
		{100e-6, 1.125e9, 112448},
		{50e-6, 1.125e9, 56192},
		{63 / 1e9, 1e9, 0},
		{64 / 1e9, 1e9, 64},
		{127 / 1e9, 1e9, 64},
		{0, 1e9, 0},
	}
	for _, c := range cases {
		got := Samples(c.secs, c.rate)
		assert.Equal(t, c.want, got, "Samples(%g, %g)", c.secs, c.rate)
		assert.Zero(t, got%Granularity)
	}
}

func TestSamplesRoundTripIsIdempotent(t *testing.T) {
	rates := []float64{675e6, 1.125e9, 9e9, 2.5e9}
	durs := []float64{1e-6, 12.3e-6, 50e-6, 100e-6, 1e-3}
	for _, r := range rates {
		for _, d := range durs {
			n := Samples(d, r)
			back := Duration(n, r)
			assert.Equal(t, n, Samples(back, r), "rate %g duration %g", r, d)
		}
	}
}

func TestPulseSquareFlatPhase(t *testing.T) {
	iq, err := Pulse(PulseParams{Envelope: Square, Samples: 64, Amplitude: 1, Phase: 90}, dac16)
	require.NoError(t, err)
	// cos(90deg) = 0, sin(90deg) = 1
	for k := 0; k < 64; k++ {
		assert.InDelta(t, 32767, iq.I[k], 1e-6)
		assert.InDelta(t, 65534, iq.Q[k], 1e-6)
	}
}

func TestPulseEnvelopesPeakAtCenter(t *testing.T) {
	for _, e := range []Envelope{Gaussian, CoshSquaredInverse, Hermite} {
		iq, err := Pulse(PulseParams{Envelope: e, Samples: 640, Amplitude: 1}, dac16)
		require.NoError(t, err, e.String())
		center := iq.I[320]
		assert.InDelta(t, 65534, center, 1e-6, e.String())
		assert.Less(t, iq.I[0], center, e.String())
	}
}

func TestHermiteEnvelopeGoesNegative(t *testing.T) {
	// 1 - 0.667 x^2 < 0 for |t/sigma| > 1.225, which the window reaches
	env, err := Hermite.shape(600)
	require.NoError(t, err)
	assert.Less(t, env[0], 0.)
	assert.InDelta(t, 1, env[300], 1e-12)
}

func TestPulseRejectsUnknownEnvelope(t *testing.T) {
	_, err := Pulse(PulseParams{Envelope: Envelope(7), Samples: 64}, dac16)
	assert.True(t, errors.Is(err, ErrUnknownEnvelope))
}

func TestPulseRejectsMisaligned(t *testing.T) {
	_, err := Pulse(PulseParams{Envelope: Square, Samples: 65}, dac16)
	assert.True(t, errors.Is(err, ErrNotAligned))
}

func TestPulseCarrierCompletesCycles(t *testing.T) {
	// 1 MHz at 64 MHz is 64 samples per cycle
	iq, err := Pulse(PulseParams{Envelope: Square, Samples: 128, Amplitude: 1, ModFreq: 1e6, SampleRate: 64e6}, dac16)
	require.NoError(t, err)
	assert.InDelta(t, iq.I[0], iq.I[64], 1e-6)
	assert.InDelta(t, 0, iq.I[32], 1e-6)
}

func TestEnvelopeParsing(t *testing.T) {
	for _, e := range []Envelope{Square, Gaussian, CoshSquaredInverse, Hermite} {
		got, err := ValidateEnvelope(FormatEnvelope(e))
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
	var e Envelope
	require.NoError(t, e.UnmarshalText([]byte("2")))
	assert.Equal(t, CoshSquaredInverse, e)
	assert.Error(t, e.UnmarshalText([]byte("triangle")))
	assert.Error(t, e.UnmarshalText([]byte("9")))
}

func TestChirpIsAlignedAndCentered(t *testing.T) {
	s, err := Chirp(ChirpParams{SampleRate: 1e6, RampTime: 1e-3, FStart: 1e3, FStop: 5e3}, dac16)
	require.NoError(t, err)
	assert.Zero(t, len(s)%Granularity)
	assert.Equal(t, 960, len(s)) // 1001 points truncated
	var lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range s {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	assert.InDelta(t, 65534, hi, 1e-6) // t=0 is the peak of cos
	assert.GreaterOrEqual(t, lo, 0.)
}

func TestChirpQuadratic(t *testing.T) {
	s, err := Chirp(ChirpParams{SampleRate: 1e6, RampTime: 1e-3, FStart: 1e3, FStop: 5e3, Sweep: Quadratic}, dac16)
	require.NoError(t, err)
	assert.Len(t, s, 960)
}

func TestChirpTooShort(t *testing.T) {
	_, err := Chirp(ChirpParams{SampleRate: 1e6, RampTime: 10e-6, FStart: 1e3, FStop: 5e3}, dac16)
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestAmpScaleZeroSignal(t *testing.T) {
	out := AmpScale([]float64{0, 0, 0}, dac16)
	assert.Equal(t, []float64{32767, 32767, 32767}, out)
}

func TestInterleaveOrderAndClamp(t *testing.T) {
	iq := IQ{I: []float64{1, 70000}, Q: []float64{2, -5}}
	assert.Equal(t, []uint16{1, 2, 65535, 0}, iq.Interleave(dac16))
}

func TestCheckLength(t *testing.T) {
	assert.NoError(t, CheckLength(64))
	assert.True(t, errors.Is(CheckLength(0), ErrEmpty))
	assert.True(t, errors.Is(CheckLength(96), ErrNotAligned))
}

func TestSweepText(t *testing.T) {
	var s Sweep
	require.NoError(t, s.UnmarshalText([]byte("quadratic")))
	assert.Equal(t, Quadratic, s)
	require.NoError(t, s.UnmarshalText(nil))
	assert.Equal(t, Linear, s)
	assert.Error(t, s.UnmarshalText([]byte("cubic")))
	b, err := Quadratic.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "quadratic", string(b))
}
