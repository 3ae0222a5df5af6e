package sequence

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/golaborate-awg/waveform"
)

func pulse() Pulse {
	return Pulse{Amplitude: 1, Envelope: waveform.Square, Length: 100e-6, Phase: 90, Spacing: 100e-6}
}

func twoPulse(repeat int) Sequence {
	return Sequence{Items: []Item{{
		Block: Block{
			Pulses:  []Pulse{pulse(), pulse()},
			Reps:    []int{1, 10000},
			Markers: []int{1, 1},
			Trigs:   []int{1, 1},
		},
		Repeat: repeat,
	}}}
}

func configError(t *testing.T, err error) *ConfigError {
	t.Helper()
	var ce *ConfigError
	require.True(t, errors.As(err, &ce), "expected *ConfigError, got %v", err)
	return ce
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	assert.NoError(t, twoPulse(1).Validate())
	assert.NoError(t, twoPulse(3).Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Sequence)
		field string
	}{
		{"empty", func(s *Sequence) { s.Items = nil }, "blocks"},
		{"outer repeat", func(s *Sequence) { s.Items[0].Repeat = 0 }, "repeat"},
		{"vector length", func(s *Sequence) { s.Items[0].Block.Trigs = []int{1} }, "trigs"},
		{"marker value", func(s *Sequence) { s.Items[0].Block.Markers[1] = 2 }, "markers"},
		{"trig value", func(s *Sequence) { s.Items[0].Block.Trigs[0] = -1 }, "trigs"},
		{"zero reps", func(s *Sequence) { s.Items[0].Block.Reps[1] = 0 }, "reps"},
		{"negative length", func(s *Sequence) { s.Items[0].Block.Pulses[1].Length = -1e-6 }, "length"},
		{"negative spacing", func(s *Sequence) { s.Items[0].Block.Pulses[0].Spacing = -1 }, "spacing"},
		{"envelope", func(s *Sequence) { s.Items[0].Block.Pulses[0].Envelope = 9 }, "mod"},
		{"no pulses", func(s *Sequence) { s.Items[0].Block = Block{} }, "pulses"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := twoPulse(1)
			c.mut(&s)
			ce := configError(t, s.Validate())
			assert.Equal(t, c.field, ce.Field)
		})
	}
}

func TestConfigErrorLocatesPulse(t *testing.T) {
	s := twoPulse(1)
	s.Items = append(s.Items, twoPulse(1).Items[0])
	s.Items[1].Block.Reps[1] = -4
	ce := configError(t, s.Validate())
	assert.Equal(t, 1, ce.Block)
	assert.Equal(t, 1, ce.Pulse)
	assert.Contains(t, ce.Error(), "block 1 pulse 1")
}

func TestRoundWritesBack(t *testing.T) {
	s := twoPulse(1)
	s.Items[0].Block.Pulses[0].Length = 100.01e-6
	pts, err := s.Round(1.125e9)
	require.NoError(t, err)
	assert.Equal(t, Points{On: 112448, Off: 112448}, pts[0][0])
	assert.InDelta(t, 112448/1.125e9, s.Items[0].Block.Pulses[0].Length, 1e-15)

	again, err := s.Round(1.125e9)
	require.NoError(t, err)
	assert.Equal(t, pts, again)
}

func TestRoundRejectsVanishingPulse(t *testing.T) {
	s := twoPulse(1)
	s.Items[0].Block.Pulses[1] = Pulse{Length: 10e-9, Spacing: 10e-9}
	_, err := s.Round(1e9)
	ce := configError(t, err)
	assert.Equal(t, 1, ce.Pulse)
}

func TestLoad(t *testing.T) {
	doc := `
blocks:
  - repeat: 2
    block:
      pulses:
        - {amp: 1, mod: gaussian, length: 100e-6, phase: 90, spacing: 100e-6}
        - {amp: 0.5, mod: 3, length: 50e-6, phase: 0, spacing: 10e-6}
      reps: [5, 5]
      markers: [1, 0]
      trigs: [1, 1]
`
	s, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, s.Items, 1)
	assert.Equal(t, 2, s.Items[0].Repeat)
	assert.Equal(t, waveform.Gaussian, s.Items[0].Block.Pulses[0].Envelope)
	assert.Equal(t, waveform.Hermite, s.Items[0].Block.Pulses[1].Envelope)
	assert.Equal(t, 4, s.NumPulses()+2)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, s))
	back, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestLoadRejectsUnknownKeysAndInvalid(t *testing.T) {
	_, err := Load(strings.NewReader("blocks: []\nextra: 1\n"))
	var de *DecodeError
	assert.True(t, errors.As(err, &de))

	_, err = Load(strings.NewReader(`
blocks:
  - repeat: 1
    block:
      pulses: [{amp: 1, mod: triangle, length: 1e-6, spacing: 0}]
      reps: [1]
      markers: [0]
      trigs: [0]
`))
	assert.True(t, errors.Is(err, waveform.ErrUnknownEnvelope))
}
