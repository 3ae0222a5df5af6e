// Package sequence is the declarative description of a pulse program.
//
// A Sequence is an ordered list of Blocks, each played Repeat times.  A
// Block is an ordered list of Pulses with four parallel per-pulse vectors:
// the pulse itself, how many times it plays back to back, and whether the
// amplifier marker and the digitizer trigger are raised while it is on.
package sequence

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/golaborate-awg/waveform"
)

// Pulse is one on/off period of output
type Pulse struct {
	// Amplitude is the on-time amplitude relative to full scale
	Amplitude float64 `yaml:"amp" json:"amp"`

	// Envelope is the on-time amplitude shape
	Envelope waveform.Envelope `yaml:"mod" json:"mod"`

	// Length is the on time in seconds
	Length float64 `yaml:"length" json:"length"`

	// Phase is the carrier phase in degrees
	Phase float64 `yaml:"phase" json:"phase"`

	// Spacing is the off time in seconds following the on time
	Spacing float64 `yaml:"spacing" json:"spacing"`

	// ModFreq is the carrier frequency in Hz, 0 for a flat-phase pulse
	ModFreq float64 `yaml:"modfreq,omitempty" json:"modfreq,omitempty"`
}

// Block is a group of pulses that may be looped as a unit
type Block struct {
	Pulses []Pulse `yaml:"pulses" json:"pulses"`

	// Reps is the number of consecutive plays of each pulse
	Reps []int `yaml:"reps" json:"reps"`

	// Markers raises the amplifier gate (marker 1) during each pulse, 0 or 1
	Markers []int `yaml:"markers" json:"markers"`

	// Trigs raises the digitizer trigger (marker 2) during each pulse, 0 or 1
	Trigs []int `yaml:"trigs" json:"trigs"`
}

// Len returns the number of pulses in the block
func (b Block) Len() int {
	return len(b.Pulses)
}

// Item is a block and its outer repeat count.  Repeat == 1 plays the
// block once; Repeat > 1 loops the whole block in hardware.
type Item struct {
	Block  Block `yaml:"block" json:"block"`
	Repeat int   `yaml:"repeat" json:"repeat"`
}

// Sequence is the ordered list of blocks making up a program
type Sequence struct {
	Items []Item `yaml:"blocks" json:"blocks"`
}

// NumPulses returns the total number of pulses over all blocks
func (s Sequence) NumPulses() int {
	n := 0
	for _, it := range s.Items {
		n += it.Block.Len()
	}
	return n
}

// ConfigError is a malformed sequence.  Block and Pulse are 0-based and
// -1 when not applicable
type ConfigError struct {
	Block  int
	Pulse  int
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Block < 0:
		return fmt.Sprintf("invalid sequence: %s %s", e.Field, e.Reason)
	case e.Pulse < 0:
		return fmt.Sprintf("invalid sequence: block %d: %s %s", e.Block, e.Field, e.Reason)
	default:
		return fmt.Sprintf("invalid sequence: block %d pulse %d: %s %s", e.Block, e.Pulse, e.Field, e.Reason)
	}
}

// Validate checks every structural rule a sequence must satisfy before it
// is synthesized or compiled.  The first violation is returned as a
// *ConfigError.
func (s Sequence) Validate() error {
	if len(s.Items) == 0 {
		return &ConfigError{Block: -1, Pulse: -1, Field: "blocks", Reason: "is empty"}
	}
	for b, it := range s.Items {
		if it.Repeat < 1 {
			return &ConfigError{Block: b, Pulse: -1, Field: "repeat", Reason: fmt.Sprintf("must be >= 1, got %d", it.Repeat)}
		}
		if err := it.Block.validate(b); err != nil {
			return err
		}
	}
	return nil
}

func (blk Block) validate(b int) error {
	n := len(blk.Pulses)
	if n == 0 {
		return &ConfigError{Block: b, Pulse: -1, Field: "pulses", Reason: "is empty"}
	}
	vecs := []struct {
		name string
		l    int
	}{{"reps", len(blk.Reps)}, {"markers", len(blk.Markers)}, {"trigs", len(blk.Trigs)}}
	for _, v := range vecs {
		if v.l != n {
			return &ConfigError{Block: b, Pulse: -1, Field: v.name, Reason: fmt.Sprintf("has %d entries for %d pulses", v.l, n)}
		}
	}
	for p, pulse := range blk.Pulses {
		if blk.Reps[p] < 1 {
			return &ConfigError{Block: b, Pulse: p, Field: "reps", Reason: fmt.Sprintf("must be >= 1, got %d", blk.Reps[p])}
		}
		if v := blk.Markers[p]; v != 0 && v != 1 {
			return &ConfigError{Block: b, Pulse: p, Field: "markers", Reason: fmt.Sprintf("must be 0 or 1, got %d", v)}
		}
		if v := blk.Trigs[p]; v != 0 && v != 1 {
			return &ConfigError{Block: b, Pulse: p, Field: "trigs", Reason: fmt.Sprintf("must be 0 or 1, got %d", v)}
		}
		if err := pulse.validate(); err != nil {
			err.Block, err.Pulse = b, p
			return err
		}
	}
	return nil
}

func (p Pulse) validate() *ConfigError {
	switch {
	case !p.Envelope.Valid():
		return &ConfigError{Field: "mod", Reason: fmt.Sprintf("unknown envelope %d", int(p.Envelope))}
	case p.Length < 0 || math.IsNaN(p.Length) || math.IsInf(p.Length, 0):
		return &ConfigError{Field: "length", Reason: fmt.Sprintf("must be a finite non-negative duration, got %g", p.Length)}
	case p.Spacing < 0 || math.IsNaN(p.Spacing) || math.IsInf(p.Spacing, 0):
		return &ConfigError{Field: "spacing", Reason: fmt.Sprintf("must be a finite non-negative duration, got %g", p.Spacing)}
	case math.IsNaN(p.Amplitude) || math.IsNaN(p.Phase) || math.IsNaN(p.ModFreq):
		return &ConfigError{Field: "amp/phase/modfreq", Reason: "must be numbers"}
	}
	return nil
}

// Points is the rounded length of one pulse, in samples
type Points struct {
	On  int `json:"on"`
	Off int `json:"off"`
}

// Total returns On + Off
func (p Points) Total() int {
	return p.On + p.Off
}

// Round floor-rounds every pulse's Length and Spacing to the sample
// granularity at rate, writes the rounded durations back, and returns the
// sample counts indexed [block][pulse].  A pulse whose on and off time
// both round to zero is a *ConfigError.
func (s *Sequence) Round(rate float64) ([][]Points, error) {
	if rate <= 0 || math.IsNaN(rate) {
		return nil, &ConfigError{Block: -1, Pulse: -1, Field: "sample rate", Reason: fmt.Sprintf("must be positive, got %g", rate)}
	}
	out := make([][]Points, len(s.Items))
	for b := range s.Items {
		pulses := s.Items[b].Block.Pulses
		out[b] = make([]Points, len(pulses))
		for p := range pulses {
			pts := pulses[p].Round(rate)
			if pts.Total() == 0 {
				return nil, &ConfigError{Block: b, Pulse: p, Field: "length+spacing", Reason: fmt.Sprintf("round to zero samples at %g Sa/s", rate)}
			}
			out[b][p] = pts
		}
	}
	return out, nil
}

// Round floor-rounds the pulse durations to the sample granularity and
// writes the rounded values back
func (p *Pulse) Round(rate float64) Points {
	pts := Points{On: waveform.Samples(p.Length, rate), Off: waveform.Samples(p.Spacing, rate)}
	p.Length = waveform.Duration(pts.On, rate)
	p.Spacing = waveform.Duration(pts.Off, rate)
	return pts
}
