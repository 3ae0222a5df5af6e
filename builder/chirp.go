package builder

import (
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/golaborate-awg/segment"
	"github.com/nasa-jpl/golaborate-awg/tasktable"
	"github.com/nasa-jpl/golaborate-awg/waveform"
)

// Chirp describes a repeated frequency sweep
type Chirp struct {
	waveform.ChirpParams

	// Reps is the number of sweeps.  When zero it is derived from Duration
	Reps int

	// Duration is the total time to sweep for, in seconds.  Only used when
	// Reps is zero
	Duration float64

	// Reverse also stages the time-reversed sweep as segment 2, so a down
	// sweep is resident on the instrument without another upload
	Reverse bool
}

// ChirpReps returns how many whole sweeps of samples points at rate fit
// in duration seconds
func ChirpReps(duration float64, samples int, rate float64) int {
	if samples <= 0 || rate <= 0 || duration <= 0 {
		return 0
	}
	sweep := float64(samples) / rate
	return int(math.Floor(duration / sweep))
}

// PlanChirp builds a repeat program for a chirp.  The sweep is written to
// both I and Q and plays from segment 1.
func (b *Builder) PlanChirp(c Chirp, opt tasktable.Options) (*Plan, error) {
	c.SampleRate = b.p.SampleRate
	wave, err := waveform.Chirp(c.ChirpParams, b.p.DAC)
	if err != nil {
		return nil, errors.Wrap(err, "synthesizing chirp")
	}
	n := c.Reps
	if n == 0 {
		n = ChirpReps(c.Duration, len(wave), c.SampleRate)
		if n == 0 {
			return nil, errors.Errorf("duration %g s is shorter than one sweep of %d samples", c.Duration, len(wave))
		}
	}

	alloc := segment.NewAllocator(b.log.Named("segment"))
	id, err := alloc.Allocate(waveform.IQ{I: wave, Q: wave}.Interleave(b.p.DAC), len(wave))
	if err != nil {
		return nil, err
	}
	if c.Reverse {
		rev := waveform.Reverse(wave)
		if _, err = alloc.Allocate(waveform.IQ{I: rev, Q: rev}.Interleave(b.p.DAC), len(rev)); err != nil {
			return nil, err
		}
	}
	return b.finishRepeat(alloc, id, n, opt)
}
