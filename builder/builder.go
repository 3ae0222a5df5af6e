// Package builder turns sequences and chirps into upload-ready plans.
//
// A Plan is everything an instrument needs for one program: the staged
// segments (waveform and markers, numbered from 1) and the task table that
// references them.  Building a plan performs no I/O; a plan that fails to
// build has touched nothing.
package builder

import (
	"math"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/golaborate-awg/segment"
	"github.com/nasa-jpl/golaborate-awg/sequence"
	"github.com/nasa-jpl/golaborate-awg/tasktable"
	"github.com/nasa-jpl/golaborate-awg/waveform"
)

const (
	// DefaultIdleSamples is the length of the idle segments bracketing a
	// block program
	DefaultIdleSamples = 64

	// DefaultCacheSize is the number of synthesized pulse payloads kept
	DefaultCacheSize = 256
)

// Params are the fixed properties of the target instrument
type Params struct {
	// SampleRate is the DAC sample rate in Hz
	SampleRate float64

	// DAC is the converter the codes are scaled for
	DAC waveform.DAC

	// IdleSamples is the length of the idle segments, DefaultIdleSamples
	// if zero
	IdleSamples int

	// CacheSize is the number of pulse payloads memoised, DefaultCacheSize
	// if zero
	CacheSize int
}

// Plan is a compiled program and the segments it plays
type Plan struct {
	// Points holds the rounded sample counts of every pulse, [block][pulse].
	// Nil for repeat programs
	Points [][]sequence.Points

	// Layout is the segment assignment of a block program
	Layout tasktable.Layout

	// Segments holds the staged payloads
	Segments *segment.Allocator

	// Program is the task table
	Program tasktable.Program
}

// Commit uploads the staged segments through up
func (p *Plan) Commit(up segment.Uploader) error {
	return p.Segments.Commit(up)
}

type pulseKey struct {
	env     waveform.Envelope
	on, off int
	amp     float64
	phase   float64
	modFreq float64
	rate    float64
	bits    int
}

// Builder makes plans for one instrument configuration.  It is not safe
// for concurrent use.
type Builder struct {
	p     Params
	cache *lru.Cache[pulseKey, []uint16]
	log   hclog.Logger
}

// New returns a Builder for the given instrument parameters.  A nil logger
// discards output
func New(p Params, log hclog.Logger) (*Builder, error) {
	if p.SampleRate <= 0 || math.IsNaN(p.SampleRate) || math.IsInf(p.SampleRate, 0) {
		return nil, errors.Errorf("sample rate must be positive and finite, got %g", p.SampleRate)
	}
	if p.DAC.Bits == 0 {
		p.DAC.Bits = 16
	}
	if p.IdleSamples == 0 {
		p.IdleSamples = DefaultIdleSamples
	}
	if err := waveform.CheckLength(p.IdleSamples); err != nil {
		return nil, errors.Wrap(err, "idle segment")
	}
	if p.CacheSize == 0 {
		p.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[pulseKey, []uint16](p.CacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Builder{p: p, cache: cache, log: log}, nil
}

// Params returns the parameters the builder was made with, defaults filled
func (b *Builder) Params() Params {
	return b.p
}

// Plan builds the program for seq.  The pulse durations of seq are rounded
// to the sample granularity in place.
//
// Segment 1 is idle, each pulse gets the next segment in block order, and
// the last segment is idle again.  A pulse segment is the on time followed
// by mid-scale for the off time; marker 1 follows the block's markers
// vector and marker 2 its trigs vector during the on time, both low
// otherwise.
func (b *Builder) Plan(seq *sequence.Sequence, opt tasktable.Options) (*Plan, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	pts, err := seq.Round(b.p.SampleRate)
	if err != nil {
		return nil, err
	}

	alloc := segment.NewAllocator(b.log.Named("segment"))
	lay := tasktable.Layout{Pulses: make([][]int, len(seq.Items))}
	if lay.Lead, err = b.idle(alloc); err != nil {
		return nil, err
	}
	for bi, it := range seq.Items {
		blk := it.Block
		ids := make([]int, blk.Len())
		for p, pulse := range blk.Pulses {
			id, err := b.pulse(alloc, pulse, pts[bi][p], uint8(blk.Markers[p]), uint8(blk.Trigs[p]))
			if err != nil {
				return nil, errors.Wrapf(err, "block %d pulse %d", bi, p)
			}
			ids[p] = id
		}
		lay.Pulses[bi] = ids
	}
	if lay.Trail, err = b.idle(alloc); err != nil {
		return nil, err
	}

	prog, err := tasktable.Compile(*seq, lay, opt)
	if err != nil {
		return nil, err
	}
	if err = prog.Verify(alloc.Allocated); err != nil {
		return nil, err
	}
	b.log.Debug("planned block program", "segments", alloc.Len(), "entries", prog.Len(), "fingerprint", prog.Fingerprint())
	return &Plan{Points: pts, Layout: lay, Segments: alloc, Program: prog}, nil
}

func (b *Builder) idle(alloc *segment.Allocator) (int, error) {
	n := b.p.IdleSamples
	iq, err := waveform.DC(n, b.p.DAC)
	if err != nil {
		return 0, err
	}
	id, err := alloc.Allocate(iq.Interleave(b.p.DAC), n)
	if err != nil {
		return 0, err
	}
	zero := make([]uint8, n)
	mk, err := segment.PackMarkers(zero, zero)
	if err != nil {
		return 0, err
	}
	return id, alloc.AllocateMarkers(id, mk)
}

func (b *Builder) pulse(alloc *segment.Allocator, p sequence.Pulse, pts sequence.Points, marker, trig uint8) (int, error) {
	payload, err := b.synthesize(p, pts)
	if err != nil {
		return 0, err
	}
	id, err := alloc.Allocate(payload, pts.Total())
	if err != nil {
		return 0, err
	}
	mk, err := segment.PackMarkers(segment.Track(pts.On, pts.Off, marker), segment.Track(pts.On, pts.Off, trig))
	if err != nil {
		return 0, err
	}
	return id, alloc.AllocateMarkers(id, mk)
}

// synthesize returns the interleaved payload of an on/off pulse, reusing
// earlier results for identical pulses
func (b *Builder) synthesize(p sequence.Pulse, pts sequence.Points) ([]uint16, error) {
	key := pulseKey{
		env: p.Envelope, on: pts.On, off: pts.Off,
		amp: p.Amplitude, phase: p.Phase, modFreq: p.ModFreq,
		rate: b.p.SampleRate, bits: b.p.DAC.Bits,
	}
	if v, ok := b.cache.Get(key); ok {
		return v, nil
	}
	on, err := waveform.Pulse(waveform.PulseParams{
		Envelope:   p.Envelope,
		Samples:    pts.On,
		Amplitude:  p.Amplitude,
		Phase:      p.Phase,
		ModFreq:    p.ModFreq,
		SampleRate: b.p.SampleRate,
	}, b.p.DAC)
	if err != nil {
		return nil, err
	}
	off, err := waveform.DC(pts.Off, b.p.DAC)
	if err != nil {
		return nil, err
	}
	payload := on.Concat(off).Interleave(b.p.DAC)
	b.cache.Add(key, payload)
	return payload, nil
}

// PlanRepeat builds the program that plays payload n times.  points is
// the number of waveform points in payload (half its length for
// interleaved I/Q).  The payload is segment 1 and carries no markers.
func (b *Builder) PlanRepeat(payload []uint16, points, n int, opt tasktable.Options) (*Plan, error) {
	alloc := segment.NewAllocator(b.log.Named("segment"))
	id, err := alloc.Allocate(payload, points)
	if err != nil {
		return nil, err
	}
	return b.finishRepeat(alloc, id, n, opt)
}

func (b *Builder) finishRepeat(alloc *segment.Allocator, id, n int, opt tasktable.Options) (*Plan, error) {
	prog, err := tasktable.CompileRepeat(id, n, opt)
	if err != nil {
		return nil, err
	}
	if err = prog.Verify(alloc.Allocated); err != nil {
		return nil, err
	}
	b.log.Debug("planned repeat program", "segment", id, "reps", n, "entries", prog.Len(), "fingerprint", prog.Fingerprint())
	return &Plan{Segments: alloc, Program: prog}, nil
}
