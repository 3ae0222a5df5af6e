// Package tasktable compiles sequences into task-table programs.
//
// A program is a linked list of entries; each entry plays one segment a
// number of times and names the entry that follows it.  The instrument
// walks the list on its own once the program is activated.  The compiler
// brackets the sequence with idle entries, splits repeat counts larger than
// the hardware loop register into chained chunks, and types entries so
// that blocks with an outer repeat become hardware sequence loops.
//
// Compilation is a pure function of its inputs.  Nothing in this package
// talks to an instrument.
package tasktable

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/golaborate-awg/sequence"
)

// LoopMax is the largest loop count one entry can hold
const LoopMax = 1000000

// Finish selects what the last entry of a program points to
type Finish int

const (
	// FinishDefault wraps block programs and stops repeat programs
	FinishDefault Finish = iota

	// Wrap points the last entry back to entry 1
	Wrap

	// Stop ends the program after the last entry
	Stop
)

func (f Finish) String() string {
	switch f {
	case Wrap:
		return "wrap"
	case Stop:
		return "stop"
	default:
		return "default"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Finish) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "default":
		*f = FinishDefault
	case "wrap", "loop":
		*f = Wrap
	case "stop", "once":
		*f = Stop
	default:
		return errors.Errorf("finish must be wrap or stop, got %q", string(b))
	}
	return nil
}

// Options are the caller controlled knobs of compilation
type Options struct {
	// Enable starts the idle entries of block programs and every chunk of
	// repeat programs.  The zero value means CPU
	Enable Enable

	// LoopMax overrides the per-entry loop ceiling when positive and
	// smaller than LoopMax
	LoopMax int

	// Finish chooses between a closed loop and a one-shot program
	Finish Finish

	// Channel is carried into the program for the uploader
	Channel int
}

func (o Options) enable() Enable {
	if o.Enable.Source == Chained {
		return CPU
	}
	return o.Enable
}

func (o Options) loopMax() int {
	if o.LoopMax > 0 && o.LoopMax < LoopMax {
		return o.LoopMax
	}
	return LoopMax
}

func (o Options) terminal(def Finish) int {
	f := o.Finish
	if f == FinishDefault {
		f = def
	}
	if f == Wrap {
		return 1
	}
	return 0
}

var (
	// ErrInconsistent is generated when a program breaks a structural rule.
	// It indicates a compiler bug or a hand-edited program
	ErrInconsistent = errors.New("task table is inconsistent")

	// ErrLayout is generated when the segment layout does not match the
	// sequence it is compiled with
	ErrLayout = errors.New("segment layout does not match sequence")
)

// Layout is the segment assignment a program is compiled against
type Layout struct {
	// Lead and Trail are the idle segments bracketing the sequence.
	// They may be the same segment
	Lead, Trail int

	// Pulses holds the segment of each pulse, indexed [block][pulse]
	Pulses [][]int
}

// Program is a compiled task table
type Program struct {
	Channel int     `json:"channel"`
	Entries []Entry `json:"entries"`
}

// Len returns the number of entries
func (p Program) Len() int {
	return len(p.Entries)
}

// Terminal returns the Next of the last entry, 0 for a one-shot program
// and 1 for a closed loop.  -1 if the program is empty
func (p Program) Terminal() int {
	if len(p.Entries) == 0 {
		return -1
	}
	return p.Entries[len(p.Entries)-1].Next
}

// Segments returns the distinct segments the program references, in order
// of first use
func (p Program) Segments() []int {
	seen := make(map[int]bool)
	var out []int
	for _, e := range p.Entries {
		if !seen[e.Segment] {
			seen[e.Segment] = true
			out = append(out, e.Segment)
		}
	}
	return out
}

// Decompose splits n plays into chunks of at most limit.  All chunks but
// the last are limit; the chunks sum to n.  n < 1 yields nil
func Decompose(n, limit int) []int {
	if n < 1 || limit < 1 {
		return nil
	}
	k := (n + limit - 1) / limit
	out := make([]int, k)
	for i := range out {
		out[i] = limit
	}
	out[k-1] = n - (k-1)*limit
	return out
}

type emitter struct {
	entries []Entry
}

func (em *emitter) push(e Entry) {
	e.Index = len(em.entries) + 1
	em.entries = append(em.entries, e)
}

// link chains every entry to its successor and points the last at term
func (em *emitter) link(term int) {
	for i := range em.entries {
		em.entries[i].Next = em.entries[i].Index + 1
	}
	em.entries[len(em.entries)-1].Next = term
}

// Compile builds the program for a block sequence.  The layout supplies
// the idle and pulse segments; it must have one id per pulse.
//
// The program is a leading idle entry, the pulses of every block in
// order, and a trailing idle entry.  Blocks played once are Single
// entries.  Blocks of two or more pulses with an outer repeat become a
// Start/Continue/End run whose Start carries the repeat.  A one-pulse
// block cannot open and close a run in one entry, so its outer repeat is
// folded into the loop count.  Any loop count over the ceiling is split
// into chained chunks, inside runs as well as outside.  An outer repeat
// over the ceiling replays the whole run once per chunk.
//
// The idle entries carry opt.Enable; pulse entries are chained.  Block
// programs wrap unless opt.Finish is Stop.
func Compile(seq sequence.Sequence, lay Layout, opt Options) (Program, error) {
	if err := seq.Validate(); err != nil {
		return Program{}, err
	}
	if err := opt.enable().validate(); err != nil {
		return Program{}, err
	}
	if len(lay.Pulses) != len(seq.Items) {
		return Program{}, errors.Wrapf(ErrLayout, "%d blocks laid out for %d", len(lay.Pulses), len(seq.Items))
	}
	if lay.Lead < 1 || lay.Trail < 1 {
		return Program{}, errors.Wrapf(ErrLayout, "idle segments %d, %d", lay.Lead, lay.Trail)
	}
	ceil := opt.loopMax()
	en := opt.enable()

	var em emitter
	em.push(Entry{Segment: lay.Lead, Loop: 1, Type: Single, Enable: en})
	for b, it := range seq.Items {
		ids := lay.Pulses[b]
		blk := it.Block
		if len(ids) != blk.Len() {
			return Program{}, errors.Wrapf(ErrLayout, "block %d: %d segments for %d pulses", b, len(ids), blk.Len())
		}
		for p, id := range ids {
			if id < 1 {
				return Program{}, errors.Wrapf(ErrLayout, "block %d pulse %d: segment %d", b, p, id)
			}
		}

		if it.Repeat == 1 || blk.Len() == 1 {
			for p, id := range ids {
				// repeat is 1 unless folded
				if blk.Reps[p] > math.MaxInt/it.Repeat {
					return Program{}, &sequence.ConfigError{Block: b, Pulse: p, Field: "reps",
						Reason: fmt.Sprintf("%d times repeat %d overflows the loop count", blk.Reps[p], it.Repeat)}
				}
				for _, loop := range Decompose(blk.Reps[p]*it.Repeat, ceil) {
					em.push(Entry{Segment: id, Loop: loop, Type: Single})
				}
			}
			continue
		}

		for _, outer := range Decompose(it.Repeat, ceil) {
			start := len(em.entries)
			for p, id := range ids {
				for _, loop := range Decompose(blk.Reps[p], ceil) {
					em.push(Entry{Segment: id, Loop: loop, Type: SequenceContinue})
				}
			}
			em.entries[start].Type = SequenceStart
			em.entries[start].SeqLoop = outer
			em.entries[len(em.entries)-1].Type = SequenceEnd
		}
	}
	em.push(Entry{Segment: lay.Trail, Loop: 1, Type: Single, Enable: en})
	em.link(opt.terminal(Wrap))
	prog := Program{Channel: opt.Channel, Entries: em.entries}
	if err := prog.Covers(lay); err != nil {
		return Program{}, err
	}
	return prog, nil
}

// Covers returns an error unless every segment of lay is played by at
// least one entry of p
func (p Program) Covers(lay Layout) error {
	used := make(map[int]bool, len(p.Entries))
	for _, e := range p.Entries {
		used[e.Segment] = true
	}
	for _, id := range []int{lay.Lead, lay.Trail} {
		if !used[id] {
			return errors.Wrapf(ErrInconsistent, "idle segment %d is never played", id)
		}
	}
	for b, ids := range lay.Pulses {
		for q, id := range ids {
			if !used[id] {
				return errors.Wrapf(ErrInconsistent, "block %d pulse %d: segment %d is never played", b, q, id)
			}
		}
	}
	return nil
}

// CompileRepeat builds the program that plays one segment n times, for
// chirps and other single-segment programs.  n is split into chained
// chunks of at most the loop ceiling; every chunk carries opt.Enable.
// Repeat programs stop after the last chunk unless opt.Finish is Wrap.
func CompileRepeat(segment, n int, opt Options) (Program, error) {
	if segment < 1 {
		return Program{}, errors.Wrapf(ErrLayout, "segment %d", segment)
	}
	if n < 1 {
		return Program{}, &sequence.ConfigError{Block: -1, Pulse: -1, Field: "repeat", Reason: "must be >= 1, got " + strconv.Itoa(n)}
	}
	en := opt.enable()
	if err := en.validate(); err != nil {
		return Program{}, err
	}
	var em emitter
	for _, loop := range Decompose(n, opt.loopMax()) {
		em.push(Entry{Segment: segment, Loop: loop, Type: Single, Enable: en})
	}
	em.link(opt.terminal(Stop))
	return Program{Channel: opt.Channel, Entries: em.entries}, nil
}

// Verify checks the structural rules of a program: 1-based contiguous
// indices, loop counts in range, a single chain from entry 1 through every
// entry that either stops or returns to 1, well nested sequence runs, and
// segment references.  allocated reports whether a segment exists; nil
// only requires positive ids.  Violations wrap ErrInconsistent.
func (p Program) Verify(allocated func(int) bool) error {
	n := len(p.Entries)
	if n == 0 {
		return errors.Wrap(ErrInconsistent, "program is empty")
	}
	for i, e := range p.Entries {
		if e.Index != i+1 {
			return errors.Wrapf(ErrInconsistent, "entry at position %d has index %d", i+1, e.Index)
		}
		if e.Loop < 1 || e.Loop > LoopMax {
			return errors.Wrapf(ErrInconsistent, "entry %d: loop %d out of [1, %d]", e.Index, e.Loop, LoopMax)
		}
		if e.Type == SequenceStart {
			if e.SeqLoop < 1 || e.SeqLoop > LoopMax {
				return errors.Wrapf(ErrInconsistent, "entry %d: sequence loop %d out of [1, %d]", e.Index, e.SeqLoop, LoopMax)
			}
		} else if e.SeqLoop != 0 {
			return errors.Wrapf(ErrInconsistent, "entry %d: sequence loop on a %s entry", e.Index, e.Type)
		}
		if e.Segment < 1 || (allocated != nil && !allocated(e.Segment)) {
			return errors.Wrapf(ErrInconsistent, "entry %d: segment %d is not allocated", e.Index, e.Segment)
		}
		if err := e.Enable.validate(); err != nil {
			return errors.Wrapf(ErrInconsistent, "entry %d: %v", e.Index, err)
		}
	}

	order, err := p.walk()
	if err != nil {
		return err
	}

	inRun := false
	for _, idx := range order {
		e := p.Entries[idx-1]
		switch e.Type {
		case Single:
			if inRun {
				return errors.Wrapf(ErrInconsistent, "entry %d: single entry inside a sequence run", idx)
			}
		case SequenceStart:
			if inRun {
				return errors.Wrapf(ErrInconsistent, "entry %d: sequence start inside a sequence run", idx)
			}
			inRun = true
		case SequenceContinue:
			if !inRun {
				return errors.Wrapf(ErrInconsistent, "entry %d: sequence continue outside a run", idx)
			}
		case SequenceEnd:
			if !inRun {
				return errors.Wrapf(ErrInconsistent, "entry %d: sequence end without a start", idx)
			}
			inRun = false
		default:
			return errors.Wrapf(ErrInconsistent, "entry %d: %v", idx, errors.Wrapf(ErrBadEntryType, "value %d", int(e.Type)))
		}
	}
	if inRun {
		return errors.Wrap(ErrInconsistent, "sequence run is never closed")
	}
	return nil
}

// walk follows Next from entry 1 and returns the visiting order.  It fails
// unless every entry is visited exactly once and the walk ends at 0 or
// returns to 1
func (p Program) walk() ([]int, error) {
	n := len(p.Entries)
	seen := make([]bool, n+1)
	order := make([]int, 0, n)
	cur := 1
	for {
		seen[cur] = true
		order = append(order, cur)
		next := p.Entries[cur-1].Next
		switch {
		case next < 0 || next > n:
			return nil, errors.Wrapf(ErrInconsistent, "entry %d: next %d does not exist", cur, next)
		case next == 0, next == 1:
			if len(order) != n {
				return nil, errors.Wrapf(ErrInconsistent, "entry %d ends the chain after %d of %d entries", cur, len(order), n)
			}
			return order, nil
		case seen[next]:
			return nil, errors.Wrapf(ErrInconsistent, "entry %d: next %d is already in the chain", cur, next)
		}
		cur = next
	}
}

var crcTable = crc.NewTable(crc.CRC64ECMA)

// Fingerprint returns a CRC-64/ECMA over the canonical text form of the
// program.  Two programs with the same fingerprint emit the same commands
func (p Program) Fingerprint() uint64 {
	var b strings.Builder
	b.WriteString("chan=" + strconv.Itoa(p.Channel) + "\n")
	for _, e := range p.Entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return crcTable.CalculateCRC([]byte(b.String()))
}
