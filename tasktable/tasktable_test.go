package tasktable

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/golaborate-awg/sequence"
	"github.com/nasa-jpl/golaborate-awg/waveform"
)

func block(reps ...int) sequence.Block {
	b := sequence.Block{}
	for _, r := range reps {
		b.Pulses = append(b.Pulses, sequence.Pulse{Amplitude: 1, Envelope: waveform.Square, Length: 1e-6, Spacing: 1e-6})
		b.Reps = append(b.Reps, r)
		b.Markers = append(b.Markers, 1)
		b.Trigs = append(b.Trigs, 1)
	}
	return b
}

// layout numbers segments the way the builder does: idle is 1, pulses
// follow in order, the trailing idle is last
func layout(seq sequence.Sequence) Layout {
	id := 2
	lay := Layout{Lead: 1}
	for _, it := range seq.Items {
		ids := make([]int, it.Block.Len())
		for p := range ids {
			ids[p] = id
			id++
		}
		lay.Pulses = append(lay.Pulses, ids)
	}
	lay.Trail = id
	return lay
}

func compile(t *testing.T, seq sequence.Sequence, opt Options) Program {
	t.Helper()
	prog, err := Compile(seq, layout(seq), opt)
	require.NoError(t, err)
	require.NoError(t, prog.Verify(nil))
	return prog
}

func loops(p Program) []int {
	out := make([]int, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.Loop
	}
	return out
}

func types(p Program) []EntryType {
	out := make([]EntryType, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.Type
	}
	return out
}

func ExampleDecompose() {
	fmt.Println(Decompose(2500000, LoopMax))
	fmt.Println(Decompose(LoopMax, LoopMax))
	// Output:
	// [1000000 1000000 500000]
	// [1000000]
}

func TestCompileRepeatChunks(t *testing.T) {
	prog, err := CompileRepeat(1, 2500000, Options{})
	require.NoError(t, err)
	require.NoError(t, prog.Verify(nil))
	assert.Equal(t, []int{1000000, 1000000, 500000}, loops(prog))
	assert.Equal(t, 2, prog.Entries[0].Next)
	assert.Equal(t, 3, prog.Entries[1].Next)
	assert.Equal(t, 0, prog.Terminal())
	for _, e := range prog.Entries {
		assert.Equal(t, 1, e.Segment)
		assert.Equal(t, Single, e.Type)
		assert.Equal(t, CPU, e.Enable)
	}
}

func TestCompileRepeatExactCeiling(t *testing.T) {
	prog, err := CompileRepeat(4, LoopMax, Options{})
	require.NoError(t, err)
	require.Len(t, prog.Entries, 1)
	assert.Equal(t, LoopMax, prog.Entries[0].Loop)
	assert.Equal(t, 0, prog.Entries[0].Next)
}

func TestCompileRepeatExternalTrigger(t *testing.T) {
	prog, err := CompileRepeat(1, 1500000, Options{Enable: ExternalTrigger(2), Finish: Wrap})
	require.NoError(t, err)
	require.NoError(t, prog.Verify(nil))
	for _, e := range prog.Entries {
		assert.Equal(t, "TRG2", e.Enable.String())
	}
	assert.Equal(t, 1, prog.Terminal())
}

func TestCompileRepeatRejects(t *testing.T) {
	_, err := CompileRepeat(0, 10, Options{})
	assert.True(t, errors.Is(err, ErrLayout))
	_, err = CompileRepeat(1, 0, Options{})
	var ce *sequence.ConfigError
	assert.True(t, errors.As(err, &ce))
	_, err = CompileRepeat(1, 10, Options{Enable: Enable{Source: External}})
	assert.True(t, errors.Is(err, ErrBadEnable))
}

func TestTwoPulseBlockIsFourEntries(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 10000), Repeat: 1}}}
	prog := compile(t, seq, Options{})
	require.Equal(t, 4, prog.Len())
	assert.Equal(t, []int{1, 2, 3, 4}, prog.Segments())
	assert.Equal(t, []int{1, 1, 10000, 1}, loops(prog))
	assert.Equal(t, []EntryType{Single, Single, Single, Single}, types(prog))
	assert.Equal(t, CPU, prog.Entries[0].Enable)
	assert.Equal(t, Enable{}, prog.Entries[1].Enable)
	assert.Equal(t, 2, prog.Entries[0].Next)
	assert.Equal(t, 1, prog.Terminal())
}

func TestOneShotBlockProgram(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(3), Repeat: 1}}}
	prog := compile(t, seq, Options{Finish: Stop})
	assert.Equal(t, 3, prog.Len())
	assert.Equal(t, 0, prog.Terminal())
}

func TestOuterRepeatBracketsRun(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(5, 6, 7, 8), Repeat: 10000}}}
	prog := compile(t, seq, Options{})
	assert.Equal(t, []EntryType{Single, SequenceStart, SequenceContinue, SequenceContinue, SequenceEnd, Single}, types(prog))
	assert.Equal(t, 10000, prog.Entries[1].SeqLoop)
	assert.Equal(t, []int{1, 5, 6, 7, 8, 1}, loops(prog))
}

func TestOnePulseBlockFoldsOuterRepeat(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(3), Repeat: 4}}}
	prog := compile(t, seq, Options{})
	assert.Equal(t, []EntryType{Single, Single, Single}, types(prog))
	assert.Equal(t, 12, prog.Entries[1].Loop)
}

func TestChunksInsideRunStayBracketed(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(2500000, 3), Repeat: 2}}}
	prog := compile(t, seq, Options{})
	assert.Equal(t, []EntryType{Single, SequenceStart, SequenceContinue, SequenceContinue, SequenceEnd, Single}, types(prog))
	assert.Equal(t, []int{1, 1000000, 1000000, 500000, 3, 1}, loops(prog))
}

func TestOuterRepeatOverCeilingReplaysRun(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 1), Repeat: 2500}}}
	prog := compile(t, seq, Options{LoopMax: 1000})
	assert.Equal(t, []EntryType{Single,
		SequenceStart, SequenceEnd,
		SequenceStart, SequenceEnd,
		SequenceStart, SequenceEnd,
		Single}, types(prog))
	assert.Equal(t, 1000, prog.Entries[1].SeqLoop)
	assert.Equal(t, 500, prog.Entries[5].SeqLoop)
}

func TestCompileRejectsBadLayout(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 2), Repeat: 1}}}
	_, err := Compile(seq, Layout{Lead: 1, Trail: 1, Pulses: [][]int{{2}}}, Options{})
	assert.True(t, errors.Is(err, ErrLayout))
	_, err = Compile(seq, Layout{Lead: 0, Trail: 1, Pulses: [][]int{{2, 3}}}, Options{})
	assert.True(t, errors.Is(err, ErrLayout))
}

func TestCompileRejectsInvalidSequence(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 2), Repeat: 1}}}
	seq.Items[0].Block.Markers[0] = 3
	_, err := Compile(seq, layout(seq), Options{})
	var ce *sequence.ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestFoldedRepeatOverflowIsRejected(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(math.MaxInt / 2), Repeat: 3}}}
	_, err := Compile(seq, layout(seq), Options{})
	var ce *sequence.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Block)
	assert.Equal(t, 0, ce.Pulse)
	assert.Equal(t, "reps", ce.Field)
}

func TestCovers(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 2), Repeat: 1}}}
	lay := layout(seq)
	prog := compile(t, seq, Options{})
	require.NoError(t, prog.Covers(lay))

	// drop the second pulse and relink
	prog.Entries = append(prog.Entries[:2], prog.Entries[3:]...)
	for i := range prog.Entries {
		prog.Entries[i].Index = i + 1
		prog.Entries[i].Next = i + 2
	}
	prog.Entries[len(prog.Entries)-1].Next = 1
	require.NoError(t, prog.Verify(nil))
	assert.True(t, errors.Is(prog.Covers(lay), ErrInconsistent))
}

func randomSequence(r *rand.Rand) sequence.Sequence {
	var seq sequence.Sequence
	nb := 1 + r.Intn(4)
	for b := 0; b < nb; b++ {
		np := 1 + r.Intn(5)
		reps := make([]int, np)
		for p := range reps {
			switch r.Intn(4) {
			case 0:
				reps[p] = LoopMax * (1 + r.Intn(3))
			case 1:
				reps[p] = 1 + r.Intn(3*LoopMax)
			default:
				reps[p] = 1 + r.Intn(100)
			}
		}
		repeat := 1
		if r.Intn(2) == 0 {
			repeat = 2 + r.Intn(1000)
		}
		seq.Items = append(seq.Items, sequence.Item{Block: block(reps...), Repeat: repeat})
	}
	return seq
}

func TestCompileProperties(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		seq := randomSequence(r)
		lay := layout(seq)
		prog, err := Compile(seq, lay, Options{})
		require.NoError(t, err)
		require.NoError(t, prog.Verify(nil), "trial %d", trial)

		// entry-count law and lossless decomposition, per pulse
		want := 2
		pos := 1
		for b, it := range seq.Items {
			n := it.Block.Len()
			wrapped := it.Repeat > 1 && n > 1
			starts, conts, ends := 0, 0, 0
			for p, id := range lay.Pulses[b] {
				reps := it.Block.Reps[p]
				if !wrapped {
					reps *= it.Repeat
				}
				k := (reps + LoopMax - 1) / LoopMax
				want += k
				sum := 0
				for c := 0; c < k; c++ {
					e := prog.Entries[pos]
					require.Equal(t, id, e.Segment, "trial %d block %d pulse %d", trial, b, p)
					sum += e.Loop
					switch e.Type {
					case SequenceStart:
						starts++
					case SequenceContinue:
						conts++
					case SequenceEnd:
						ends++
					}
					pos++
				}
				assert.Equal(t, reps, sum, "trial %d block %d pulse %d", trial, b, p)
			}
			if wrapped {
				assert.Equal(t, 1, starts)
				assert.Equal(t, 1, ends)
				if n > 1 && conts < n-2 {
					t.Errorf("trial %d block %d: %d continues for %d pulses", trial, b, conts, n)
				}
			} else {
				assert.Zero(t, starts+conts+ends, "trial %d block %d", trial, b)
			}
		}
		assert.Equal(t, want, prog.Len(), "trial %d", trial)
	}
}

func TestRunTypesForUnchunkedBlock(t *testing.T) {
	for n := 2; n <= 6; n++ {
		reps := make([]int, n)
		for i := range reps {
			reps[i] = i + 1
		}
		seq := sequence.Sequence{Items: []sequence.Item{{Block: block(reps...), Repeat: 3}}}
		prog := compile(t, seq, Options{})
		got := types(prog)[1 : 1+n]
		assert.Equal(t, SequenceStart, got[0])
		assert.Equal(t, SequenceEnd, got[n-1])
		for _, typ := range got[1 : n-1] {
			assert.Equal(t, SequenceContinue, typ)
		}
	}
}

func TestVerifyCatchesBrokenPrograms(t *testing.T) {
	good := func() Program {
		seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 2, 3), Repeat: 2}}}
		return compile(t, seq, Options{})
	}
	cases := []struct {
		name string
		mut  func(*Program)
	}{
		{"gap", func(p *Program) { p.Entries[2].Index = 9 }},
		{"loop zero", func(p *Program) { p.Entries[1].Loop = 0 }},
		{"loop over", func(p *Program) { p.Entries[1].Loop = LoopMax + 1 }},
		{"forward ref", func(p *Program) { p.Entries[4].Next = 42 }},
		{"branch", func(p *Program) { p.Entries[3].Next = 2 }},
		{"early stop", func(p *Program) { p.Entries[2].Next = 0 }},
		{"unclosed", func(p *Program) { p.Entries[3].Type = SequenceContinue }},
		{"single in run", func(p *Program) { p.Entries[2].Type = Single }},
		{"seq loop on single", func(p *Program) { p.Entries[0].SeqLoop = 2 }},
		{"segment", func(p *Program) { p.Entries[2].Segment = 0 }},
		{"enable", func(p *Program) { p.Entries[0].Enable = Enable{Source: External} }},
		{"empty", func(p *Program) { p.Entries = nil }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := good()
			c.mut(&p)
			assert.True(t, errors.Is(p.Verify(nil), ErrInconsistent))
		})
	}
}

func TestVerifyChecksAllocation(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 2), Repeat: 1}}}
	prog := compile(t, seq, Options{})
	assert.NoError(t, prog.Verify(func(id int) bool { return id <= 4 }))
	assert.True(t, errors.Is(prog.Verify(func(id int) bool { return id <= 3 }), ErrInconsistent))
}

func TestFingerprint(t *testing.T) {
	seq := sequence.Sequence{Items: []sequence.Item{{Block: block(1, 2), Repeat: 1}}}
	a := compile(t, seq, Options{})
	b := compile(t, seq, Options{})
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	c := compile(t, seq, Options{Finish: Stop})
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestEntryJSON(t *testing.T) {
	e := Entry{Index: 2, Segment: 3, Loop: 7, Type: SequenceStart, SeqLoop: 4, Next: 3, Enable: ExternalTrigger(1)}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":2,"segment":3,"loop":7,"type":"STAR","seqLoop":4,"next":3,"enable":"TRG1"}`, string(b))
	var back Entry
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, e, back)
}

func TestParseEnable(t *testing.T) {
	for _, s := range []string{"NONE", "CPU", "TRG1", "TRG2"} {
		e, err := ParseEnable(s)
		require.NoError(t, err)
		assert.Equal(t, s, e.String())
	}
	_, err := ParseEnable("TRG0")
	assert.Error(t, err)
	_, err = ParseEnable("bogus")
	assert.Error(t, err)
}

func TestFinishText(t *testing.T) {
	cases := map[string]Finish{"": FinishDefault, "default": FinishDefault, "wrap": Wrap, "loop": Wrap, "stop": Stop, "once": Stop}
	for s, want := range cases {
		var f Finish
		require.NoError(t, f.UnmarshalText([]byte(s)), s)
		assert.Equal(t, want, f, s)
	}
	var f Finish
	assert.Error(t, f.UnmarshalText([]byte("forever")))
	assert.Equal(t, "stop", Stop.String())
}
