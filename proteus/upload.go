package proteus

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/golaborate-awg/builder"
	"github.com/nasa-jpl/golaborate-awg/segment"
	"github.com/nasa-jpl/golaborate-awg/sequence"
	"github.com/nasa-jpl/golaborate-awg/tasktable"
)

// DefineSegment creates segment id on the configured channel and fills it
// with payload, 16 bit words sent little endian
func (a *AWG) DefineSegment(id int, payload []uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.defineSegment(0, id, payload)
}

// defineSegment creates segment id on channel ch, 0 meaning the configured
// channel
func (a *AWG) defineSegment(ch, id int, payload []uint16) error {
	if id < 1 {
		return errors.Errorf("segment id must be >= 1, got %d", id)
	}
	if len(payload) == 0 {
		return errors.Errorf("segment %d: empty payload", id)
	}
	if err := a.useChannel(ch); err != nil {
		return transportError("select channel", id, err)
	}
	cmds := make([]string, 0, 3)
	if !a.sess.u16 {
		cmds = append(cmds, ":TRAC:FORM U16")
	}
	cmds = append(cmds,
		fmt.Sprintf(":TRAC:DEF %d,%d", id, len(payload)),
		fmt.Sprintf(":TRAC:SEL %d", id))
	if err := a.send(cmds...); err != nil {
		a.forget()
		return transportError("define", id, err)
	}
	a.sess.u16 = true
	a.sess.segment = id

	resp, err := a.s.WriteBlock("*OPC?;:TRAC:DATA", segment.LittleEndian(payload))
	if err != nil {
		a.forget()
		return transportError("write waveform", id, err)
	}
	if strings.TrimSpace(resp) != "1" {
		return &TransportError{Op: "write waveform", Segment: id, Err: errors.Errorf("operation complete query answered %q", resp)}
	}
	if err = a.check("write waveform", id); err != nil {
		return err
	}
	a.log.Debug("defined segment", "id", id, "words", len(payload), "crc", segment.Checksum(payload))
	return nil
}

// WriteMarkers attaches packed marker bytes to segment id and enables
// markers 1 and 2 at 1 V peak to peak
func (a *AWG) WriteMarkers(id int, markers []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeMarkers(0, id, markers)
}

func (a *AWG) writeMarkers(ch, id int, markers []byte) error {
	if len(markers) == 0 {
		return errors.Errorf("segment %d: empty marker data", id)
	}
	if err := a.useChannel(ch); err != nil {
		return transportError("select channel", id, err)
	}
	if err := a.useSegment(id); err != nil {
		return transportError("select segment", id, err)
	}
	if _, err := a.s.WriteBlock(":MARK:DATA 0,", markers); err != nil {
		a.forget()
		return transportError("write markers", id, err)
	}
	if err := a.check("write markers", id); err != nil {
		return err
	}
	cmds := make([]string, 0, 6)
	for k := 1; k <= 2; k++ {
		cmds = append(cmds,
			fmt.Sprintf(":MARK:SEL %d", k),
			":MARK:VOLT:PTOP 1",
			":MARK:STAT ON")
	}
	if err := a.send(cmds...); err != nil {
		a.forget()
		return transportError("enable markers", id, err)
	}
	return a.check("enable markers", id)
}

// entryCommands renders one task table row
func entryCommands(e tasktable.Entry) []string {
	cmds := []string{
		fmt.Sprintf(":TASK:COMP:SEL %d", e.Index),
		fmt.Sprintf(":TASK:COMP:SEGM %d", e.Segment),
		fmt.Sprintf(":TASK:COMP:LOOP %d", e.Loop),
		":TASK:COMP:TYPE " + tasktable.FormatEntryType(e.Type),
	}
	if e.Type == tasktable.SequenceStart {
		cmds = append(cmds, fmt.Sprintf(":TASK:COMP:SEQ %d", e.SeqLoop))
	}
	return append(cmds,
		":TASK:COMP:ENAB "+e.Enable.String(),
		fmt.Sprintf(":TASK:COMP:NEXT1 %d", e.Next))
}

// UploadProgram writes p to the task table of its channel.  The program
// is verified first and nothing is sent when it is inconsistent
func (a *AWG) UploadProgram(p tasktable.Program) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploadProgram(p)
}

func (a *AWG) uploadProgram(p tasktable.Program) error {
	if err := p.Verify(nil); err != nil {
		return err
	}
	if err := a.useChannel(p.Channel); err != nil {
		return transportError("select channel", 0, err)
	}
	err := a.send(":TASK:ZERO:ALL", fmt.Sprintf(":TASK:COMP:LENG %d", p.Len()))
	if err != nil {
		a.forget()
		return transportError("task table", 0, err)
	}
	for _, e := range p.Entries {
		if err = a.send(entryCommands(e)...); err != nil {
			a.forget()
			return transportError(fmt.Sprintf("task entry %d", e.Index), 0, err)
		}
	}
	if err = a.send(":TASK:COMP:WRITE"); err != nil {
		a.forget()
		return transportError("task table", 0, err)
	}
	if err = a.check("task table", 0); err != nil {
		return err
	}
	a.log.Info("uploaded task table", "channel", a.sess.channel, "entries", p.Len(), "fingerprint", p.Fingerprint())
	return nil
}

// staged uploads segments to one channel without taking the lock, for use
// while it is held
type staged struct {
	a  *AWG
	ch int
}

func (s staged) DefineSegment(id int, payload []uint16) error {
	return s.a.defineSegment(s.ch, id, payload)
}

func (s staged) WriteMarkers(id int, markers []byte) error {
	return s.a.writeMarkers(s.ch, id, markers)
}

// Load uploads the segments and program of plan and activates it with
// enable, all on the program's channel.  Segments go first; a failure
// stops the upload where it is
func (a *AWG) Load(plan *builder.Plan, enable tasktable.Enable) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(plan, enable)
}

func (a *AWG) load(plan *builder.Plan, enable tasktable.Enable) error {
	ch := plan.Program.Channel
	if ch < 1 {
		ch = a.cfg.Channel
	}
	if err := plan.Commit(staged{a: a, ch: ch}); err != nil {
		return err
	}
	if err := a.uploadProgram(plan.Program); err != nil {
		return err
	}
	return a.activate(ch, enable)
}

func (a *AWG) withChannel(opt tasktable.Options) tasktable.Options {
	if opt.Channel < 1 {
		opt.Channel = a.cfg.Channel
	}
	return opt
}

// LoadSequence compiles seq and plays it.  The pulse durations of seq are
// rounded in place.  Compilation errors are returned before anything is
// sent to the instrument
func (a *AWG) LoadSequence(seq *sequence.Sequence, opt tasktable.Options) (*builder.Plan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	opt = a.withChannel(opt)
	plan, err := a.b.Plan(seq, opt)
	if err != nil {
		return nil, err
	}
	return plan, a.load(plan, opt.Enable)
}

// LoadRepeat plays an interleaved payload of points samples n times
func (a *AWG) LoadRepeat(payload []uint16, points, n int, opt tasktable.Options) (*builder.Plan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	opt = a.withChannel(opt)
	plan, err := a.b.PlanRepeat(payload, points, n, opt)
	if err != nil {
		return nil, err
	}
	return plan, a.load(plan, opt.Enable)
}

// LoadChirp synthesizes a chirp and plays it for its repeat count
func (a *AWG) LoadChirp(c builder.Chirp, opt tasktable.Options) (*builder.Plan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	opt = a.withChannel(opt)
	plan, err := a.b.PlanChirp(c, opt)
	if err != nil {
		return nil, err
	}
	return plan, a.load(plan, opt.Enable)
}

// Compile builds the plan for seq without sending anything.  The pulse
// durations of seq are rounded in place
func (a *AWG) Compile(seq *sequence.Sequence, opt tasktable.Options) (*builder.Plan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.Plan(seq, a.withChannel(opt))
}
