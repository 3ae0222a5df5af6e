package proteus

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/golaborate-awg/builder"
	"github.com/nasa-jpl/golaborate-awg/tasktable"
)

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// Activate switches the channel to task mode.  Immediate programs are
// started with a bus trigger; External programs arm the configured
// trigger on enable's input and wait for it
func (a *AWG) Activate(enable tasktable.Enable) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activate(0, enable)
}

func (a *AWG) activate(ch int, enable tasktable.Enable) error {
	if err := a.useChannel(ch); err != nil {
		return transportError("select channel", 0, err)
	}
	if err := a.send(":SOUR:FUNC:MODE TASK"); err != nil {
		a.forget()
		return transportError("activate", 0, err)
	}
	switch enable.Source {
	case tasktable.External:
		t := a.cfg.Trigger
		t.Input = enable.Trigger
		if err := a.setTrigger(t); err != nil {
			return err
		}
	default:
		if err := a.send("*TRG"); err != nil {
			a.forget()
			return transportError("activate", 0, err)
		}
	}
	if err := a.check("activate", 0); err != nil {
		return err
	}
	a.log.Info("activated task mode", "channel", a.sess.channel, "enable", enable.String())
	return nil
}

// SetTrigger configures and arms an external trigger input
func (a *AWG) SetTrigger(t Trigger) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.useChannel(0); err != nil {
		return transportError("select channel", 0, err)
	}
	return a.setTrigger(t)
}

func (a *AWG) setTrigger(t Trigger) error {
	if t.Input < 1 {
		return errors.Errorf("trigger input must be >= 1, got %d", t.Input)
	}
	err := a.send(
		fmt.Sprintf(":TRIG:ACTIVE:SEL TRG%d", t.Input),
		":TRIG:LEV "+formatFloat(t.Level),
		":TRIG:SLOP "+t.Slope.String(),
		":TRIG:ACTIVE:STAT ON")
	if err != nil {
		a.forget()
		return transportError("trigger", 0, err)
	}
	if err = a.check("trigger", 0); err != nil {
		return err
	}
	a.cfg.Trigger = t
	return nil
}

// Output turns the channel's output on or off
func (a *AWG) Output(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.useChannel(0); err != nil {
		return transportError("select channel", 0, err)
	}
	if err := a.send(":OUTP " + onOff(on)); err != nil {
		a.forget()
		return transportError("output", 0, err)
	}
	return a.check("output", 0)
}

// Raw sends str to the instrument as-is and returns the response if it was
// a query.  The AWG no longer assumes it knows the selected channel or
// segment afterwards
func (a *AWG) Raw(str string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forget()
	resp, err := a.s.Raw(str)
	return resp, transportError("raw", 0, err)
}

// Reset clears and resets the instrument and returns its identification
func (a *AWG) Reset() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forget()
	idn, err := a.s.ReadString("*IDN?")
	if err != nil {
		return "", transportError("identify", 0, err)
	}
	model, err := a.s.ReadString(":SYST:INF:MODEL?")
	if err != nil {
		return "", transportError("identify", 0, err)
	}
	a.log.Info("connected", "idn", idn, "model", model)
	if err = a.send("*CLS", "*RST"); err != nil {
		return "", transportError("reset", 0, err)
	}
	return idn, nil
}

// Initialize puts the configured channel in 16 bit mode at full
// amplitude with continuous run and deletes every segment
func (a *AWG) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.useChannel(0); err != nil {
		return transportError("select channel", 0, err)
	}
	err := a.send(
		":FREQ:RAST "+pseudoRaster,
		":SOUR:VOLT MAX",
		":INIT:CONT ON",
		":TRAC:DEL:ALL")
	a.sess.segment = 0
	if err != nil {
		a.forget()
		return transportError("initialize", 0, err)
	}
	return a.check("initialize", 0)
}

// SetInterpolation enables IQ modulation through the digital upconverter
// with the given interpolation factor and programs the raster clock to
// SampleRate * factor.  The returned Config is the one now in effect
func (a *AWG) SetInterpolation(factor int) (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !validInterpolation(factor) {
		return a.cfg, errors.Wrapf(ErrBadInterpolation, "got %d", factor)
	}
	if err := a.useChannel(0); err != nil {
		return a.cfg, transportError("select channel", 0, err)
	}
	next := a.cfg
	next.Interpolation = factor
	err := a.send(
		":FREQ:RAST "+pseudoRaster,
		fmt.Sprintf(":SOUR:INT X%d", factor),
		":MODE DUC",
		":IQM ONE",
		":FREQ:RAST "+formatFloat(next.DACClock()))
	if err != nil {
		a.forget()
		return a.cfg, transportError("interpolation", 0, err)
	}
	if err = a.check("interpolation", 0); err != nil {
		return a.cfg, err
	}
	a.cfg = next
	a.log.Info("interpolation set", "factor", factor, "clock", next.DACClock())
	return next, nil
}

// SetNCO sets the carrier frequency (Hz) and phase (degrees) of NCO 1 and
// turns the output on
func (a *AWG) SetNCO(cfr, phase float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.useChannel(0); err != nil {
		return transportError("select channel", 0, err)
	}
	err := a.send(
		":SOUR:NCO:SIXD1 ON",
		":SOUR:NCO:CFR1 "+formatFloat(cfr),
		":SOUR:NCO:PHAS1 "+formatFloat(phase),
		":OUTP ON")
	if err != nil {
		a.forget()
		return transportError("nco", 0, err)
	}
	return a.check("nco", 0)
}

// SetSampleRate changes the waveform sample rate used for later plans.
// The instrument clock follows on the next SetInterpolation
func (a *AWG) SetSampleRate(hz float64) (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.cfg
	next.SampleRate = hz
	b, err := builder.New(next.Params(), a.log.Named("builder"))
	if err != nil {
		return a.cfg, err
	}
	a.cfg = next
	a.b = b
	return next, nil
}

// Errors drains the instrument's error queue, one entry per line
func (a *AWG) Errors() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s.AllErrorsString(errorQueueDepth)
}
