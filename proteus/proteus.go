// Package proteus drives a Tabor Proteus segmented-memory AWG.
//
// The AWG type uploads segments, markers and task tables and activates
// programs.  It keeps an explicit record of the instrument's selected
// channel and segment so that selection commands are only sent when they
// change, and forgets that record whenever a passthrough command could
// have altered it behind its back.
package proteus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/golaborate-awg/builder"
	"github.com/nasa-jpl/golaborate-awg/comm"
	"github.com/nasa-jpl/golaborate-awg/scpi"
	"github.com/nasa-jpl/golaborate-awg/waveform"
)

const (
	// DefaultSampleRate is the waveform sample rate before interpolation
	DefaultSampleRate = 675e6

	// DefaultInterpolation is the DUC interpolation factor
	DefaultInterpolation = 8

	// pseudoRaster is the raster clock that puts the DAC in 16 bit mode
	pseudoRaster = "2.5E9"

	errorQueueDepth = 16
)

// ErrBadInterpolation is generated for an interpolation factor the DUC
// does not support
var ErrBadInterpolation = errors.New("interpolation factor must be one of 1, 2, 4, 8")

// Slope is the active edge of an external trigger
type Slope int

const (
	// Positive triggers on the rising edge
	Positive Slope = iota

	// Negative triggers on the falling edge
	Negative
)

func (s Slope) String() string {
	if s == Negative {
		return "NEG"
	}
	return "POS"
}

// MarshalText implements encoding.TextMarshaler
func (s Slope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Slope) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "POS", "POSITIVE", "":
		*s = Positive
	case "NEG", "NEGATIVE":
		*s = Negative
	default:
		return errors.Errorf("slope must be POS or NEG, got %q", string(b))
	}
	return nil
}

// Trigger configures an external trigger input
type Trigger struct {
	// Input is the trigger input, 1 or 2
	Input int `json:"input" yaml:"input" koanf:"input"`

	// Level is the threshold in volts
	Level float64 `json:"level" yaml:"level" koanf:"level"`

	// Slope is the active edge
	Slope Slope `json:"slope" yaml:"slope" koanf:"slope"`
}

// Config holds the settings of one AWG channel
type Config struct {
	// SampleRate is the waveform sample rate in Hz.  The DAC clock is
	// SampleRate * Interpolation
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate" koanf:"sampleRate"`

	// Bits is the DAC resolution
	Bits int `json:"bits" yaml:"bits" koanf:"bits"`

	// Channel is the output channel, 1-based
	Channel int `json:"channel" yaml:"channel" koanf:"channel"`

	// Interpolation is the DUC interpolation factor
	Interpolation int `json:"interpolation" yaml:"interpolation" koanf:"interpolation"`

	// Trigger is used by programs gated on an external trigger
	Trigger Trigger `json:"trigger" yaml:"trigger" koanf:"trigger"`
}

// DefaultConfig returns the power-on settings used by the lab scripts
func DefaultConfig() Config {
	return Config{
		SampleRate:    DefaultSampleRate,
		Bits:          16,
		Channel:       1,
		Interpolation: DefaultInterpolation,
		Trigger:       Trigger{Input: 1, Level: 0.5},
	}
}

// DAC returns the converter description used for code scaling
func (c Config) DAC() waveform.DAC {
	return waveform.DAC{Bits: c.Bits}
}

// DACClock is the raster clock programmed into the instrument
func (c Config) DACClock() float64 {
	f := c.Interpolation
	if f < 1 {
		f = 1
	}
	return c.SampleRate * float64(f)
}

// Params returns the builder parameters matching c
func (c Config) Params() builder.Params {
	return builder.Params{SampleRate: c.SampleRate, DAC: c.DAC()}
}

func validInterpolation(f int) bool {
	switch f {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// TransportError is a failed exchange with the instrument.  Code and Msg
// are the instrument's error queue entry when it reported one
type TransportError struct {
	Op      string
	Segment int
	Code    int
	Msg     string
	Err     error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("proteus: ")
	b.WriteString(e.Op)
	if e.Segment > 0 {
		fmt.Fprintf(&b, " segment %d", e.Segment)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": error %d: %s", e.Code, e.Msg)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(op string, seg int, err error) error {
	if err == nil {
		return nil
	}
	te := &TransportError{Op: op, Segment: seg, Err: err}
	var de *scpi.DeviceError
	if errors.As(err, &de) {
		te.Code = de.Code
		te.Msg = de.Msg
	}
	return te
}

// session is what the instrument currently has selected.  Zero means
// unknown
type session struct {
	channel int
	segment int
	u16     bool
}

// AWG is a Proteus arbitrary waveform generator.  It is safe for
// concurrent use; calls are serialized
type AWG struct {
	s   *scpi.SCPI
	log hclog.Logger

	mu   sync.Mutex
	cfg  Config
	sess session
	b    *builder.Builder
}

// New creates a new AWG reached at addr, for example 192.168.0.10:5025.
// A nil logger discards output
func New(addr string, cfg Config, log hclog.Logger) (*AWG, error) {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	s := &scpi.SCPI{
		Pool:    pool,
		Limiter: rate.NewLimiter(rate.Limit(200), 20),
	}
	return NewWithSCPI(s, cfg, log)
}

// NewWithSCPI creates an AWG that talks through s
func NewWithSCPI(s *scpi.SCPI, cfg Config, log hclog.Logger) (*AWG, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.Channel < 1 {
		return nil, errors.Errorf("channel must be >= 1, got %d", cfg.Channel)
	}
	if cfg.Interpolation == 0 {
		cfg.Interpolation = 1
	}
	if !validInterpolation(cfg.Interpolation) {
		return nil, errors.Wrapf(ErrBadInterpolation, "got %d", cfg.Interpolation)
	}
	b, err := builder.New(cfg.Params(), log.Named("builder"))
	if err != nil {
		return nil, err
	}
	cfg.Bits = b.Params().DAC.Bits
	return &AWG{s: s, log: log, cfg: cfg, b: b}, nil
}

// Config returns the current configuration
func (a *AWG) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Builder returns the plan builder matching the AWG's configuration.
// Plans from it can be inspected without touching the instrument
func (a *AWG) Builder() *builder.Builder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b
}

// send writes cmds as one message
func (a *AWG) send(cmds ...string) error {
	return a.s.Write(strings.Join(cmds, ";"))
}

// check pops the instrument's error queue and turns a non-zero entry into
// a TransportError
func (a *AWG) check(op string, seg int) error {
	return transportError(op, seg, a.s.PopError())
}

// useChannel selects ch unless it is already selected
func (a *AWG) useChannel(ch int) error {
	if ch < 1 {
		ch = a.cfg.Channel
	}
	if a.sess.channel == ch {
		return nil
	}
	if err := a.send(fmt.Sprintf(":INST:CHAN %d", ch)); err != nil {
		a.sess = session{}
		return err
	}
	a.sess = session{channel: ch}
	return nil
}

// useSegment selects segment id on the current channel unless it is
// already selected
func (a *AWG) useSegment(id int) error {
	if a.sess.segment == id {
		return nil
	}
	if err := a.send(fmt.Sprintf(":TRAC:SEL %d", id)); err != nil {
		a.sess.segment = 0
		return err
	}
	a.sess.segment = id
	return nil
}

func (a *AWG) forget() {
	a.sess = session{}
}
