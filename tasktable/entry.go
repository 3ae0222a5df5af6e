package tasktable

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EntryType controls whether an entry stands alone or takes part in a
// hardware sequence loop
type EntryType int

const (
	// Single plays its segment Loop times and moves on
	Single EntryType = iota

	// SequenceStart opens a run that the instrument repeats SeqLoop times
	SequenceStart

	// SequenceContinue is an interior member of a run
	SequenceContinue

	// SequenceEnd closes a run
	SequenceEnd
)

// ErrBadEntryType is generated for an entry type outside the known set
var ErrBadEntryType = errors.New("entry type must be a member of {SING, STAR, SEQ, END}")

// ValidateEntryType parses the instrument mnemonic of an entry type
func ValidateEntryType(s string) (EntryType, error) {
	switch strings.ToUpper(s) {
	case "SING", "SINGLE":
		return Single, nil
	case "STAR", "START":
		return SequenceStart, nil
	case "SEQ", "CONT", "CONTINUE":
		return SequenceContinue, nil
	case "END":
		return SequenceEnd, nil
	default:
		return -1, errors.Wrapf(ErrBadEntryType, "got %q", s)
	}
}

// FormatEntryType returns the instrument mnemonic of t
func FormatEntryType(t EntryType) string {
	switch t {
	case Single:
		return "SING"
	case SequenceStart:
		return "STAR"
	case SequenceContinue:
		return "SEQ"
	case SequenceEnd:
		return "END"
	default:
		return ""
	}
}

func (t EntryType) String() string {
	if s := FormatEntryType(t); s != "" {
		return s
	}
	return "EntryType(" + strconv.Itoa(int(t)) + ")"
}

// MarshalText implements encoding.TextMarshaler
func (t EntryType) MarshalText() ([]byte, error) {
	s := FormatEntryType(t)
	if s == "" {
		return nil, errors.Wrapf(ErrBadEntryType, "value %d", int(t))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *EntryType) UnmarshalText(b []byte) error {
	v, err := ValidateEntryType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Source is what starts an entry
type Source int

const (
	// Chained entries start as soon as the previous entry completes
	Chained Source = iota

	// Immediate entries start on a CPU (software) trigger
	Immediate

	// External entries wait for a hardware trigger input
	External
)

// Enable is the enable source of an entry.  Trigger is the external
// trigger input and is only meaningful for External
type Enable struct {
	Source  Source
	Trigger int
}

// CPU is the enable source of entries that start immediately
var CPU = Enable{Source: Immediate}

// ExternalTrigger returns the enable source gated on trigger input ch
func ExternalTrigger(ch int) Enable {
	return Enable{Source: External, Trigger: ch}
}

// ErrBadEnable is generated for a malformed enable source
var ErrBadEnable = errors.New("enable source must be NONE, CPU or TRG<n> with n >= 1")

func (e Enable) validate() error {
	switch e.Source {
	case Chained, Immediate:
		if e.Trigger != 0 {
			return errors.Wrapf(ErrBadEnable, "trigger %d without an external source", e.Trigger)
		}
	case External:
		if e.Trigger < 1 {
			return errors.Wrapf(ErrBadEnable, "trigger input %d", e.Trigger)
		}
	default:
		return errors.Wrapf(ErrBadEnable, "source %d", int(e.Source))
	}
	return nil
}

// String returns the instrument mnemonic, NONE, CPU or TRGn
func (e Enable) String() string {
	switch e.Source {
	case Chained:
		return "NONE"
	case Immediate:
		return "CPU"
	case External:
		return "TRG" + strconv.Itoa(e.Trigger)
	default:
		return "Enable(" + strconv.Itoa(int(e.Source)) + ")"
	}
}

// ParseEnable is the inverse of Enable.String
func ParseEnable(s string) (Enable, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case u == "NONE" || u == "":
		return Enable{}, nil
	case u == "CPU" || u == "IMMEDIATE":
		return CPU, nil
	case strings.HasPrefix(u, "TRG"):
		n, err := strconv.Atoi(u[3:])
		if err != nil || n < 1 {
			return Enable{}, errors.Wrapf(ErrBadEnable, "got %q", s)
		}
		return ExternalTrigger(n), nil
	default:
		return Enable{}, errors.Wrapf(ErrBadEnable, "got %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (e Enable) MarshalText() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *Enable) UnmarshalText(b []byte) error {
	v, err := ParseEnable(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Entry is one row of the task table
type Entry struct {
	// Index is the 1-based position of the entry
	Index int `json:"index"`

	// Segment is the segment the entry plays
	Segment int `json:"segment"`

	// Loop is the number of consecutive plays of Segment, in [1, LoopMax]
	Loop int `json:"loop"`

	// Type is the entry's role in sequence loops
	Type EntryType `json:"type"`

	// SeqLoop is the number of times the run opened by a SequenceStart is
	// played.  Zero for all other types
	SeqLoop int `json:"seqLoop,omitempty"`

	// Next is the index of the following entry; 0 stops
	Next int `json:"next"`

	// Enable is what starts the entry
	Enable Enable `json:"enable"`
}

func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(e.Index))
	b.WriteString(" seg=")
	b.WriteString(strconv.Itoa(e.Segment))
	b.WriteString(" loop=")
	b.WriteString(strconv.Itoa(e.Loop))
	b.WriteString(" type=")
	b.WriteString(e.Type.String())
	if e.Type == SequenceStart {
		b.WriteString(" seq=")
		b.WriteString(strconv.Itoa(e.SeqLoop))
	}
	b.WriteString(" enab=")
	b.WriteString(e.Enable.String())
	b.WriteString(" next=")
	b.WriteString(strconv.Itoa(e.Next))
	return b.String()
}
