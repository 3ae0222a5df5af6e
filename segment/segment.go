// Package segment assigns instrument segment numbers to synthesized payloads.
//
// An Allocator lives for one compilation run.  Allocate binds the next
// integer (starting at 1) to a payload and stages it; nothing is sent to
// hardware until Commit, which replays the staged segments in id order
// through an Uploader, waveform first and markers second.  This keeps a
// run that fails while compiling from leaving partial uploads behind.
package segment

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/golaborate-awg/waveform"
)

var (
	// ErrUnknownSegment is generated when markers are attached to an id
	// that has not been allocated in this run
	ErrUnknownSegment = errors.New("segment has not been allocated")

	// ErrMarkersTwice is generated when markers are attached to a segment
	// that already has them
	ErrMarkersTwice = errors.New("segment already has markers")

	// ErrMarkerLength is generated when a marker payload does not cover
	// the segment it belongs to
	ErrMarkerLength = errors.New("marker length does not match segment")

	// ErrCommitted is generated when allocating on an allocator that
	// has already been committed
	ErrCommitted = errors.New("allocator already committed")
)

var crcTable = crc.NewTable(crc.CRC64ECMA)

// Segment is one block of waveform memory
type Segment struct {
	// ID is the 1-based segment number
	ID int `json:"id"`

	// Payload holds the words written to segment memory.  Its length is
	// the segment's sample count
	Payload []uint16 `json:"-"`

	// Markers holds the packed marker bytes, nil if the segment has none
	Markers []byte `json:"-"`

	// Points is the number of waveform points the payload represents;
	// for interleaved I/Q payloads this is half the payload length
	Points int `json:"points"`

	// CRC is the CRC-64/ECMA of the little-endian payload
	CRC uint64 `json:"crc"`
}

// SampleCount is the number of words in the payload
func (s Segment) SampleCount() int {
	return len(s.Payload)
}

// Uploader transmits segments to an instrument
type Uploader interface {
	// DefineSegment creates segment id and fills it with payload
	DefineSegment(id int, payload []uint16) error

	// WriteMarkers attaches packed marker bytes to an existing segment
	WriteMarkers(id int, markers []byte) error
}

// Allocator hands out monotonically increasing segment ids.  It is not
// safe for concurrent use; allocation order is part of the program.
type Allocator struct {
	segs      []Segment
	committed bool
	log       hclog.Logger
}

// NewAllocator returns an Allocator whose first id is 1.  A nil logger
// discards output
func NewAllocator(log hclog.Logger) *Allocator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Allocator{log: log}
}

// Next returns the id the next call to Allocate will assign
func (a *Allocator) Next() int {
	return len(a.segs) + 1
}

// Len returns the number of allocated segments
func (a *Allocator) Len() int {
	return len(a.segs)
}

// Allocated returns true if id was assigned by this allocator
func (a *Allocator) Allocated(id int) bool {
	return id >= 1 && id <= len(a.segs)
}

// Segment returns the segment with the given id
func (a *Allocator) Segment(id int) (Segment, bool) {
	if !a.Allocated(id) {
		return Segment{}, false
	}
	return a.segs[id-1], true
}

// Segments returns all segments in id order
func (a *Allocator) Segments() []Segment {
	out := make([]Segment, len(a.segs))
	copy(out, a.segs)
	return out
}

// Allocate assigns the next id to payload.  points is the number of
// waveform points payload encodes (len(payload) for single channel data,
// len(payload)/2 for interleaved I/Q).  Both the payload length and points
// must be positive multiples of 64 or the payload is rejected and no id is
// consumed.
func (a *Allocator) Allocate(payload []uint16, points int) (int, error) {
	if a.committed {
		return 0, ErrCommitted
	}
	if err := waveform.CheckLength(len(payload)); err != nil {
		return 0, errors.Wrapf(err, "segment %d", a.Next())
	}
	if points <= 0 || len(payload)%points != 0 {
		return 0, errors.Errorf("segment %d: %d points do not divide a payload of %d words", a.Next(), points, len(payload))
	}
	if err := waveform.CheckLength(points); err != nil {
		return 0, errors.Wrapf(err, "segment %d points", a.Next())
	}
	id := a.Next()
	a.segs = append(a.segs, Segment{ID: id, Payload: payload, Points: points, CRC: Checksum(payload)})
	a.log.Trace("segment allocated", "id", id, "words", len(payload))
	return id, nil
}

// AllocateMarkers attaches packed marker bytes to segment id.  id must
// have been returned by Allocate.  Each byte covers two waveform points.
func (a *Allocator) AllocateMarkers(id int, markers []byte) error {
	if a.committed {
		return ErrCommitted
	}
	if !a.Allocated(id) {
		return errors.Wrapf(ErrUnknownSegment, "id %d", id)
	}
	s := &a.segs[id-1]
	if s.Markers != nil {
		return errors.Wrapf(ErrMarkersTwice, "id %d", id)
	}
	if 2*len(markers) != s.Points {
		return errors.Wrapf(ErrMarkerLength, "id %d: %d bytes for %d points", id, len(markers), s.Points)
	}
	s.Markers = markers
	return nil
}

// Commit transmits every staged segment in id order.  Markers for a
// segment are sent immediately after its waveform.  The first error
// aborts the commit and is returned with the offending id attached.
func (a *Allocator) Commit(up Uploader) error {
	if a.committed {
		return ErrCommitted
	}
	a.committed = true
	for _, s := range a.segs {
		a.log.Debug("uploading segment", "id", s.ID, "words", len(s.Payload), "crc", s.CRC)
		if err := up.DefineSegment(s.ID, s.Payload); err != nil {
			return errors.Wrapf(err, "segment %d", s.ID)
		}
		if s.Markers == nil {
			continue
		}
		if err := up.WriteMarkers(s.ID, s.Markers); err != nil {
			return errors.Wrapf(err, "markers of segment %d", s.ID)
		}
	}
	return nil
}

// Checksum returns the CRC-64/ECMA of the little-endian encoding of payload
func Checksum(payload []uint16) uint64 {
	return crcTable.CalculateCRC(LittleEndian(payload))
}

// LittleEndian encodes words as the instrument expects them on the wire
func LittleEndian(payload []uint16) []byte {
	b := make([]byte, 2*len(payload))
	for i, w := range payload {
		b[2*i] = byte(w)
		b[2*i+1] = byte(w >> 8)
	}
	return b
}
