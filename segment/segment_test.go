package segment

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/golaborate-awg/waveform"
)

type call struct {
	op string
	id int
	n  int
}

type recorder struct {
	calls  []call
	failAt int
}

func (r *recorder) DefineSegment(id int, payload []uint16) error {
	r.calls = append(r.calls, call{"wave", id, len(payload)})
	if id == r.failAt {
		return errors.New("instrument error 222")
	}
	return nil
}

func (r *recorder) WriteMarkers(id int, markers []byte) error {
	r.calls = append(r.calls, call{"mark", id, len(markers)})
	return nil
}

func words(n int) []uint16 {
	return make([]uint16, n)
}

func TestAllocatorStartsAtOneAndIncrements(t *testing.T) {
	a := NewAllocator(nil)
	for want := 1; want <= 5; want++ {
		id, err := a.Allocate(words(128), 64)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 5, a.Len())
	assert.Equal(t, 6, a.Next())
	assert.True(t, a.Allocated(5))
	assert.False(t, a.Allocated(0))
	assert.False(t, a.Allocated(6))
}

func TestAllocatorRejectsMisalignedWithoutConsumingID(t *testing.T) {
	a := NewAllocator(nil)
	_, err := a.Allocate(words(100), 100)
	assert.True(t, errors.Is(err, waveform.ErrNotAligned))
	_, err = a.Allocate(nil, 1)
	assert.True(t, errors.Is(err, waveform.ErrEmpty))
	id, err := a.Allocate(words(64), 64)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestAllocatorRejectsMisalignedPoints(t *testing.T) {
	a := NewAllocator(nil)
	_, err := a.Allocate(words(64), 32)
	assert.True(t, errors.Is(err, waveform.ErrNotAligned), "32 I/Q samples in 64 words")
	assert.Equal(t, 0, a.Len())
	id, err := a.Allocate(words(128), 64)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestMarkersRequireExistingSegment(t *testing.T) {
	a := NewAllocator(nil)
	err := a.AllocateMarkers(1, make([]byte, 32))
	assert.True(t, errors.Is(err, ErrUnknownSegment))

	id, err := a.Allocate(words(128), 64)
	require.NoError(t, err)
	assert.True(t, errors.Is(a.AllocateMarkers(id, make([]byte, 31)), ErrMarkerLength))
	require.NoError(t, a.AllocateMarkers(id, make([]byte, 32)))
	assert.True(t, errors.Is(a.AllocateMarkers(id, make([]byte, 32)), ErrMarkersTwice))
}

func TestCommitOrdersWaveformBeforeMarkers(t *testing.T) {
	a := NewAllocator(nil)
	for i := 0; i < 3; i++ {
		id, err := a.Allocate(words(128), 64)
		require.NoError(t, err)
		if i != 1 {
			require.NoError(t, a.AllocateMarkers(id, make([]byte, 32)))
		}
	}
	r := &recorder{}
	require.NoError(t, a.Commit(r))
	assert.Equal(t, []call{
		{"wave", 1, 128}, {"mark", 1, 32},
		{"wave", 2, 128},
		{"wave", 3, 128}, {"mark", 3, 32},
	}, r.calls)

	_, err := a.Allocate(words(64), 64)
	assert.Equal(t, ErrCommitted, err)
}

func TestCommitStopsAtFirstError(t *testing.T) {
	a := NewAllocator(nil)
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(words(64), 64)
		require.NoError(t, err)
	}
	r := &recorder{failAt: 2}
	err := a.Commit(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment 2")
	assert.Len(t, r.calls, 2)
}

func TestPackMarkers(t *testing.T) {
	m1 := []uint8{1, 1, 0, 1}
	m2 := []uint8{0, 1, 1, 0}
	got, err := PackMarkers(m1, m2)
	require.NoError(t, err)
	// points: 1, 3, 2, 1 -> bytes 0x31, 0x12
	assert.Equal(t, []byte{0x31, 0x12}, got)
}

func TestPackMarkersRejectsBadInput(t *testing.T) {
	_, err := PackMarkers([]uint8{1}, []uint8{1})
	assert.Error(t, err)
	_, err = PackMarkers([]uint8{1, 0}, []uint8{1})
	assert.Error(t, err)
	_, err = PackMarkers([]uint8{2, 0}, []uint8{0, 0})
	assert.Error(t, err)
}

func TestTrack(t *testing.T) {
	assert.Equal(t, []uint8{1, 1, 0, 0, 0}, Track(2, 3, 1))
	assert.Equal(t, []uint8{0, 0}, Track(2, 0, 0))
}

func TestChecksumDependsOnPayload(t *testing.T) {
	a := Checksum([]uint16{1, 2, 3})
	b := Checksum([]uint16{1, 2, 4})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Checksum([]uint16{1, 2, 3}))
	assert.Equal(t, []byte{0x34, 0x12}, LittleEndian([]uint16{0x1234}))
}
