package segment

import "github.com/pkg/errors"

// PackMarkers combines two marker tracks into the instrument's marker
// memory format.  Each point carries m1 + 2*m2 in a nibble and two
// consecutive points share a byte, the earlier one in the low nibble.
// Both tracks must hold only 0 and 1, have equal length, and that length
// must be even.
func PackMarkers(m1, m2 []uint8) ([]byte, error) {
	if len(m1) != len(m2) {
		return nil, errors.Errorf("marker tracks differ in length: %d != %d", len(m1), len(m2))
	}
	if len(m1)%2 != 0 {
		return nil, errors.Errorf("marker length %d is odd", len(m1))
	}
	out := make([]byte, len(m1)/2)
	for i := 0; i < len(m1); i += 2 {
		lo, err := nibble(m1[i], m2[i])
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		hi, err := nibble(m1[i+1], m2[i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i+1)
		}
		out[i/2] = lo | hi<<4
	}
	return out, nil
}

func nibble(a, b uint8) (byte, error) {
	if a > 1 || b > 1 {
		return 0, errors.Errorf("marker values must be 0 or 1, got %d and %d", a, b)
	}
	return a | b<<1, nil
}

// Track returns a marker track of on points at level followed by off
// points at zero
func Track(on, off int, level uint8) []uint8 {
	out := make([]uint8, on+off)
	for i := 0; i < on; i++ {
		out[i] = level
	}
	return out
}
