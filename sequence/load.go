package sequence

import (
	"io"

	yaml "gopkg.in/yaml.v2"
)

// DecodeError is generated when a sequence document cannot be read or
// decoded
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return e.Op + " sequence: " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Load reads a YAML sequence from r and validates it.  Unknown keys are
// rejected.  The envelope of each pulse (key mod) may be given by name or
// by its numeric code:
//
//	blocks:
//	  - repeat: 10000
//	    block:
//	      pulses:
//	        - {amp: 1, mod: square, length: 100e-6, phase: 90, spacing: 100e-6}
//	        - {amp: 1, mod: 1, length: 100e-6, phase: 90, spacing: 100e-6}
//	      reps: [5, 5]
//	      markers: [1, 1]
//	      trigs: [1, 1]
func Load(r io.Reader) (Sequence, error) {
	var s Sequence
	b, err := io.ReadAll(r)
	if err != nil {
		return s, &DecodeError{Op: "reading", Err: err}
	}
	if err = yaml.UnmarshalStrict(b, &s); err != nil {
		return s, &DecodeError{Op: "decoding", Err: err}
	}
	return s, s.Validate()
}

// Dump encodes s as YAML in the form Load reads
func Dump(w io.Writer, s Sequence) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
