// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/golaborate-awg/comm"
)

const (
	// DefaultTimeout bounds a single command/response exchange
	DefaultTimeout = 5 * time.Second

	// DefaultBlockTimeout bounds a binary block transfer
	DefaultBlockTimeout = 30 * time.Second

	tcpFrameSize = 1500
)

// ErrEmptyResponse is generated when the device answers a query with
// nothing but the terminator
var ErrEmptyResponse = errors.New("empty response from device")

// DeviceError is an entry from the device's error queue
type DeviceError struct {
	Code int
	Msg  string
}

func (e *DeviceError) Error() string {
	return "device error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

// ParseError decodes a response to SYSTem:ERRor?, which is of the form
// `<code>,"<message>"`.  Both "+0,..." and "0, no error" styles are
// accepted.  nil is returned when the code is zero
func ParseError(s string) (*DeviceError, error) {
	s = strings.TrimSpace(s)
	codeS, msg := s, ""
	if i := strings.IndexByte(s, ','); i >= 0 {
		codeS, msg = s[:i], s[i+1:]
	}
	code, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(codeS), "+"))
	if err != nil {
		return nil, errors.Errorf("malformed error response %q", s)
	}
	if code == 0 {
		return nil, nil
	}
	msg = strings.Trim(strings.TrimSpace(msg), `"`)
	return &DeviceError{Code: code, Msg: msg}, nil
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each exchange, DefaultTimeout if zero
	Timeout time.Duration

	// BlockTimeout bounds binary block transfers, DefaultBlockTimeout if zero
	BlockTimeout time.Duration

	// Limiter paces commands when not nil
	Limiter *rate.Limiter
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s *SCPI) blockTimeout() time.Duration {
	if s.BlockTimeout > 0 {
		return s.BlockTimeout
	}
	return DefaultBlockTimeout
}

// pace waits for the limiter, for no longer than d
func (s *SCPI) pace(d time.Duration) error {
	if s.Limiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return errors.Wrap(s.Limiter.Wait(ctx), "pacing command")
}

// exchange leases a connection, wraps it for line traffic, and runs fn.
// Transport errors destroy the connection; device errors do not
func (s *SCPI) exchange(d time.Duration, fn func(raw, line io.ReadWriter) error) error {
	if err := s.pace(d); err != nil {
		return err
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	var transportErr error
	defer func() { s.Pool.ReturnWithError(conn, transportErr) }()
	raw, err := comm.NewTimeout(conn, d)
	if err != nil {
		transportErr = err
		return err
	}
	line, err := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), d)
	if err != nil {
		transportErr = err
		return err
	}
	err = fn(raw, line)
	var de *DeviceError
	if err != nil && !errors.As(err, &de) {
		transportErr = err
	}
	return err
}

func (s *SCPI) handshake(cmds []string) []string {
	if !s.Handshaking {
		return cmds
	}
	cmds = append([]string{"*CLS;"}, cmds...)
	return append(cmds, ";:SYSTem:ERRor?")
}

func checkHandshake(resp string) error {
	de, err := ParseError(resp)
	if err != nil {
		return err
	}
	if de != nil {
		return de
	}
	return nil
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	return s.exchange(s.timeout(), func(_, rw io.ReadWriter) error {
		_, err := io.WriteString(rw, strings.Join(s.handshake(cmds), " "))
		if err != nil || !s.Handshaking {
			return err
		}
		buf := make([]byte, tcpFrameSize)
		n, err := rw.Read(buf)
		if err != nil {
			return err
		}
		return checkHandshake(string(buf[:n]))
	})
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	err := s.exchange(s.timeout(), func(_, rw io.ReadWriter) error {
		_, err := io.WriteString(rw, strings.Join(s.handshake(cmds), " "))
		if err != nil {
			return err
		}
		buf := make([]byte, tcpFrameSize)
		n, err := rw.Read(buf)
		if err != nil {
			return err
		}
		resp = buf[:n]
		if s.Handshaking {
			pieces := bytes.Split(resp, []byte{';'})
			if err = checkHandshake(string(pieces[len(pieces)-1])); err != nil {
				return err
			}
			resp = bytes.Join(pieces[:len(pieces)-1], []byte{';'})
		}
		return nil
	})
	return resp, err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	str := strings.TrimRight(string(resp), "\r\n")
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(resp), "+"))
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// BlockHeader returns the IEEE 488.2 definite length block header for n
// bytes, #<digits><n>
func BlockHeader(n int) string {
	l := strconv.Itoa(n)
	return "#" + strconv.Itoa(len(l)) + l
}

// WriteBlock sends prefix followed by data as a definite length binary
// block and a newline.  If prefix contains a query (for example
// "*OPC?; :TRAC:DATA") the single line response is returned.
func (s *SCPI) WriteBlock(prefix string, data []byte) (string, error) {
	var resp string
	err := s.exchange(s.blockTimeout(), func(raw, line io.ReadWriter) error {
		head := prefix + BlockHeader(len(data))
		msg := make([]byte, 0, len(head)+len(data)+1)
		msg = append(msg, head...)
		msg = append(msg, data...)
		msg = append(msg, '\n')
		if _, err := raw.Write(msg); err != nil {
			return err
		}
		if !strings.Contains(prefix, "?") {
			return nil
		}
		buf := make([]byte, tcpFrameSize)
		n, err := line.Read(buf)
		if err != nil {
			return err
		}
		resp = strings.TrimRight(string(buf[:n]), "\r")
		return nil
	})
	return resp, err
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString(":SYSTem:ERRor?")
	if err != nil {
		return err
	}
	de, err := ParseError(str)
	if err != nil {
		return err
	}
	if de == nil {
		return nil
	}
	return de
}

// AllErrors returns all errors from the device as a list, reading at most
// limit entries
func (s *SCPI) AllErrors(limit int) []error {
	var errs []error
	for i := 0; i < limit; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		var de *DeviceError
		if !errors.As(err, &de) {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString(limit int) (string, error) {
	errs := s.AllErrors(limit)
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
