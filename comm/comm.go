/*Package comm provides connection plumbing for instruments reached over TCP or serial.

Most usages of this package will boil down to:
	1.  build a CreationFunc with BackingOffTCPConnMaker or SerialConnMaker, which knows how to open one
		connection to the instrument
	2.  hand it to NewPool, which leases connections and closes them when
		they have been idle for a while
	3.  wrap a leased connection with NewTerminator and NewTimeout for
		line-oriented command/response traffic

	pool := comm.NewPool(1, 30*time.Second, comm.BackingOffTCPConnMaker("192.168.0.40:5025", 3*time.Second))
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	rw, err := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), 5*time.Second)
*/
package comm

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not
	// found in a response that fills the read buffer
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoSerialConf is generated when a serial connection is requested
	// without a port configuration
	ErrNoSerialConf = errors.New("serial connection requires a port configuration")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr.  Dialing is retried with an
// exponential backoff, instruments do not like being connection thrashed
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to %s", addr)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		if conf == nil {
			return nil, ErrNoSerialConf
		}
		p, err := serial.OpenPort(conf)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", conf.Name)
		}
		return p, nil
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Terminator appends a transmit terminator to every write and reads until
// the receive terminator, which is stripped
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator wraps rw with the given receive and transmit terminators
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends b followed by the transmit terminator.  The returned count
// excludes the terminator
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, len(b)+1)
	copy(buf, b)
	buf[len(b)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read reads into b until the receive terminator arrives.  The
// terminator is not included in the count
func (t *Terminator) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := t.rw.Read(b[n:])
		n += m
		if n > 0 && b[n-1] == t.rx {
			return n - 1, nil
		}
		if err != nil {
			return n, err
		}
	}
	return n, ErrTerminatorNotFound
}

// SetDeadline forwards to the wrapped connection when it supports deadlines
func (t *Terminator) SetDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetDeadline(d)
	}
	return nil
}

// Timeout refreshes the deadline of the wrapped connection before every
// read and write
type Timeout struct {
	rw io.ReadWriter
	dl deadliner
	d  time.Duration
}

// NewTimeout wraps rw so that each read or write must complete within d.
// Connections without deadlines (serial ports, which carry their own read
// timeout) are returned unwrapped
func NewTimeout(rw io.ReadWriter, d time.Duration) (io.ReadWriter, error) {
	dl, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	if err := dl.SetDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return &Timeout{rw: rw, dl: dl, d: d}, nil
}

func (t *Timeout) Read(b []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.rw.Read(b)
}

func (t *Timeout) Write(b []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}
