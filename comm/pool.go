package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int
	timeout time.Duration           // time after the last return to free all connections
	lease   chan struct{}           // one token per connection given out
	idle    chan io.ReadWriteCloser // connections ready for reuse
	maker   CreationFunc

	mu    sync.Mutex
	timer *time.Timer
}

// NewPool returns a pool of at most maxSize connections made by maker.
// Connections are closed once all of them have been returned and timeout
// has elapsed
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		lease:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contestion
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
// ReturnWithError chooses between the two.
//
// If the error from Get is not nil, you must not return it
// to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.lease <- struct{}{}

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.lease
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.idle <- rw.(io.ReadWriteCloser)
	<-p.lease
	if len(p.lease) == 0 {
		p.armReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.lease
}

// ReturnWithError returns rw to the pool if err is nil and destroys it
// otherwise.  It is meant to be deferred with the error of the exchange
// that used rw
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.idle) + len(p.lease)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.lease)
}

// Close frees every idle connection now
func (p *Pool) Close() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.drain()
}

func (p *Pool) armReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, p.drain)
}

func (p *Pool) drain() {
	for {
		select {
		case c := <-p.idle:
			c.Close()
		default:
			return
		}
	}
}
