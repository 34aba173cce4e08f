package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// readBufferSize is the chunk size of the Conn read pump.
const readBufferSize = 64 * 1024

// Conn adapts a net.Conn (TCP, unix socket, net.Pipe) into the Pipe
// contract. A background pump reads from the connection and pushes chunks
// through the data observer; chunks that arrive before the observer is
// registered are buffered and delivered in order.
//
// Observers run on the pump goroutine, writes on the caller's; consumers
// that share state across the two must serialise themselves, which the
// session layer does with its own mutex.
type Conn struct {
	conn net.Conn

	mu       sync.Mutex
	resume   *sync.Cond
	paused   bool
	closed   bool
	draining bool
	pending  [][]byte

	onData  func([]byte)
	onEnd   func()
	onDrain func()
	onError func(error)
	onClose func()
}

// NewConn wraps c and starts its read pump.
func NewConn(c net.Conn) *Conn {
	t := &Conn{conn: c}
	t.resume = sync.NewCond(&t.mu)
	go t.readLoop()
	return t
}

// Write sends p on the connection and blocks until the connection accepts
// it; over net.Pipe that is until the peer end reads it. The pipe always
// reports drained; a write failure tears the pipe down instead.
func (t *Conn) Write(p []byte) bool {
	if _, err := t.conn.Write(p); err != nil {
		t.Destroy(err)
		return false
	}
	return true
}

// End half-closes the outbound direction when the connection supports it,
// falling back to a full close.
func (t *Conn) End() {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := t.conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			logrus.WithFields(logrus.Fields{
				"package": "transport",
				"error":   err.Error(),
			}).Debug("half-close failed, closing connection")
			t.Destroy(nil)
		}
		return
	}
	t.Destroy(nil)
}

// Destroy closes the connection and reports the cause to the observers.
// It is idempotent.
func (t *Conn) Destroy(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	onError := t.onError
	onClose := t.onClose
	t.resume.Broadcast()
	t.mu.Unlock()

	t.conn.Close()

	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
}

// Pause suspends the read pump after its current chunk.
func (t *Conn) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume restarts the read pump.
func (t *Conn) Resume() {
	t.mu.Lock()
	t.paused = false
	t.resume.Broadcast()
	t.mu.Unlock()
}

// OnData registers the data observer and delivers any buffered chunks.
func (t *Conn) OnData(fn func(chunk []byte)) {
	t.mu.Lock()
	t.onData = fn
	t.mu.Unlock()
	t.drainPending()
}

// OnEnd registers the end observer.
func (t *Conn) OnEnd(fn func()) {
	t.mu.Lock()
	t.onEnd = fn
	t.mu.Unlock()
}

// OnDrain registers the drain observer. The adapter never withholds
// drains, so the observer is kept only for contract completeness.
func (t *Conn) OnDrain(fn func()) {
	t.mu.Lock()
	t.onDrain = fn
	t.mu.Unlock()
}

// OnError registers the error observer.
func (t *Conn) OnError(fn func(err error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// OnClose registers the close observer.
func (t *Conn) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// readLoop pumps the connection into the data observer until EOF, error,
// or destroy.
func (t *Conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		t.mu.Lock()
		for t.paused && !t.closed {
			t.resume.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		n, err := t.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			t.mu.Lock()
			t.pending = append(t.pending, chunk)
			t.mu.Unlock()
			t.drainPending()
		}
		if err != nil {
			t.finish(err)
			return
		}
	}
}

// drainPending delivers buffered chunks in order. A single drainer runs at
// a time, so a late-registered observer cannot be overtaken by the pump.
func (t *Conn) drainPending() {
	for {
		t.mu.Lock()
		if t.draining || t.onData == nil || len(t.pending) == 0 {
			t.mu.Unlock()
			return
		}
		t.draining = true
		chunk := t.pending[0]
		t.pending = t.pending[1:]
		fn := t.onData
		t.mu.Unlock()

		fn(chunk)

		t.mu.Lock()
		t.draining = false
		t.mu.Unlock()
	}
}

// finish maps the terminal read error: EOF is a graceful end, everything
// else tears the pipe down with the cause.
func (t *Conn) finish(err error) {
	if errors.Is(err, io.EOF) {
		t.mu.Lock()
		fn := t.onEnd
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		// Read failed because Destroy already closed the connection.
		return
	}
	t.Destroy(err)
}
