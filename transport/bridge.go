package transport

// Bridge is an in-memory loopback pipe pair. A session that is started
// without an external transport creates one: the inner end is consumed by
// the session itself and the outer end is handed to the caller, who can
// relay its bytes however it likes.
//
// Bytes written on one end surface as data on the other. End on either end
// propagates to the other, destroy tears down both, and drain semantics are
// preserved across pause and resume. Delivery is synchronous and unlocked,
// matching the single-threaded cooperative model of the session layer.
type Bridge struct {
	inner *BridgeEnd
	outer *BridgeEnd
}

// NewBridge creates a connected pipe pair.
func NewBridge() *Bridge {
	b := &Bridge{
		inner: &BridgeEnd{},
		outer: &BridgeEnd{},
	}
	b.inner.peer = b.outer
	b.outer.peer = b.inner
	return b
}

// Ends returns the two endpoints: the inner end a session consumes and the
// outer end exposed to the caller.
func (b *Bridge) Ends() (inner, outer *BridgeEnd) {
	return b.inner, b.outer
}

// EmitHandshake re-emits a session handshake event on the outer end, so
// callers holding only the raw pipe can still observe completion.
func (b *Bridge) EmitHandshake() {
	if fn := b.outer.onHandshake; fn != nil {
		fn()
	}
}

// BridgeEnd is one endpoint of a Bridge. It implements Pipe.
type BridgeEnd struct {
	peer *BridgeEnd

	paused     bool
	queue      [][]byte
	pendingEnd bool
	wantDrain  bool
	ended      bool
	destroyed  bool
	closed     bool

	onData      func([]byte)
	onEnd       func()
	onDrain     func()
	onError     func(error)
	onClose     func()
	onHandshake func()
}

// Write delivers p to the peer end. It returns false when the peer is
// paused or still draining its queue; the chunk is buffered and the drain
// observer fires once the peer has caught up.
func (e *BridgeEnd) Write(p []byte) bool {
	if e.destroyed || e.ended {
		return false
	}

	peer := e.peer
	if peer.paused || len(peer.queue) > 0 || peer.onData == nil {
		// Queued chunks are copied: the writer is free to reuse its
		// buffer as soon as Write returns.
		buf := make([]byte, len(p))
		copy(buf, p)
		peer.queue = append(peer.queue, buf)
		e.wantDrain = true
		return false
	}

	peer.onData(p)
	return true
}

// End finishes this end's outbound direction; the peer observes end once
// any queued chunks have been delivered. When both directions have ended
// the bridge closes.
func (e *BridgeEnd) End() {
	if e.destroyed || e.ended {
		return
	}
	e.ended = true

	peer := e.peer
	if peer.paused || len(peer.queue) > 0 || peer.onEnd == nil {
		peer.pendingEnd = true
	} else {
		peer.onEnd()
	}
	e.maybeClose()
}

// Destroy tears down both ends, forwarding err (which may be nil for a
// quiet close) to both sides. It is idempotent.
func (e *BridgeEnd) Destroy(err error) {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.queue = nil
	e.peer.Destroy(err)

	if err != nil && e.onError != nil {
		e.onError(err)
	}
	e.emitClose()
}

// Pause suspends data delivery to this end; chunks written by the peer are
// queued until Resume.
func (e *BridgeEnd) Pause() {
	e.paused = true
}

// Resume restarts delivery, flushing any chunks queued while paused and
// signalling drain back to the writer once the queue is empty.
func (e *BridgeEnd) Resume() {
	e.paused = false
	e.flush()
}

// flush delivers queued chunks until the queue empties or delivery pauses
// again from inside a callback.
func (e *BridgeEnd) flush() {
	for len(e.queue) > 0 && !e.paused && !e.destroyed && e.onData != nil {
		chunk := e.queue[0]
		e.queue = e.queue[1:]
		e.onData(chunk)
	}
	if len(e.queue) > 0 || e.paused || e.destroyed {
		return
	}

	if e.pendingEnd && e.onEnd != nil {
		e.pendingEnd = false
		e.onEnd()
		e.peer.maybeClose()
	}

	writer := e.peer
	if writer.wantDrain {
		writer.wantDrain = false
		if writer.onDrain != nil {
			writer.onDrain()
		}
	}
}

// maybeClose closes both ends once both directions have ended.
func (e *BridgeEnd) maybeClose() {
	if e.ended && e.peer.ended {
		e.emitClose()
		e.peer.emitClose()
	}
}

func (e *BridgeEnd) emitClose() {
	if e.closed {
		return
	}
	e.closed = true
	if e.onClose != nil {
		e.onClose()
	}
}

// OnData registers the data observer. Chunks that arrived before
// registration were queued and are delivered immediately.
func (e *BridgeEnd) OnData(fn func(chunk []byte)) {
	e.onData = fn
	e.flush()
}

// OnEnd registers the end observer.
func (e *BridgeEnd) OnEnd(fn func()) {
	e.onEnd = fn
	if e.pendingEnd && !e.paused && len(e.queue) == 0 {
		e.pendingEnd = false
		fn()
		e.peer.maybeClose()
	}
}

// OnDrain registers the drain observer.
func (e *BridgeEnd) OnDrain(fn func()) {
	e.onDrain = fn
}

// OnError registers the error observer.
func (e *BridgeEnd) OnError(fn func(err error)) {
	e.onError = fn
}

// OnClose registers the close observer.
func (e *BridgeEnd) OnClose(fn func()) {
	e.onClose = fn
}

// OnHandshake registers the handshake observer. Only the outer end of a
// session bridge ever sees this event.
func (e *BridgeEnd) OnHandshake(fn func()) {
	e.onHandshake = fn
}
