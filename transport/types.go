// Package transport defines the byte-pipe contract a secret-stream session
// runs over, the frame codec that chops a pipe into discrete messages, and
// the carriers shipped with the module: an in-memory Bridge used when no
// external pipe is supplied, and an adapter over net.Conn.
//
// Example:
//
//	bridge := transport.NewBridge()
//	inner, outer := bridge.Ends()
//
//	outer.OnData(func(chunk []byte) {
//	    // bytes written on the inner end surface here
//	})
//	inner.Write([]byte{...})
package transport

// Pipe is a bidirectional byte conduit. It is event driven: a consumer
// registers its observers once, then the pipe pushes inbound chunks and
// state changes through them.
//
// Write returns false when the pipe is not drained; the writer should hold
// further writes until the drain observer fires. End finishes the outbound
// direction without tearing down the inbound one. Destroy tears down both
// directions, forwarding the cause (which may be nil for a quiet close).
type Pipe interface {
	Write(p []byte) bool
	End()
	Destroy(err error)
	Resume()
	Pause()

	OnData(fn func(chunk []byte))
	OnEnd(fn func())
	OnDrain(fn func())
	OnError(fn func(err error))
	OnClose(fn func())
}

// ContentSizer is optionally implemented by pipes that can make use of
// remaining-body-size hints while a frame is being reassembled, for
// flow-sized carriers.
type ContentSizer interface {
	SetContentSize(n int)
}
