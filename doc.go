// Package secretstream implements an end-to-end encrypted duplex byte
// stream over any ordered byte transport.
//
// A Noise handshake (XX by default) authenticates both peers by their
// long-term public keys and derives two directional stream keys plus a
// shared transcript hash. Each side then sends a single header frame
// binding the session to a transcript-derived stream id, after which
// every Write is delivered to the peer as exactly one authenticated,
// encrypted frame.
//
// Streams run over anything that implements the transport.Pipe contract:
// the bundled net.Conn adapter, the in-memory Bridge, or a caller-defined
// conduit. When no transport is supplied a Bridge is created and its raw
// end exposed, so the caller can relay bytes however it likes.
//
// Example:
//
//	a, err := secretstream.New(true, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b, err := secretstream.New(false, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Relay raw bytes between the two ends.
//	a.RawStream().OnData(func(chunk []byte) { b.RawStream().Write(chunk) })
//	b.RawStream().OnData(func(chunk []byte) { a.RawStream().Write(chunk) })
//
//	b.OnData(func(data []byte) {
//	    fmt.Printf("b received: %s\n", data)
//	})
//	a.OnOpen(func() {
//	    a.Write([]byte("hello"))
//	})
package secretstream
