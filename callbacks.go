package secretstream

// Callback registration. Lifecycle events are sticky: registering after an
// event already fired invokes the callback immediately, so callers do not
// race construction-time handshakes (a pre-keyed stream over a Bridge
// opens before New returns).

// OnData sets the callback invoked once per inbound frame with its
// decrypted payload. Payloads decrypted before registration are buffered
// and delivered, in order, when the callback is set.
func (s *Stream) OnData(fn func(data []byte)) {
	s.mu.Lock()
	s.onData = fn
	pending := s.pendingPlain
	s.pendingPlain = nil
	s.mu.Unlock()

	for _, plain := range pending {
		fn(plain)
	}
}

// OnOpen sets the callback invoked once the stream is ready to emit and
// receive plaintext: the handshake is complete and the header frame is on
// its way.
func (s *Stream) OnOpen(fn func()) {
	s.mu.Lock()
	s.onOpen = fn
	fired := s.openFired
	s.mu.Unlock()
	if fired {
		fn()
	}
}

// OnConnect sets a second callback for the open event, kept as a separate
// slot for compatibility with socket-shaped consumers.
func (s *Stream) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = fn
	fired := s.openFired
	s.mu.Unlock()
	if fired {
		fn()
	}
}

// OnHandshake sets the callback invoked when the session keys are derived,
// immediately before the header frame is emitted. It fires at most once
// and never later than open.
func (s *Stream) OnHandshake(fn func()) {
	s.mu.Lock()
	s.onHandshake = fn
	fired := s.handshakeFired
	s.mu.Unlock()
	if fired {
		fn()
	}
}

// OnEnd sets the callback invoked when the inbound direction finishes.
func (s *Stream) OnEnd(fn func()) {
	s.mu.Lock()
	s.onEnd = fn
	fired := s.endFired
	s.mu.Unlock()
	if fired {
		fn()
	}
}

// OnDrain sets the callback invoked when a backpressured transport is
// ready for more writes.
func (s *Stream) OnDrain(fn func()) {
	s.mu.Lock()
	s.onDrain = fn
	s.mu.Unlock()
}

// OnClose sets the callback invoked once the stream has fully torn down.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	fired := s.closeFired
	s.mu.Unlock()
	if fired {
		fn()
	}
}

// OnError sets the callback invoked with the fatal error that destroyed
// the stream. A quiet close does not produce an error.
func (s *Stream) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onError = fn
	fired := s.errorFired
	failure := s.failure
	s.mu.Unlock()
	if fired && failure != nil {
		fn(failure)
	}
}
