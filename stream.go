package secretstream

import (
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lukeburns/secret-stream/cipher"
	"github.com/lukeburns/secret-stream/crypto"
	"github.com/lukeburns/secret-stream/noise"
	"github.com/lukeburns/secret-stream/transport"
)

// Fatal protocol errors. The text of the first four is part of the
// protocol surface and must not change.
var (
	// ErrHandshakeFailed reports any cryptographic failure during the
	// handshake: a bad MAC, malformed pattern bytes, or a peer that does
	// not hold the pinned static key.
	ErrHandshakeFailed = errors.New("Noise handshake failed")
	// ErrInvalidHeaderMessage reports a first post-handshake frame whose
	// length is not exactly the 56-byte header frame.
	ErrInvalidHeaderMessage = errors.New("Invalid header message received")
	// ErrInvalidHeader reports a header frame whose stream id does not
	// match the one derived from the handshake transcript.
	ErrInvalidHeader = errors.New("Invalid header received")
	// ErrStreamDestroyed reports an operation on a torn-down stream.
	ErrStreamDestroyed = errors.New("Stream destroyed")
	// ErrStreamStarted reports a second Start on the same stream.
	ErrStreamStarted = errors.New("stream already started")
)

// headerFrameSize is the payload size of the one-time header frame: the
// 32-byte stream id followed by the 24-byte cipher header.
const headerFrameSize = crypto.StreamIDSize + cipher.HeaderSize

type phase uint8

const (
	phaseHandshaking phase = iota
	phaseAwaitingHeader
	phaseEstablished
	phaseClosed
)

// Options contains configuration for creating a Stream.
type Options struct {
	// KeyPair is the long-term identity. A fresh one is generated when
	// nil (unless Handshake is supplied).
	KeyPair *crypto.KeyPair
	// RemotePublicKey pins the expected peer identity. A completed
	// handshake with any other peer fails.
	RemotePublicKey []byte
	// Pattern selects the Noise pattern. Defaults to "XX".
	Pattern string
	// AutoStart attaches the transport during construction. When false,
	// Start must be called exactly once later.
	AutoStart bool
	// Handshake injects a precomputed handshake result, skipping the
	// Noise driver entirely. Used when the handshake was performed on a
	// separate channel.
	Handshake *noise.Result
	// Data is fed through the inbound path immediately after the
	// transport observers are attached, for bytes the caller buffered
	// before the stream was ready.
	Data []byte
	// Ended signals EOF on the inbound side once Data is consumed.
	Ended bool
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		AutoStart: true,
		Pattern:   "XX",
	}
}

// Stream is an end-to-end encrypted duplex byte stream. Both halves of a
// connection construct one, handshake over an attached transport, then
// exchange length-prefixed encrypted frames. Every Write surfaces as
// exactly one data event on the peer, bytewise intact.
//
// All state transitions are serialised by an internal lock that is never
// held while a callback or a transport method runs, so callbacks may
// freely call back into the stream. The one exception is the
// SetContentSize hint of a transport.ContentSizer, which the frame parser
// calls with the lock held.
type Stream struct {
	mu sync.Mutex

	initiator   bool
	keyPair     *crypto.KeyPair
	ownsKeyPair bool
	pattern     string
	pinned      []byte

	remotePublicKey []byte
	handshakeHash   []byte

	phase     phase
	started   bool
	opened    bool
	destroyed bool
	failure   error

	hs        *noise.Handshake
	preshared *noise.Result

	enc *cipher.PushStream
	dec *cipher.PullStream

	parser *transport.FrameParser
	pipe   transport.Pipe
	bridge *transport.Bridge

	writeQueue    [][]byte
	pendingPlain  [][]byte
	outq          [][]byte
	flushing      bool
	endRequested  bool
	endDelivered  bool
	localEnded    bool
	remoteEnded   bool
	backpressured bool

	allocWire  []byte
	allocPlain []byte

	openFired      bool
	handshakeFired bool
	endFired       bool
	closeFired     bool
	errorFired     bool

	onData      func([]byte)
	onOpen      func()
	onConnect   func()
	onHandshake func()
	onEnd       func()
	onDrain     func()
	onClose     func()
	onError     func(error)

	fx []func()
}

// New creates a Stream for one end of a connection. isInitiator fixes the
// handshake role: the initiator sends the first message. pipe is the
// transport to run over; when nil, an in-memory Bridge is created at start
// and its outer end exposed through RawStream.
func New(isInitiator bool, pipe transport.Pipe, opts *Options) (*Stream, error) {
	if opts == nil {
		opts = NewOptions()
	}

	pattern := opts.Pattern
	if pattern == "" {
		pattern = "XX"
	}
	if opts.Handshake == nil {
		if err := noise.ValidatePattern(pattern); err != nil {
			return nil, err
		}
	}

	s := &Stream{
		initiator: isInitiator,
		keyPair:   opts.KeyPair,
		pattern:   pattern,
		preshared: opts.Handshake,
		parser:    transport.NewFrameParser(),
	}
	s.parser.OnFrame = s.handleFrame

	if opts.RemotePublicKey != nil {
		s.pinned = make([]byte, len(opts.RemotePublicKey))
		copy(s.pinned, opts.RemotePublicKey)
	}

	if s.keyPair == nil && s.preshared == nil {
		keyPair, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		s.keyPair = keyPair
		s.ownsKeyPair = true
	}

	logrus.WithFields(logrus.Fields{
		"package":   "secretstream",
		"initiator": isInitiator,
		"pattern":   pattern,
		"autostart": opts.AutoStart,
	}).Debug("stream created")

	if !opts.AutoStart {
		return s, nil
	}
	if err := s.Start(pipe, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Start attaches the transport and begins the session. It runs once,
// either implicitly through AutoStart or explicitly later. opts may carry
// a precomputed Handshake, a buffered head of inbound Data, an Ended
// marker, and a RemotePublicKey pin; other fields are ignored here.
func (s *Stream) Start(pipe transport.Pipe, opts *Options) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrStreamDestroyed
	}
	if s.started {
		s.mu.Unlock()
		return ErrStreamStarted
	}
	s.started = true

	var headData []byte
	headEnded := false
	if opts != nil {
		if opts.Handshake != nil {
			s.preshared = opts.Handshake
		}
		if opts.RemotePublicKey != nil && s.pinned == nil {
			s.pinned = make([]byte, len(opts.RemotePublicKey))
			copy(s.pinned, opts.RemotePublicKey)
		}
		headData = opts.Data
		headEnded = opts.Ended
	}

	if pipe == nil {
		s.bridge = transport.NewBridge()
		pipe, _ = s.bridge.Ends()
	}
	s.pipe = pipe

	if cs, ok := pipe.(transport.ContentSizer); ok {
		s.parser.OnHint = cs.SetContentSize
	}

	// Key the session before any inbound byte can be processed. This also
	// queues our first outbound frames (handshake message or header), so
	// they reach the transport ahead of everything else.
	if s.preshared != nil {
		s.completeHandshake(s.preshared)
	} else {
		if s.keyPair == nil {
			keyPair, err := crypto.GenerateKeyPair()
			if err != nil {
				s.mu.Unlock()
				return err
			}
			s.keyPair = keyPair
			s.ownsKeyPair = true
		}

		role := noise.Responder
		if s.initiator {
			role = noise.Initiator
		}
		hs, err := noise.New(role, s.keyPair, s.pinned, s.pattern)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.hs = hs

		if s.initiator {
			msg, res, err := hs.Send()
			if err != nil {
				s.fatal(ErrHandshakeFailed, err)
			} else {
				s.sendFrame(msg)
				if res != nil {
					s.completeHandshake(res)
				}
			}
		}
	}

	fx := s.takeFx()
	s.mu.Unlock()
	s.run(fx)

	// Observers attach after the session is keyed: a pipe that buffered
	// bytes delivers them synchronously on registration.
	pipe.OnData(s.handleData)
	pipe.OnEnd(s.handleTransportEnd)
	pipe.OnDrain(s.handleDrain)
	pipe.OnError(func(err error) { s.Destroy(err) })
	pipe.OnClose(func() { s.Destroy(nil) })

	logrus.WithFields(crypto.OperationFields("start", "attached", logrus.Fields{
		"initiator": s.initiator,
		"bridged":   s.bridge != nil,
	})).Debug("transport attached")

	if headData != nil {
		s.handleData(headData)
	}
	if headEnded {
		s.handleTransportEnd()
	}
	return nil
}

// Write queues plaintext for delivery as one encrypted frame. Before the
// stream opens, writes are held and flushed in order once the header frame
// is on its way. It returns false when the transport reports backpressure;
// the drain callback fires when writing may continue.
func (s *Stream) Write(b []byte) bool {
	s.mu.Lock()
	if s.destroyed || s.localEnded {
		s.mu.Unlock()
		return false
	}

	if !s.opened {
		buf := make([]byte, len(b))
		copy(buf, b)
		s.writeQueue = append(s.writeQueue, buf)
		s.mu.Unlock()
		return true
	}

	s.seal(b)
	fx := s.takeFx()
	s.mu.Unlock()
	s.run(fx)

	s.mu.Lock()
	backpressured := s.backpressured
	s.mu.Unlock()
	return !backpressured
}

// Alloc reserves a plaintext buffer of n bytes inside a wire-sized frame.
// Writing the returned slice back unchanged lets the stream encrypt in
// place without copying the payload.
func (s *Stream) Alloc(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	wire := make([]byte, transport.FrameLenSize+n+cipher.Overhead)
	s.allocWire = wire
	s.allocPlain = wire[transport.FrameLenSize+1 : transport.FrameLenSize+1+n]
	return s.allocPlain
}

// End finishes the outbound direction. The transport-level end is sent
// once every queued write has flushed; the inbound direction stays open
// until the peer ends too.
func (s *Stream) End() {
	s.mu.Lock()
	if s.destroyed || s.localEnded {
		s.mu.Unlock()
		return
	}
	s.localEnded = true
	s.endRequested = true
	remoteDone := s.remoteEnded
	fx := s.takeFx()
	s.mu.Unlock()
	s.run(fx)

	if remoteDone {
		s.Destroy(nil)
	}
}

// Destroy tears the stream down. The cause, which may be nil for a quiet
// close, is forwarded to the transport; a non-nil cause is also surfaced
// through the error callback. Destroy is idempotent and valid at any point
// in the lifecycle, including before a transport is attached.
func (s *Stream) Destroy(err error) {
	s.mu.Lock()
	s.destroy(err)
	fx := s.takeFx()
	s.mu.Unlock()
	s.run(fx)
}

// Pause suspends inbound processing by pausing the transport.
func (s *Stream) Pause() {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe != nil {
		pipe.Pause()
	}
}

// Resume restarts inbound processing.
func (s *Stream) Resume() {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe != nil {
		pipe.Resume()
	}
}

// PublicKey returns this side's long-term public key, or nil when the
// identity is not yet known.
func (s *Stream) PublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preshared != nil && s.preshared.PublicKey != nil {
		return s.preshared.PublicKey
	}
	if s.keyPair == nil {
		return nil
	}
	return s.keyPair.Public[:]
}

// RemotePublicKey returns the authenticated peer identity. It is nil until
// the handshake completes.
func (s *Stream) RemotePublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePublicKey
}

// HandshakeHash returns the Noise transcript hash bound to this session.
// It is nil until the handshake completes.
func (s *Stream) HandshakeHash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeHash
}

// IsInitiator reports this side's handshake role.
func (s *Stream) IsInitiator() bool {
	return s.initiator
}

// RawStream returns the outer end of the internal Bridge, or nil when an
// external transport was attached. The caller relays its bytes to the
// peer however it likes.
func (s *Stream) RawStream() *transport.BridgeEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridge == nil {
		return nil
	}
	_, outer := s.bridge.Ends()
	return outer
}

// handleData feeds one inbound transport chunk through the frame parser.
func (s *Stream) handleData(chunk []byte) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.parser.Recv(chunk)
	fx := s.takeFx()
	s.mu.Unlock()
	s.run(fx)
}

// handleFrame dispatches one complete frame according to the phase.
// Called by the parser with the lock held.
func (s *Stream) handleFrame(frame []byte) {
	if s.destroyed {
		return
	}

	switch s.phase {
	case phaseHandshaking:
		reply, res, err := s.hs.Recv(frame)
		if err != nil {
			s.fatal(ErrHandshakeFailed, err)
			return
		}
		if reply != nil {
			s.sendFrame(reply)
		}
		if res != nil {
			s.completeHandshake(res)
		}

	case phaseAwaitingHeader:
		if len(frame) != headerFrameSize {
			s.fatal(ErrInvalidHeaderMessage, nil)
			return
		}
		expected := crypto.StreamID(s.handshakeHash, !s.initiator, nil)
		if subtle.ConstantTimeCompare(frame[:crypto.StreamIDSize], expected) != 1 {
			s.fatal(ErrInvalidHeader, nil)
			return
		}
		if err := s.dec.Init(frame[crypto.StreamIDSize:]); err != nil {
			s.fatal(err, nil)
			return
		}
		s.phase = phaseEstablished

	case phaseEstablished:
		_, plain, err := s.dec.Next(frame)
		if err != nil {
			s.fatal(err, nil)
			return
		}
		s.stagePlain(plain)
	}
}

// completeHandshake keys both directions, emits the handshake event, and
// queues the one-time header frame ahead of any user data. Lock held.
func (s *Stream) completeHandshake(res *noise.Result) {
	s.remotePublicKey = append([]byte(nil), res.RemotePublicKey...)
	s.handshakeHash = append([]byte(nil), res.Hash...)

	enc, header, err := cipher.NewPush(res.TX)
	if err != nil {
		s.fatal(err, nil)
		return
	}
	dec, err := cipher.NewPull(res.RX)
	if err != nil {
		s.fatal(err, nil)
		return
	}
	s.enc = enc
	s.dec = dec
	s.hs = nil
	s.phase = phaseAwaitingHeader

	payload := make([]byte, 0, headerFrameSize)
	payload = append(payload, crypto.StreamID(s.handshakeHash, s.initiator, nil)...)
	payload = append(payload, header...)

	logrus.WithFields(crypto.SecureFieldHash(s.handshakeHash, "handshake_hash")).
		WithField("initiator", s.initiator).
		Debug("session keyed, sending header frame")

	s.fx = append(s.fx, func() {
		s.mu.Lock()
		s.handshakeFired = true
		fn := s.onHandshake
		bridge := s.bridge
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
		if bridge != nil {
			bridge.EmitHandshake()
		}
	})
	s.sendFrame(payload)
	s.fx = append(s.fx, s.finishOpen)
}

// finishOpen marks the stream writable, flushes writes held during the
// handshake, and fires open. Runs as a staged effect, lock not held.
func (s *Stream) finishOpen() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.opened = true
	queue := s.writeQueue
	s.writeQueue = nil
	for _, plain := range queue {
		s.seal(plain)
	}
	s.openFired = true
	onOpen := s.onOpen
	onConnect := s.onConnect
	fx := s.takeFx()
	s.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
	if onConnect != nil {
		onConnect()
	}
	s.run(fx)
}

// seal encrypts one plaintext into a wire frame and queues it. The
// reserved buffer from Alloc is recognised and finalised in place; any
// other payload is copied into a fresh frame. Lock held.
func (s *Stream) seal(b []byte) {
	var wire []byte
	if len(b) > 0 && s.allocPlain != nil && len(b) == len(s.allocPlain) && &b[0] == &s.allocPlain[0] {
		wire = s.allocWire
	} else {
		wire = make([]byte, transport.FrameLenSize+len(b)+cipher.Overhead)
		copy(wire[transport.FrameLenSize+1:], b)
	}
	s.allocWire = nil
	s.allocPlain = nil

	transport.PutFrameLen(wire, len(b)+cipher.Overhead)
	if err := s.enc.Next(wire[transport.FrameLenSize:], cipher.TagMessage); err != nil {
		s.fatal(err, nil)
		return
	}
	s.outq = append(s.outq, wire)
}

// sendFrame queues a length-prefixed frame around payload. Lock held.
func (s *Stream) sendFrame(payload []byte) {
	wire, err := transport.AppendFrame(make([]byte, 0, transport.FrameLenSize+len(payload)), payload)
	if err != nil {
		s.fatal(err, nil)
		return
	}
	s.outq = append(s.outq, wire)
}

// flushOut drains the outbound queue into the transport in order. Only
// one drain runs at a time; reentrant calls (a callback writing from
// inside a transport delivery) queue their frames and return, leaving the
// active drain to pick them up.
func (s *Stream) flushOut() {
	for {
		s.mu.Lock()
		if s.flushing || s.destroyed || s.pipe == nil {
			s.mu.Unlock()
			return
		}
		if len(s.outq) == 0 {
			pipe := s.pipe
			sendEnd := s.endRequested && s.opened && !s.endDelivered
			if sendEnd {
				s.endDelivered = true
			}
			s.mu.Unlock()
			if sendEnd {
				pipe.End()
			}
			return
		}
		s.flushing = true
		wire := s.outq[0]
		s.outq = s.outq[1:]
		pipe := s.pipe
		s.mu.Unlock()

		ok := pipe.Write(wire)

		s.mu.Lock()
		s.flushing = false
		if !ok {
			s.backpressured = true
		}
		s.mu.Unlock()
	}
}

// stagePlain schedules delivery of one decrypted payload. Plaintext that
// arrives before a data callback is registered is buffered. Lock held.
func (s *Stream) stagePlain(plain []byte) {
	s.fx = append(s.fx, func() {
		s.mu.Lock()
		fn := s.onData
		if fn == nil {
			s.pendingPlain = append(s.pendingPlain, plain)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		fn(plain)
	})
}

// stageEnd schedules the end event for the inbound direction. Lock held.
func (s *Stream) stageEnd() {
	if s.remoteEnded {
		return
	}
	s.remoteEnded = true
	s.fx = append(s.fx, func() {
		s.mu.Lock()
		s.endFired = true
		fn := s.onEnd
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// handleTransportEnd reacts to EOF on the inbound side of the transport.
// The session mirrors socket semantics: once the peer is done sending, the
// outbound direction finishes too and the stream closes quietly. EOF
// before the stream opened skips straight to the quiet close.
func (s *Stream) handleTransportEnd() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.stageEnd()
	if !s.opened {
		s.destroy(nil)
		fx := s.takeFx()
		s.mu.Unlock()
		s.run(fx)
		return
	}
	if !s.localEnded {
		s.localEnded = true
		s.endRequested = true
	}
	fx := s.takeFx()
	s.mu.Unlock()
	s.run(fx)

	s.Destroy(nil)
}

// handleDrain clears backpressure, forwards the drain event, and pushes
// any frames that queued up while the transport was saturated.
func (s *Stream) handleDrain() {
	s.mu.Lock()
	s.backpressured = false
	fn := s.onDrain
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	s.flushOut()
}

// fatal records a protocol failure and tears the stream down. The fixed
// surface error is what callers observe; the underlying cause, when
// distinct, is logged. Lock held.
func (s *Stream) fatal(err, cause error) {
	fields := logrus.Fields{
		"package": "secretstream",
		"error":   err.Error(),
	}
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	logrus.WithFields(fields).Warn("stream failed")
	s.destroy(err)
}

// destroy transitions to Closed, forwards the cause to the transport, and
// stages the error and close events. Idempotent. Lock held.
func (s *Stream) destroy(err error) {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.phase = phaseClosed
	s.failure = err
	s.writeQueue = nil
	s.outq = nil
	pipe := s.pipe

	// Identities generated for this session die with it. Caller-supplied
	// key pairs are left alone: they may identify other sessions.
	if s.ownsKeyPair && s.keyPair != nil {
		_ = crypto.WipeKeyPair(s.keyPair)
	}

	s.fx = append(s.fx, func() {
		if err != nil {
			s.mu.Lock()
			s.errorFired = true
			fn := s.onError
			s.mu.Unlock()
			if fn != nil {
				fn(err)
			}
		}
		if pipe != nil {
			pipe.Destroy(err)
		}
		s.mu.Lock()
		s.closeFired = true
		fn := s.onClose
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (s *Stream) takeFx() []func() {
	fx := s.fx
	s.fx = nil
	return fx
}

// run executes staged effects in order, then pushes any queued outbound
// frames to the transport.
func (s *Stream) run(fx []func()) {
	for _, f := range fx {
		f()
	}
	s.flushOut()
}
