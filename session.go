// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/arrowcore/h2engine/hpack"
)

// headerDenylist is the set of request headers the session never
// forwards verbatim, per spec §4.1: these are either connection-level
// concerns HTTP/2 doesn't have (Connection, Keep-Alive,
// Proxy-Connection, Upgrade) or implied by framing instead of a header
// (Transfer-Encoding).
var headerDenylist = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// Session is one HTTP/2 protocol session over one already-open
// connection. It owns every Stream created on it; CloseAsync waits for
// every stream to drain, and a connection-fatal error (teardown) fails
// every remaining stream, per spec §3.
//
// A Session runs two goroutines: readLoop, the only reader of frames
// and the only user of the HPACK decoder, and writeLoop, which drains
// the write scheduler onto the Framer. Other public methods take s.mu
// and queue frames on the write scheduler for writeLoop; Send also
// encodes request headers with the shared HPACK encoder while holding
// s.mu. There is no "in_callback_depth" counter.
type Session struct {
	ConnID uint64

	Logger   Logger
	ErrorLog *log.Logger
	Decoders []ContentDecoder

	conn io.ReadWriteCloser
	fr   *Framer
	henc *hpack.Encoder
	hbuf *headerEncodeBuf
	hdec *hpack.Decoder

	// Header block decoding state, live only between a HEADERS frame
	// lacking END_HEADERS and its closing CONTINUATION(s). RFC 7540
	// §6.10 forbids interleaving frames from other streams mid-block,
	// so this single set of fields is sufficient for the whole session.
	inHeaderBlock  bool
	headerBlockSID uint32
	curStream      *stream
	curResp        *http.Response
	curTrailer     http.Header
	curIsTrailer   bool
	curEndStream   bool
	curHeaderBytes int

	mu sync.Mutex

	streams streamRegistry
	closing streamRegistry

	connFlow flow // our budget to send DATA, shared by every stream's flow
	inflow   flow // budget we've granted the peer on the connection overall

	nextStreamID             uint32
	peerMaxFrameSize         uint32
	peerMaxConcurrentStreams uint32
	peerInitialWindowSize    uint32

	writeSched *priorityWriteScheduler
	writeCh    chan struct{}

	shutdown   bool
	terminated bool
	goawaySent bool
	goAway     *GoAwayFrame

	closeWaiters []chan struct{}

	lastErr     error
	lastErrOnce sync.Once

	readerDone chan struct{}
	writerDone chan struct{}
}

// NewSession performs the HTTP/2 client preface and settings handshake
// on t and starts the session's two loop goroutines. t is assumed
// already open, authenticated, and ALPN-negotiated to "h2" — everything
// spec §1 places out of this core's scope.
func NewSession(connID uint64, t Transport) (*Session, error) {
	conn := newIODriver(t)
	s := &Session{
		ConnID:                   connID,
		conn:                     conn,
		fr:                       NewFramer(conn, conn),
		streams:                  newStreamRegistry(),
		closing:                  newStreamRegistry(),
		nextStreamID:             1,
		peerMaxFrameSize:         defaultPeerMaxFrameSize,
		peerMaxConcurrentStreams: defaultPeerMaxConcurrentStreams,
		peerInitialWindowSize:    defaultPeerInitialWindowSize,
		writeSched:               newPriorityWriteScheduler(),
		writeCh:                  make(chan struct{}, 1),
		readerDone:               make(chan struct{}),
		writerDone:               make(chan struct{}),
	}
	s.connFlow.n = 65535
	s.hbuf = &headerEncodeBuf{}
	s.henc = hpack.NewEncoder(s.hbuf)
	s.hdec = hpack.NewDecoder(sessionHeaderTableSize, s.onHeaderField)

	if _, err := conn.Write(clientPrefaceBytes); err != nil {
		return nil, err
	}
	if err := s.fr.WriteSettings(initialSettings()...); err != nil {
		return nil, err
	}
	if err := s.fr.WriteWindowUpdate(0, connFlowBump); err != nil {
		return nil, err
	}
	if err := s.fr.Flush(); err != nil {
		return nil, err
	}
	s.inflow.n = sessionInitialWindowSize

	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// headerEncodeBuf is the session HPACK encoder's output buffer;
// encodeHeaders resets it at the start of each call and copies out the
// encoded block.
type headerEncodeBuf struct{ buf []byte }

func (b *headerEncodeBuf) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// --- public API, spec §6 "Upward API" ---

// Send registers a new stream for item and queues its HEADERS (and
// DATA, unless Expect: 100-continue is set) for the write loop. It
// returns once submission has been accepted, not once bytes have hit
// the wire; actual I/O happens on the loop goroutines.
func (s *Session) Send(item *Item, onDone func(Outcome, *http.Response, error)) error {
	s.mu.Lock()
	if s.shutdown || s.terminated || s.goAway != nil {
		s.mu.Unlock()
		return ErrClientConnClosed
	}
	if s.nextStreamID > maxClientStreamID {
		s.mu.Unlock()
		return ErrStreamIDUnavailable
	}

	item.onDone = onDone
	st := newStream(s, item)
	st.id = s.nextStreamID
	s.nextStreamID += 2
	st.flow.n = int32(s.peerInitialWindowSize)
	st.flow.setConnFlow(&s.connFlow)
	st.inflow.n = sessionInitialWindowSize
	st.inflow.setConnFlow(&s.inflow)
	item.st = st
	s.streams.add(st)

	expectContinue := item.Req.Header.Get("Expect") == "100-continue"
	hasBody := item.Req.Body != nil || item.Body != nil
	st.expectContinue = expectContinue && hasBody

	hdrs, hdrBytes := s.encodeHeaders(item.Req)
	item.Metrics.RequestHeaderBytes += int64(hdrBytes)
	s.queueHeaders(st, hdrs, !hasBody)

	if hasBody && !st.expectContinue {
		s.attachBodyPump(st, item)
	}
	s.mu.Unlock()
	s.kickWriter()
	return nil
}

// Finish finalizes a stream: if the peer hasn't already finished
// sending its response, an RST_STREAM with NO_ERROR (normal
// completion) or CANCEL (interruption) goes out and the stream sits in
// the closing registry until it's been written. Either way, its
// completion callback runs.
func (s *Session) Finish(item *Item, cause Outcome) {
	s.mu.Lock()
	st, ok := s.streams.byItemHandle(item)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.streams.removeItem(item)
	if s.terminated {
		// teardown has already run this item's completion callback.
		s.mu.Unlock()
		return
	}

	code := ErrCodeNo
	if cause == OutcomeCancelled {
		code = ErrCodeCancel
	}
	if st.state < stateReadDone {
		s.closing.add(st)
		s.queueRSTStream(st, code)
	}
	s.mu.Unlock()

	s.finishItem(item, st, cause, nil)
	s.kickWriter()
	s.maybeTerminateAfterLastStream()
}

func (s *Session) finishItem(item *Item, st *stream, cause Outcome, err error) {
	if item.onDone == nil {
		return
	}
	var resp *http.Response
	if st.resHeaders != nil {
		resp = st.resHeaders
	}
	item.onDone(cause, resp, err)
}

// Pause marks a stream paused, as IsPaused reports; wire I/O continues
// regardless. The mark does not hold back RunUntilReadable: once the
// stream is readable, RunUntilReadable returns whether or not it is
// paused.
func (s *Session) Pause(item *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams.byItemHandle(item); ok {
		st.paused = true
	}
}

// Unpause clears the paused mark and wakes the stream's waiter if the
// stream is already readable.
func (s *Session) Unpause(item *Item) {
	s.mu.Lock()
	st, ok := s.streams.byItemHandle(item)
	if ok {
		st.paused = false
		if st.ready() {
			st.wake()
		}
	}
	s.mu.Unlock()
}

func (s *Session) IsPaused(item *Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams.byItemHandle(item)
	return ok && st.paused
}

// Skip discards the remaining response body: RST_STREAM(STREAM_CLOSED)
// and any further DATA from the peer is ignored.
func (s *Session) Skip(item *Item, blocking bool) error {
	s.mu.Lock()
	st, ok := s.streams.byItemHandle(item)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.streams.removeItem(item)
	s.closing.add(st)
	s.queueRSTStream(st, ErrCodeStreamClosed)
	if st.sink != nil {
		st.sink.Close()
	}
	s.mu.Unlock()
	s.kickWriter()
	if blocking {
		s.flushWrites()
	}
	return nil
}

func (s *Session) InProgress(item *Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams.byItemHandle(item)
	return ok
}

// RunUntilReadable blocks until item's stream reaches ReadingBody or
// fails, or ctx is done.
func (s *Session) RunUntilReadable(ctx context.Context, item *Item) error {
	s.mu.Lock()
	st, ok := s.streams.byItemHandle(item)
	if !ok {
		s.mu.Unlock()
		return ErrClientConnClosed
	}
	if st.ready() && !st.paused {
		err := st.firstErr
		s.mu.Unlock()
		return err
	}
	waiter := st.waiter
	s.mu.Unlock()

	select {
	case <-waiter:
		s.mu.Lock()
		err := st.firstErr
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		s.cancelItem(item, ctx.Err())
		return ctx.Err()
	}
}

// RunUntilReadableAsync is RunUntilReadable's non-blocking variant: the
// returned channel receives exactly one value.
func (s *Session) RunUntilReadableAsync(ctx context.Context, item *Item) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.RunUntilReadable(ctx, item) }()
	return ch
}

func (s *Session) cancelItem(item *Item, cause error) {
	s.mu.Lock()
	st, ok := s.streams.byItemHandle(item)
	if ok {
		st.setErr(newEngineError(ErrKindCancelled, false, cause))
	}
	s.mu.Unlock()
	if ok {
		s.Finish(item, OutcomeCancelled)
	}
}

// ResponseBody returns the (decoded, sniffed) response body reader for
// item, once its stream has reached ReadDataStart or later.
func (s *Session) ResponseBody(item *Item) io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams.byItemHandle(item)
	if !ok || st.resHeaders == nil {
		return nil
	}
	return st.resHeaders.Body
}

// Response returns the status line and headers decoded for item, once
// its final (non-1xx) response header block has been decoded, or nil
// before that. Its Body field is the same reader ResponseBody returns.
func (s *Session) Response(item *Item) *http.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams.byItemHandle(item)
	if !ok {
		return nil
	}
	return st.resHeaders
}

// IsOpen reports whether the session still accepts new streams.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.shutdown && !s.terminated && s.goAway == nil
}

// IsReusable is, for this engine, identical to IsOpen.
func (s *Session) IsReusable() bool { return s.IsOpen() }

// Done returns a channel that closes once the session has fully torn
// down, whether by a local CloseAsync, a protocol-fatal error, or the
// peer closing the connection. Unlike CloseAsync, calling Done never
// itself requests a close.
func (s *Session) Done() <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.closeWaiters = append(s.closeWaiters, ch)
	s.mu.Unlock()
	return ch
}

// Err returns the error that tore the session down, or nil if it is
// still open or was closed gracefully via CloseAsync.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// CloseAsync initiates graceful shutdown: a GOAWAY is queued, and the
// returned channel is closed once it has been flushed and every stream
// has drained from both registries. A call made while already shutting
// down does not resubmit GOAWAY: its channel closes together with the
// first call's, or at once if the session has already torn down.
func (s *Session) CloseAsync(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.shutdown || s.terminated {
		s.closeWaiters = append(s.closeWaiters, ch)
		already := s.terminated
		s.mu.Unlock()
		if already {
			close(ch)
		}
		return ch
	}
	s.shutdown = true
	s.closeWaiters = append(s.closeWaiters, ch)
	s.queueGoAway(ErrCodeNo)
	s.mu.Unlock()
	s.kickWriter()
	return ch
}

// --- request submission internals, spec §4.1 ---

// encodeHeaders must be called with s.mu held: it drives the session's
// single shared HPACK encoder, whose dynamic table spans every request
// on the connection.
func (s *Session) encodeHeaders(req *http.Request) (block []byte, hdrBytes int) {
	s.hbuf.buf = s.hbuf.buf[:0]
	writeField := func(name, val string) {
		s.henc.WriteField(hpack.HeaderField{Name: name, Value: val})
		hdrBytes += len(name) + len(val)
	}

	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "https"
	}
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	if (scheme == "https" && strings.HasSuffix(authority, ":443")) ||
		(scheme == "http" && strings.HasSuffix(authority, ":80")) {
		if h, _, err := splitHostPort(authority); err == nil {
			authority = h
		}
	}
	path := req.URL.Path
	if req.Method == http.MethodOptions && path == "" {
		path = "*"
	} else {
		if path == "" {
			path = "/"
		}
		if req.URL.RawQuery != "" {
			path += "?" + req.URL.RawQuery
		}
	}

	writeField(":method", req.Method)
	writeField(":scheme", scheme)
	writeField(":authority", authority)
	writeField(":path", path)

	for k, vv := range req.Header {
		if headerDenylist[strings.ToLower(k)] {
			continue
		}
		lowKey := strings.ToLower(k)
		for _, v := range vv {
			writeField(lowKey, v)
		}
	}
	return append([]byte(nil), s.hbuf.buf...), hdrBytes
}

func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", fmt.Errorf("h2engine: missing port in %q", hostport)
	}
	return hostport[:i], hostport[i+1:], nil
}

// queueHeaders enqueues the stream's HEADERS frame (and any
// CONTINUATION it needs) onto the write scheduler. Must be called with
// s.mu held.
func (s *Session) queueHeaders(st *stream, block []byte, endStream bool) {
	frameSize := int(s.peerMaxFrameSize)
	first := true
	for {
		chunk := block
		if len(chunk) > frameSize {
			chunk = chunk[:frameSize]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var wm frameWriteMsg
		if first {
			hf := HeadersFrameParam{StreamID: st.id, BlockFragment: chunk, EndStream: endStream, EndHeaders: endHeaders}
			if st.priority != PriorityNormal {
				hf.HasPriority = true
				hf.Priority = prioritySpec(st.priority)
			}
			wm = frameWriteMsg{stream: st, write: writeFramerFunc(func(fr *Framer) error { return fr.WriteHeaders(hf) })}
			first = false
		} else {
			c := chunk
			wm = frameWriteMsg{stream: st, write: writeFramerFunc(func(fr *Framer) error { return fr.WriteContinuation(st.id, endHeaders, c) })}
		}
		s.writeSched.add(wm)
		if endHeaders {
			break
		}
	}
	if st.state == stateNone {
		st.advance(stateNone, stateWriteHeaders)
	}
	if endStream {
		st.advance(stateWriteHeaders, stateWriteDone)
	}
}

// attachBodyPump wires item's request body into the write scheduler as
// a series of DATA frames. Must be called with s.mu held.
func (s *Session) attachBodyPump(st *stream, item *Item) {
	src := item.Body
	if src == nil && item.Req.Body != nil {
		src = item.Req.Body
	}
	st.pump = newBodyPump(st, src, s.Logger, item)
	s.queueNextData(st)
}

// queueNextData asks the stream's body pump for its next chunk and
// enqueues a DATA frame for it, or marks the stream write-done on EOF.
// Must be called with s.mu held; when the body source fails it
// releases s.mu around failStream, which takes the lock itself, and
// re-takes it before returning.
func (s *Session) queueNextData(st *stream) {
	buf := make([]byte, frameScratchSize(s.peerMaxFrameSize))
	resume := func() { s.resumeData(st) }
	n, eof, deferred, err := st.pump.fill(buf, resume)
	if deferred {
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.failStream(st, newEngineError(ErrKindTransportIO, false, err))
		s.mu.Lock()
		return
	}
	if eof {
		s.writeSched.add(frameWriteMsg{stream: st, write: &writeData{streamID: st.id, p: nil, endStream: true}})
		if st.state == stateWriteHeaders {
			st.advance(stateWriteHeaders, stateWriteDone)
		} else {
			st.advance(stateWriteData, stateWriteDone)
		}
		return
	}
	if st.state == stateWriteHeaders {
		st.advance(stateWriteHeaders, stateWriteData)
	}
	payload := append([]byte(nil), buf[:n]...)
	st.item.Metrics.RequestBodyBytes += int64(n)
	s.writeSched.add(frameWriteMsg{stream: st, write: &writeData{streamID: st.id, p: payload, endStream: false}})
}

// resumeData is the Go analogue of nghttp2_session_resume_data: called
// from whatever goroutine completed an async request-body read, it
// re-arms the write scheduler for that stream.
func (s *Session) resumeData(st *stream) {
	s.mu.Lock()
	if st.state >= stateWriteDone || s.terminated {
		s.mu.Unlock()
		return
	}
	s.queueNextData(st)
	s.mu.Unlock()
	s.kickWriter()
}

func frameScratchSize(peerMax uint32) int {
	const cap_ = 64 << 10
	if peerMax > cap_ {
		return cap_
	}
	return int(peerMax)
}

// SetPriority changes a live stream's priority and, if it has already
// been submitted, emits a PRIORITY frame reflecting the new weight
// (spec §4.1).
func (s *Session) SetPriority(item *Item, p Priority) {
	s.mu.Lock()
	st, ok := s.streams.byItemHandle(item)
	if !ok {
		s.mu.Unlock()
		return
	}
	st.priority = p
	if sq, ok2 := s.writeSched.sq[st.id]; ok2 {
		sq.weight = p.weight()
	}
	id := st.id
	s.mu.Unlock()
	s.queuePriority(id, p)
	s.kickWriter()
}

func (s *Session) queuePriority(streamID uint32, p Priority) {
	s.mu.Lock()
	s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error {
		return fr.WritePriority(streamID, prioritySpec(p))
	})})
	s.mu.Unlock()
}

// queueRSTStream and queueGoAway must be called with s.mu held.

// queueRSTStream enqueues the RST_STREAM itself, plus a callback that
// drops st from the closing registry once it has actually gone out. A
// locally-finished stream sits in the closing registry, tolerating
// stray frames still in flight from the peer, only until its
// RST_STREAM has been serialized onto the wire.
func (s *Session) queueRSTStream(st *stream, code ErrCode) {
	id := st.id
	s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error {
		err := fr.WriteRSTStream(id, code)
		if err == nil {
			s.mu.Lock()
			s.closing.removeID(id)
			s.mu.Unlock()
		}
		return err
	}), stream: nil})
	s.writeSched.removeStream(id)
}

func (s *Session) queueGoAway(code ErrCode) {
	if s.goawaySent {
		return
	}
	s.goawaySent = true
	maxID := s.maxAssignedStreamID()
	s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error {
		return fr.WriteGoAway(maxID, code, nil)
	})})
}

func (s *Session) maxAssignedStreamID() uint32 {
	if s.nextStreamID <= 1 {
		return 0
	}
	return s.nextStreamID - 2
}
