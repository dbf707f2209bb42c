// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/arrowcore/h2engine/hpack"
)

// readLoop is the only goroutine that ever calls Framer.ReadFrame or
// feeds the HPACK decoder. It owns every piece of per-session read-side
// state (curStream, curResp, ...) without a lock, the same way the
// reference transport's single read goroutine owns cs.bufPipe.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		f, err := s.fr.ReadFrame()
		if err != nil {
			s.teardown(newEngineError(ErrKindTransportIO, true, err))
			return
		}
		if err := s.processFrame(f); err != nil {
			switch e := err.(type) {
			case ConnectionError:
				s.vlogf("h2engine: connection error %s, sending GOAWAY", ErrCode(e))
				s.mu.Lock()
				s.queueGoAway(ErrCode(e))
				s.mu.Unlock()
				s.kickWriter()
				s.flushWrites()
				s.teardown(newEngineError(ErrKindProtocolInternal, false, e))
				return
			case StreamError:
				s.vlogf("h2engine: stream %d error: %s", e.StreamID, e.Code)
				s.mu.Lock()
				st, ok := s.streams.byStreamID(e.StreamID)
				if ok {
					s.queueRSTStream(st, e.Code)
				}
				s.mu.Unlock()
				s.kickWriter()
				if ok {
					s.failStream(st, e)
				}
			default:
				s.vlogf("h2engine: protocol error reading frame: %v", err)
				s.teardown(newEngineError(ErrKindProtocolInternal, false, err))
				return
			}
		}
	}
}

func (s *Session) processFrame(f Frame) error {
	switch fr := f.(type) {
	case *HeadersFrame:
		return s.handleHeaderish(fr.StreamID, fr.HeaderBlockFragment(), fr.HeadersEnded(), true, fr.StreamEnded())
	case *ContinuationFrame:
		return s.handleHeaderish(fr.StreamID, fr.HeaderBlockFragment(), fr.HeadersEnded(), false, false)
	case *DataFrame:
		return s.handleData(fr)
	case *RSTStreamFrame:
		return s.handleRSTStream(fr)
	case *SettingsFrame:
		return s.handleSettings(fr)
	case *PingFrame:
		return s.handlePing(fr)
	case *GoAwayFrame:
		return s.handleGoAway(fr)
	case *WindowUpdateFrame:
		return s.handleWindowUpdate(fr)
	case *PriorityFrame:
		return nil // the client has no priority tree of its own to rebalance
	case *PushPromiseFrame:
		return ConnectionError(ErrCodeProtocol) // we advertise SETTINGS_ENABLE_PUSH=0
	default:
		return nil // unknown frame type: RFC 7540 §4.1, ignore
	}
}

// handleHeaderish feeds one HEADERS or CONTINUATION frame's fragment to
// the shared HPACK decoder, (re)establishing per-block context on the
// frame that opens a block (isNew) and committing the decoded response
// once END_HEADERS closes it.
func (s *Session) handleHeaderish(streamID uint32, frag []byte, endHeaders, isNew, endStream bool) error {
	if isNew {
		s.mu.Lock()
		if s.inHeaderBlock {
			s.mu.Unlock()
			return ConnectionError(ErrCodeProtocol)
		}
		st, ok := s.streams.byStreamID(streamID)
		if !ok {
			st, _ = s.closing.byStreamID(streamID)
		}
		s.curStream = st
		s.headerBlockSID = streamID
		s.curEndStream = endStream
		s.curHeaderBytes = 0
		s.curIsTrailer = st != nil && st.resHeaders != nil
		if s.curIsTrailer {
			s.curTrailer = make(http.Header)
		} else {
			// Only a HEADERS frame arriving once the write side has
			// reached WriteDone advances read state; one that lands
			// earlier (the final response following a 100-Continue
			// that's still releasing a withheld request body, say)
			// leaves state where it is, so the later HEADERS block
			// that actually reaches WriteDone performs the transition.
			if st != nil && st.state == stateWriteDone {
				st.state = stateReadHeaders
			}
			resp := &http.Response{Proto: "HTTP/2.0", ProtoMajor: 2, ProtoMinor: 0, Header: make(http.Header)}
			if st != nil {
				resp.Request = st.item.Req
			}
			s.curResp = resp
		}
		s.inHeaderBlock = !endHeaders
		s.mu.Unlock()
	} else if streamID != s.headerBlockSID {
		return ConnectionError(ErrCodeProtocol)
	}

	if _, err := s.hdec.Write(frag); err != nil {
		return ConnectionError(ErrCodeCompression)
	}

	if endHeaders {
		s.inHeaderBlock = false
		s.hdec.Close()
		s.endHeaderBlock()
	}
	return nil
}

// onHeaderField is the hpack.Decoder's Emit callback. It only ever runs
// on the read loop, between handleHeaderish calls, so it touches
// curResp/curTrailer without locking; the fields it eventually commits
// onto a *stream (resHeaders, Trailer) are written under s.mu in
// endHeaderBlock.
func (s *Session) onHeaderField(f hpack.HeaderField) {
	if s.curStream == nil {
		return // block belongs to a stream we no longer track; drained for table state only
	}
	if s.curIsTrailer {
		s.curTrailer.Add(f.Name, f.Value)
		return
	}
	if len(f.Name) > 0 && f.Name[0] == ':' {
		if f.Name == ":status" {
			if code, err := strconv.Atoi(f.Value); err == nil {
				s.curResp.StatusCode = code
				s.curResp.Status = fmt.Sprintf("%d %s", code, http.StatusText(code))
			}
		}
		return
	}
	s.curResp.Header.Add(f.Name, f.Value)
	s.curHeaderBytes += len(f.Name) + len(f.Value)
}

// endHeaderBlock commits the block decoded since the matching
// handleHeaderish(isNew=true) call: either response headers, an
// informational (1xx) response, or response trailers.
func (s *Session) endHeaderBlock() {
	st := s.curStream
	resp := s.curResp
	trailer := s.curTrailer
	isTrailer := s.curIsTrailer
	endStream := s.curEndStream
	hdrBytes := s.curHeaderBytes
	s.curStream, s.curResp, s.curTrailer = nil, nil, nil
	s.curIsTrailer, s.curEndStream, s.curHeaderBytes = false, false, 0
	if st == nil {
		return
	}

	s.mu.Lock()

	if isTrailer {
		if st.resHeaders != nil {
			for k, vv := range trailer {
				st.resHeaders.Trailer[k] = vv
			}
		}
		if endStream {
			s.deliverEndStream(st)
		}
		s.mu.Unlock()
		return
	}

	if resp.StatusCode/100 == 1 {
		if resp.StatusCode == http.StatusContinue && st.expectContinue {
			st.expectContinue = false
			s.attachBodyPump(st, st.item)
			s.kickWriter()
		}
		s.mu.Unlock()
		// Fired outside s.mu: an Informational hook that calls back into
		// the Session (SetPriority, Finish) must not deadlock against it.
		if st.item.Informational != nil {
			st.item.Informational.GotInformational(st.item, resp)
		}
		return
	}

	resp.Trailer = make(http.Header)
	sink := newBodySink()
	st.sink = sink
	resp.Body = io.NopCloser(decodePipeline(sink, resp, s.Decoders, st.item.Sniffer))
	st.resHeaders = resp
	st.item.Metrics.ResponseHeaderBytes += int64(hdrBytes)
	st.item.Metrics.ResponseStart = time.Now()
	st.advance(stateReadHeaders, stateReadDataStart)

	if st.item.Sniffer == nil {
		st.state = stateReadingBody
	}
	if endStream {
		sink.complete()
		st.sawEndStream = true
		s.deliverEndStream(st)
	} else {
		st.wake()
	}
	s.mu.Unlock()
}

// deliverEndStream must be called with s.mu held.
func (s *Session) deliverEndStream(st *stream) {
	if st.state < stateReadingBody {
		st.state = stateReadingBody
	}
	st.state = stateReadDone
	st.item.Metrics.ResponseEnd = time.Now()
	st.wake()
}

func (s *Session) handleData(f *DataFrame) error {
	data := f.Data()
	n := len(data)

	s.mu.Lock()
	if n > 0 && !s.inflow.add(-int32(n)) {
		s.mu.Unlock()
		return ConnectionError(ErrCodeFlowControl)
	}
	st, ok := s.streams.byStreamID(f.StreamID)
	if !ok {
		st, ok = s.closing.byStreamID(f.StreamID)
	}
	if !ok {
		s.mu.Unlock()
		return nil // stream already gone (e.g. Skip); window already reclaimed above
	}
	if n > 0 && !st.inflow.add(-int32(n)) {
		s.mu.Unlock()
		return StreamError{StreamID: f.StreamID, Code: ErrCodeFlowControl}
	}
	if st.sink != nil {
		if n > 0 {
			st.sink.add(data)
			st.item.Metrics.ResponseBodyBytes += int64(n)
		}
		if st.state == stateReadDataStart {
			sn := st.item.Sniffer
			if sn == nil || sn.Feed(data, f.StreamEnded()) {
				st.state = stateReadingBody
				st.wake()
			}
		}
		if f.StreamEnded() {
			st.sink.complete()
		}
	}
	if f.StreamEnded() {
		s.deliverEndStream(st)
	}
	s.mu.Unlock()

	s.grantWindowUpdate(f.StreamID, n)
	return nil
}

// grantWindowUpdate re-opens the window we just charged handleData
// against, both for the connection and for the specific stream.
func (s *Session) grantWindowUpdate(streamID uint32, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.inflow.add(int32(n))
	s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error {
		return fr.WriteWindowUpdate(0, uint32(n))
	})})
	if st, ok := s.streams.byStreamID(streamID); ok {
		st.inflow.add(int32(n))
		s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error {
			return fr.WriteWindowUpdate(streamID, uint32(n))
		})})
	}
	s.mu.Unlock()
	s.kickWriter()
}

// handleRSTStream applies spec §9's decided reading of the "unprocessed
// REFUSED_STREAM" case: a stream reset with REFUSED_STREAM before its
// response headers arrived is safe to retry on a fresh connection.
func (s *Session) handleRSTStream(f *RSTStreamFrame) error {
	s.mu.Lock()
	st, ok := s.streams.byStreamID(f.StreamID)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	restart := f.ErrCode == ErrCodeRefusedStream && st.state < stateReadHeaders
	s.streams.removeID(f.StreamID)
	s.mu.Unlock()

	outcome := OutcomeDone
	var cause error
	if restart {
		st.canBeRestarted = true
		outcome = OutcomeRestart
		cause = newEngineError(ErrKindStreamRefused, true, fmt.Errorf("h2engine: stream %d refused", f.StreamID))
	} else {
		cause = newEngineError(ErrKindStreamReset, false, fmt.Errorf("h2engine: stream %d reset: %s", f.StreamID, f.ErrCode))
	}
	st.setErr(cause)
	if st.sink != nil {
		st.sink.fail(cause)
	}
	s.finishItem(st.item, st, outcome, cause)
	s.maybeTerminateAfterLastStream()
	return nil
}

func (s *Session) handleSettings(f *SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	s.mu.Lock()
	err := f.ForeachSetting(func(set Setting) error {
		switch set.ID {
		case SettingInitialWindowSize:
			if set.Val > 1<<31-1 {
				return ConnectionError(ErrCodeFlowControl)
			}
			delta := int32(set.Val) - int32(s.peerInitialWindowSize)
			s.peerInitialWindowSize = set.Val
			for _, st := range s.streams.all() {
				if !st.flow.add(delta) {
					return StreamError{StreamID: st.id, Code: ErrCodeFlowControl}
				}
			}
		case SettingMaxFrameSize:
			if set.Val < defaultMaxFrameSize || set.Val > 1<<24-1 {
				return ConnectionError(ErrCodeProtocol)
			}
			s.peerMaxFrameSize = set.Val
		case SettingMaxConcurrentStreams:
			s.peerMaxConcurrentStreams = set.Val
		case SettingHeaderTableSize:
			if set.Val < s.henc.MaxDynamicTableSize {
				s.henc.SetMaxDynamicTableSize(set.Val)
			}
		}
		return nil
	})
	if err == nil {
		s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error { return fr.WriteSettingsAck() })})
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.kickWriter()
	return nil
}

func (s *Session) handlePing(f *PingFrame) error {
	if f.IsAck() {
		return nil
	}
	data := f.Data
	s.mu.Lock()
	s.writeSched.add(frameWriteMsg{write: writeFramerFunc(func(fr *Framer) error { return fr.WritePing(true, data) })})
	s.mu.Unlock()
	s.kickWriter()
	return nil
}

// handleGoAway resolves the Open Question spec §9 raised: streams past
// LastStreamID the peer never acted on are marked restartable whenever
// the GOAWAY carries NO_ERROR (a graceful drain), even though the
// original C implementation this was distilled from does not.
func (s *Session) handleGoAway(f *GoAwayFrame) error {
	graceful := f.ErrCode == ErrCodeNo

	s.mu.Lock()
	s.goAway = f
	var restartable, failed []*stream
	for _, st := range s.streams.all() {
		if st.id <= f.LastStreamID {
			continue
		}
		if graceful {
			restartable = append(restartable, st)
		} else {
			failed = append(failed, st)
		}
	}
	for _, st := range restartable {
		s.streams.removeItem(st.item)
	}
	for _, st := range failed {
		s.streams.removeItem(st.item)
	}
	s.mu.Unlock()

	for _, st := range restartable {
		st.canBeRestarted = true
		cause := newEngineError(ErrKindGoawayGraceful, true, fmt.Errorf("h2engine: goaway before stream %d was processed", st.id))
		st.setErr(cause)
		s.finishItem(st.item, st, OutcomeRestart, cause)
	}
	for _, st := range failed {
		cause := newEngineError(ErrKindGoawayFatal, false, fmt.Errorf("h2engine: goaway: %s", f.ErrCode))
		st.setErr(cause)
		if st.sink != nil {
			st.sink.fail(cause)
		}
		s.finishItem(st.item, st, OutcomeDone, cause)
	}
	if !graceful {
		s.teardown(newEngineError(ErrKindGoawayFatal, false, fmt.Errorf("h2engine: received goaway: %s", f.ErrCode)))
	}
	return nil
}

func (s *Session) handleWindowUpdate(f *WindowUpdateFrame) error {
	s.mu.Lock()
	if f.StreamID == 0 {
		if !s.connFlow.add(int32(f.Increment)) {
			s.mu.Unlock()
			return ConnectionError(ErrCodeFlowControl)
		}
	} else if st, ok := s.streams.byStreamID(f.StreamID); ok {
		if !st.flow.add(int32(f.Increment)) {
			s.mu.Unlock()
			return StreamError{StreamID: f.StreamID, Code: ErrCodeFlowControl}
		}
	}
	s.mu.Unlock()
	s.kickWriter()
	return nil
}

// writeLoop is the only goroutine that ever calls a Framer write
// method. It drains the priority write scheduler, blocking on writeCh
// whenever there is nothing eligible to send, and re-feeds a stream's
// body pump immediately after one of its DATA frames drains, so a fast
// pollable source keeps the wire busy.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		for {
			if s.terminated {
				s.mu.Unlock()
				return
			}
			if !s.writeSched.empty() {
				break
			}
			if s.shutdown && s.streams.len() == 0 && s.closing.len() == 0 {
				s.mu.Unlock()
				s.finalizeShutdown()
				return
			}
			s.mu.Unlock()
			<-s.writeCh
			s.mu.Lock()
		}
		wm, ok := s.writeSched.take()
		if !ok {
			// every eligible queue head is a DATA frame stalled on
			// flow control; wait for a WINDOW_UPDATE to kick us.
			s.mu.Unlock()
			<-s.writeCh
			continue
		}
		s.mu.Unlock()

		if err := wm.write.writeFrame(s.fr); err != nil {
			s.teardown(newEngineError(ErrKindTransportIO, true, err))
			return
		}
		if err := s.fr.Flush(); err != nil {
			s.teardown(newEngineError(ErrKindTransportIO, true, err))
			return
		}

		if st := wm.stream; st != nil && st.pump != nil {
			s.mu.Lock()
			if st.state < stateWriteDone {
				sq, exists := s.writeSched.sq[st.id]
				if !exists || sq.q.empty() {
					s.queueNextData(st)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) kickWriter() {
	select {
	case s.writeCh <- struct{}{}:
	default:
	}
}

func (s *Session) flushWrites() {
	s.mu.Lock()
	fr := s.fr
	s.mu.Unlock()
	fr.Flush()
}

// failStream tears a single stream down without affecting the rest of
// the session, e.g. when its request body source errors.
func (s *Session) failStream(st *stream, cause error) {
	s.mu.Lock()
	s.streams.removeItem(st.item)
	s.mu.Unlock()
	st.setErr(cause)
	if st.sink != nil {
		st.sink.fail(cause)
	}
	s.finishItem(st.item, st, OutcomeDone, cause)
	s.maybeTerminateAfterLastStream()
}

func (s *Session) maybeTerminateAfterLastStream() {
	s.mu.Lock()
	done := s.shutdown && s.streams.len() == 0 && s.closing.len() == 0
	s.mu.Unlock()
	if done {
		s.kickWriter()
	}
}

// teardown is the connection-fatal path: every remaining stream fails
// with cause, the underlying connection is closed, and CloseAsync
// waiters are released.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.lastErrOnce.Do(func() { s.lastErr = cause })
	live := s.streams.all()
	closing := s.closing.all()
	s.mu.Unlock()

	for _, st := range live {
		st.setErr(cause)
		if st.sink != nil {
			st.sink.fail(cause)
		}
		s.finishItem(st.item, st, OutcomeDone, cause)
	}
	for _, st := range closing {
		st.setErr(cause)
		if st.sink != nil {
			st.sink.fail(cause)
		}
	}
	s.conn.Close()
	s.kickWriter()
	s.notifyCloseWaiters()
}

func (s *Session) finalizeShutdown() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	s.conn.Close()
	s.notifyCloseWaiters()
}

func (s *Session) notifyCloseWaiters() {
	s.mu.Lock()
	waiters := s.closeWaiters
	s.closeWaiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
