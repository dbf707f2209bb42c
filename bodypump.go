// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"errors"
	"io"
	"sync"
)

// ErrWouldBlock is returned by PollableSource.ReadNonBlock when no
// bytes are available right now but the source hasn't hit EOF or a
// real error. It never escapes the package (spec §7: WouldBlock is
// never surfaced).
var ErrWouldBlock = errors.New("h2engine: would block")

// Source is a request body producer. A plain Source is treated as
// "non-pollable" per spec §4.4: the pump never calls Read from the
// session's loop, only from a background goroutine it owns.
type Source interface {
	io.Reader
}

// PollableSource is the preferred, zero-copy-to-caller request body
// kind: it can attempt a genuinely non-blocking read straight into the
// buffer the protocol engine handed the pump, and tell the pump when to
// try again.
type PollableSource interface {
	// ReadNonBlock behaves like io.Reader.Read but must never block;
	// if no data is ready yet it returns (0, ErrWouldBlock).
	ReadNonBlock(p []byte) (n int, err error)

	// OnReadable arranges for fn to be called (exactly once) the next
	// time a ReadNonBlock call would likely succeed. Implementations
	// typically attach fn to a runtime.Poller or an event-loop source.
	OnReadable(fn func())
}

// bodyPump adapts a Source into a pull-based feed of DATA frame
// payloads, holding at most one outstanding scratch read for
// non-pollable sources. It is safe for concurrent use between the
// session's write loop and a background read goroutine.
type bodyPump struct {
	st     *stream
	src    Source
	logger Logger
	item   *Item

	mu       sync.Mutex
	buffered []byte
	eof      bool
	err      error
	reading  bool
	scratch  []byte
}

func newBodyPump(st *stream, src Source, logger Logger, item *Item) *bodyPump {
	return &bodyPump{st: st, src: src, logger: logger, item: item}
}

// fill supplies up to len(buf) bytes for a DATA frame. resume is called
// (from whatever goroutine completes the pending operation) when the
// pump has gone from "nothing to report" to "something to report";
// the caller (the session's write loop) responds by re-driving writes
// for this stream, mirroring resume_data() in spec §4.4.
//
// Return values mirror the spec's pull callback contract:
//   n>0:      that many bytes are ready; write a DATA frame with them.
//   eof:      no body remains; write DATA with END_STREAM and no payload
//             (or fold END_STREAM into the last non-empty frame).
//   deferred: nothing available yet; the stream is suspended until
//             resume fires.
//   err:      the source is broken; reset the stream.
func (p *bodyPump) fill(buf []byte, resume func()) (n int, eof bool, deferred bool, err error) {
	p.mu.Lock()
	if len(p.buffered) > 0 {
		n = copy(buf, p.buffered)
		p.buffered = p.buffered[n:]
		p.mu.Unlock()
		p.logDispatched(n)
		return n, false, false, nil
	}
	if p.eof {
		p.mu.Unlock()
		return 0, true, false, nil
	}
	if p.err != nil {
		e := p.err
		p.mu.Unlock()
		return 0, false, false, e
	}
	p.mu.Unlock()

	if ps, ok := p.src.(PollableSource); ok {
		return p.fillPollable(ps, buf, resume)
	}
	return p.fillBlocking(buf, resume)
}

func (p *bodyPump) fillPollable(ps PollableSource, buf []byte, resume func()) (int, bool, bool, error) {
	n, err := ps.ReadNonBlock(buf)
	switch {
	case err == ErrWouldBlock:
		ps.OnReadable(resume)
		return 0, false, true, nil
	case n > 0:
		p.logDispatched(n)
		return n, false, false, nil
	case err == io.EOF || err == nil:
		return 0, true, false, nil
	default:
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		return 0, false, false, err
	}
}

func (p *bodyPump) fillBlocking(buf []byte, resume func()) (int, bool, bool, error) {
	p.mu.Lock()
	if p.reading {
		p.mu.Unlock()
		return 0, false, true, nil
	}
	p.reading = true
	if cap(p.scratch) < len(buf) {
		p.scratch = make([]byte, len(buf))
	}
	scratch := p.scratch[:len(buf)]
	p.mu.Unlock()

	go func() {
		n, err := p.src.Read(scratch)
		p.mu.Lock()
		p.reading = false
		if n > 0 {
			p.buffered = append(p.buffered[:0], scratch[:n]...)
		}
		if err == io.EOF {
			if n == 0 {
				p.eof = true
			}
			// else: EOF observed alongside data is latched once
			// the buffered bytes above are drained, on the next
			// fill() call finding an empty p.src to Read again;
			// Read is documented to return EOF again on the next
			// call in that case (io.Reader contract).
		} else if err != nil {
			p.err = err
		}
		p.mu.Unlock()
		resume()
	}()
	return 0, false, true, nil
}

func (p *bodyPump) logDispatched(n int) {
	if p.logger != nil {
		p.logger.LogRequestData(p.item, n)
	}
}
