// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"net/http"
	"sync"
)

// streamState is the per-exchange state machine, spec §4.3. States are
// strictly monotone: a transition backwards is a defect, enforced by
// stream.advance.
type streamState int

const (
	stateNone streamState = iota
	stateWriteHeaders
	stateWriteData
	stateWriteDone
	stateReadHeaders
	stateReadDataStart
	stateReadingBody
	stateReadDone
)

func (s streamState) String() string {
	switch s {
	case stateNone:
		return "None"
	case stateWriteHeaders:
		return "WriteHeaders"
	case stateWriteData:
		return "WriteData"
	case stateWriteDone:
		return "WriteDone"
	case stateReadHeaders:
		return "ReadHeaders"
	case stateReadDataStart:
		return "ReadDataStart"
	case stateReadingBody:
		return "ReadingBody"
	case stateReadDone:
		return "ReadDone"
	default:
		return "Invalid"
	}
}

// stream is one in-flight HTTP/2 request/response exchange. Every
// field is only ever touched while holding the owning Session's mu,
// except pump and sink internals, which have their own synchronization
// since they're also driven by producer/consumer goroutines.
type stream struct {
	sess *Session
	id   uint32 // 0 until assigned by Send
	item *Item

	priority Priority

	pump *bodyPump // nil if the request has no body
	sink *bodySink // nil until ReadDataStart

	waiter chan struct{} // closed (once) when state reaches a watched target or errs

	flow   flow // our budget to send DATA on this stream
	inflow flow // budget we've granted the peer to send DATA to us

	state streamState

	paused         bool
	canBeRestarted bool
	expectContinue bool
	sawEndStream   bool

	firstErr error
	errOnce  sync.Once

	resHeaders *http.Response // final response, set once its HEADERS block is decoded
}

func newStream(sess *Session, item *Item) *stream {
	return &stream{
		sess:     sess,
		item:     item,
		priority: item.Priority,
		waiter:   make(chan struct{}),
	}
}

// advance moves the stream from `from` to `to`. Calling it when the
// stream isn't currently in `from` is a no-op if it is already at `to`
// (idempotent re-delivery of the same wire event), and a panic
// otherwise, including when it has already moved past `to` — the monotonicity invariant is load-bearing enough
// to fail loudly in development rather than silently corrupt a peer
// stream's bookkeeping.
func (s *stream) advance(from, to streamState) {
	if s.state == to {
		return
	}
	if s.state != from {
		panic("h2engine: illegal stream state transition: at " + s.state.String() + ", wanted from " + from.String() + " to " + to.String())
	}
	s.state = to
}

// setErr records the first error/outcome on the stream and wakes its
// waiter. Later calls are no-ops per the propagation policy in spec §7.
func (s *stream) setErr(err error) {
	s.errOnce.Do(func() {
		s.firstErr = err
		s.wake()
	})
}

func (s *stream) wake() {
	select {
	case <-s.waiter:
	default:
		close(s.waiter)
	}
}

// ready reports whether the stream has reached a state RunUntilReadable
// waits for (ReadingBody or later) or has failed.
func (s *stream) ready() bool {
	return s.firstErr != nil || s.state >= stateReadingBody
}
