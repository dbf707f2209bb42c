// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"context"
	"net/http"
	"time"
)

// Outcome is how a stream finished, passed to an Item's completion
// callback and to Finish.
type Outcome int

const (
	// OutcomeDone means the exchange completed normally, whether or
	// not the caller drained the whole response body.
	OutcomeDone Outcome = iota
	// OutcomeCancelled means the caller cancelled the item's context
	// before completion.
	OutcomeCancelled
	// OutcomeRestart means the stream failed in a way spec §4.3/§7
	// marks restartable: the caller should retry the same Item on a
	// fresh connection, not surface an error to its own caller.
	OutcomeRestart
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// Metrics is the per-message instrumentation spec §6 names: byte
// counters split by direction and phase, plus response timing. The
// Session updates it while holding its own mutex (from Send and from
// its read/write loops); it carries no lock of its own, so the caller
// reads it once the item has finished.
type Metrics struct {
	RequestHeaderBytes  int64
	RequestBodyBytes    int64
	ResponseHeaderBytes int64
	ResponseBodyBytes   int64
	ResponseStart       time.Time
	ResponseEnd         time.Time
}

// Item is one HTTP/2 request/response exchange submitted to a Session.
// It is the "message handle" of spec §3: stable across a restart onto a
// fresh connection, unlike the stream id, which is assigned per attempt.
type Item struct {
	Req      *http.Request
	Priority Priority

	// Body, if non-nil, is pulled from to produce request DATA frames.
	// When nil but Req.Body is non-nil, the engine reads Req.Body
	// directly as a blocking (non-pollable) Source (see bodypump.go).
	Body Source

	// Metrics is filled in as the exchange proceeds.
	Metrics Metrics

	// Sniffer, if set, gates the ReadDataStart->ReadingBody transition
	// (spec §4.3(c)) on its own notion of "enough bytes to decide",
	// rather than the transition happening as soon as headers arrive.
	Sniffer Sniffer

	// Informational, if set, is notified of every 1xx response this
	// item's stream receives, in addition to whatever 100-Continue
	// handling the engine performs on its own.
	Informational InformationalHook

	// Ctx is carried with the item but not watched by the Session:
	// RunUntilReadable is cancelled through the context passed to it,
	// and the body pump and sink do not select on Ctx.
	Ctx context.Context

	// onDone, if set via Send, is invoked exactly once when the stream
	// reaches a terminal state, on whichever goroutine finishes it (a
	// session loop, a request-body read, or a caller of Finish). It
	// must not block or call back into the Session.
	onDone func(Outcome, *http.Response, error)

	st *stream // set once a stream has been assigned
}

func (it *Item) context() context.Context {
	if it.Ctx != nil {
		return it.Ctx
	}
	return context.Background()
}
