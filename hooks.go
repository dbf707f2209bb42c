// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"log"
	"net/http"
)

// Logger is the request-data logging hook from spec §6, called once
// per chunk *dispatched* to the protocol engine (not once per byte
// actually flushed to the wire — those can differ under flow control).
type Logger interface {
	LogRequestData(item *Item, n int)
}

// InformationalHook is called once per 1xx response a stream receives,
// after any 100-Continue-triggered request body release but before the
// staged response state for that header block is discarded. A 1xx
// response never becomes item's final response; resp.Body is nil.
type InformationalHook interface {
	GotInformational(item *Item, resp *http.Response)
}

// StdLogger adapts a standard library *log.Logger into a Logger, the
// same way the teacher's Transport.logf/vlogf wrap log.Printf.
type StdLogger struct {
	L *log.Logger
}

func (s StdLogger) LogRequestData(item *Item, n int) {
	if s.L == nil {
		return
	}
	s.L.Printf("h2engine: dispatched %d request body byte(s) for %s %s", n, item.Req.Method, item.Req.URL)
}

func (sess *Session) logf(format string, args ...interface{}) {
	if sess.ErrorLog != nil {
		sess.ErrorLog.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (sess *Session) vlogf(format string, args ...interface{}) {
	if VerboseLogs {
		sess.logf(format, args...)
	}
}
