// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package h2engine implements the client side of HTTP/2: the session
// and stream multiplexing engine that drives any number of concurrent
// request/response exchanges over one transport connection.
//
// It does not dial connections, negotiate TLS or ALPN, or speak
// HTTP/1.x; callers hand it an already-open net.Conn tagged with a
// connection id and get back a Session. Everything above that —
// connection pooling, retries, redirects — lives in Pool and the
// caller, not here.
package h2engine

const (
	// ClientPreface is the connection preface a client must send
	// before any frames, per RFC 7540 §3.5.
	ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	// NextProtoTLS is the ALPN protocol ID this engine expects the
	// connection to have already negotiated.
	NextProtoTLS = "h2"
)

var clientPrefaceBytes = []byte(ClientPreface)

// VerboseLogs, when true, causes protocol errors that end a Session's
// read loop to be logged via its ErrorLog (or the standard logger when
// ErrorLog is nil); individual frames are not logged. It is a package-level
// switch, not a per-Session one, matching the teacher's own
// http2.VerboseLogs knob.
var VerboseLogs = false
