// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"io"
	"net"
	"time"
)

// Transport is everything a Session needs from the underlying byte
// stream: blocking read and write, plus the deadline controls net.Conn
// already provides. This is the "downward API" spec §6 describes — an
// already-open, already-negotiated connection — realized directly by
// net.Conn rather than a bespoke interface, the same ambient choice
// the teacher's own transport.go makes for *tls.Conn.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

var _ Transport = (net.Conn)(nil)

// ioDriver is the Go realization of spec's I/O Driver component. The
// C original needs a readiness-registration API because its event
// loop is cooperative and single-threaded; here readLoop and writeLoop
// are real goroutines, so a blocking Read/Write already parks on the
// Go runtime's network poller the same way a GMainContext source
// would wake on readiness. ioDriver's only remaining job is applying
// an optional per-operation deadline around each call.
type ioDriver struct {
	t Transport

	// ReadTimeout/WriteTimeout, when non-zero, bound every individual
	// Read/Write the driver issues. Zero means block indefinitely, the
	// same as a bare net.Conn with no deadline ever set.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func newIODriver(t Transport) *ioDriver { return &ioDriver{t: t} }

func (d *ioDriver) Read(p []byte) (int, error) {
	if d.ReadTimeout > 0 {
		d.t.SetReadDeadline(time.Now().Add(d.ReadTimeout))
	}
	return d.t.Read(p)
}

func (d *ioDriver) Write(p []byte) (int, error) {
	if d.WriteTimeout > 0 {
		d.t.SetWriteDeadline(time.Now().Add(d.WriteTimeout))
	}
	return d.t.Write(p)
}

func (d *ioDriver) Close() error { return d.t.Close() }
