// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

// flow is the flow-control accounting for one side of one window
// (connection-level or stream-level). Unlike earlier drafts of this
// package, flow carries no lock of its own: every flow value reachable
// from a *Session is guarded by that Session's mu, the same way
// clientConn.mu guards cc.flow and cs.flow in the reference transport.
type flow struct {
	// n is the number of DATA bytes we're allowed to send (for an
	// outbound flow) or receive (for an inbound flow) right now.
	n int32

	// conn points to the shared connection-level flow that every
	// stream-level flow is also charged against, or nil for the
	// connection-level flow itself.
	conn *flow
}

func (f *flow) setConnFlow(cf *flow) { f.conn = cf }

// available returns the number of bytes currently available, capped by
// the connection-level window when this is a stream-level flow.
func (f *flow) available() int32 {
	n := f.n
	if f.conn != nil && f.conn.n < n {
		n = f.conn.n
	}
	return n
}

// take deducts n bytes from this flow and, if present, from the shared
// connection-level flow. The caller must have already checked
// available() >= n.
func (f *flow) take(n int32) {
	if n > f.available() {
		panic("internal error: took more than available")
	}
	f.n -= n
	if f.conn != nil {
		f.conn.n -= n
	}
}

// add adds n bytes (possibly negative) to the window. It returns false,
// leaving the window unchanged, if the result would overflow the 31-bit
// window RFC 7540 §6.9 requires we reject with FLOW_CONTROL_ERROR, and
// true otherwise.
func (f *flow) add(n int32) bool {
	sum := f.n + n
	if (n > 0 && sum < f.n) || (n < 0 && sum > f.n) {
		return false
	}
	f.n = sum
	return true
}
