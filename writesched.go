// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

// frameWriteMsg is a pending outbound frame plus what's needed to
// finish writing it and, for DATA, the stream it competes for
// bandwidth against.
type frameWriteMsg struct {
	write  writeFramer
	stream *stream // nil for connection-level frames (SETTINGS, GOAWAY, PING, ...)
}

// writeFramer is implemented by the write*Frame closures below; each
// wraps one concrete Framer call so the scheduler doesn't need to know
// frame-type specifics.
type writeFramer interface {
	writeFrame(fr *Framer) error
}

type writeFramerFunc func(fr *Framer) error

func (f writeFramerFunc) writeFrame(fr *Framer) error { return f(fr) }

// writeData is the one write kind the scheduler treats specially: its
// payload may be split across several actual frames as flow-control
// credit trickles in.
type writeData struct {
	streamID  uint32
	p         []byte
	endStream bool
}

func (w *writeData) writeFrame(fr *Framer) error {
	return fr.WriteData(w.streamID, w.endStream, w.p)
}

// priorityWriteScheduler orders pending frames the way the session's
// write loop drains them: non-stream frames first (SETTINGS acks,
// PING acks, GOAWAY, RST_STREAM), then stream frames chosen by
// round-robin weighted by each stream's HTTP/2 priority weight, with
// DATA frames additionally gated on that stream's flow-control window.
// It is not safe for concurrent use — only the Session's write loop
// touches it.
type priorityWriteScheduler struct {
	zero writeQueue
	sq   map[uint32]*streamQueue

	// order is the round-robin visitation order of stream ids; it is
	// rebuilt lazily and trimmed of ids no longer in sq.
	order []uint32
	next  int
}

type streamQueue struct {
	q      writeQueue
	weight uint32
	credit int64 // deficit-round-robin credit
}

func newPriorityWriteScheduler() *priorityWriteScheduler {
	return &priorityWriteScheduler{sq: make(map[uint32]*streamQueue)}
}

func (ws *priorityWriteScheduler) empty() bool {
	return ws.zero.empty() && len(ws.sq) == 0
}

func (ws *priorityWriteScheduler) add(wm frameWriteMsg) {
	if wm.stream == nil {
		ws.zero.push(wm)
		return
	}
	ws.streamQueue(wm.stream).q.push(wm)
}

func (ws *priorityWriteScheduler) streamQueue(st *stream) *streamQueue {
	sq, ok := ws.sq[st.id]
	if !ok {
		sq = &streamQueue{weight: st.priority.weight()}
		ws.sq[st.id] = sq
		ws.order = append(ws.order, st.id)
	}
	return sq
}

// removeStream drops any pending queue for a stream that's been reset
// or has otherwise stopped needing bandwidth.
func (ws *priorityWriteScheduler) removeStream(id uint32) {
	delete(ws.sq, id)
}

// take returns the next frame to write, or ok=false if nothing is
// currently eligible (e.g. every stream queue's head is a DATA frame
// with no flow-control credit).
func (ws *priorityWriteScheduler) take() (wm frameWriteMsg, ok bool) {
	if !ws.zero.empty() {
		return ws.zero.shift(), true
	}
	if len(ws.sq) == 0 {
		return
	}
	// Prefer any stream whose head frame costs no flow-control
	// tokens (HEADERS, CONTINUATION, empty DATA with END_STREAM).
	for _, id := range ws.order {
		sq, ok := ws.sq[id]
		if !ok || sq.q.empty() {
			continue
		}
		if sq.q.firstIsNoCost() {
			return ws.takeFrom(id, sq)
		}
	}
	// Otherwise deficit-round-robin the DATA-bearing streams: each
	// stream earns a weight-sized quantum of credit the moment its turn
	// comes up and may spend it (bounded further by its flow-control
	// window) on this send, so a weight-32 stream both sends bigger
	// chunks and works through its backlog faster than a weight-1
	// stream sharing the same connection window, instead of every
	// stream getting an identical turn regardless of priority.
	n := len(ws.order)
	for i := 0; i < n; i++ {
		idx := (ws.next + i) % n
		id := ws.order[idx]
		sq, ok := ws.sq[id]
		if !ok || sq.q.empty() {
			continue
		}
		sq.credit += int64(sq.weight)
		wm, sent := ws.takeFrom(id, sq)
		if !sent {
			continue
		}
		if sq.credit > 0 && !sq.q.empty() {
			ws.next = idx // same stream keeps its turn until credit or backlog runs out
		} else {
			ws.next = idx + 1
		}
		return wm, true
	}
	return
}

// takeFrom serves the head of sq's queue. Anything other than a DATA
// frame carrying a payload (HEADERS, CONTINUATION, or a bare
// END_STREAM marker) goes out immediately, free of charge; a DATA
// frame with a payload is capped to the smaller of the stream's
// flow-control window and its current deficit-round-robin credit.
func (ws *priorityWriteScheduler) takeFrom(id uint32, sq *streamQueue) (frameWriteMsg, bool) {
	wm := sq.q.head()
	wd, isData := wm.write.(*writeData)
	if !isData || len(wd.p) == 0 {
		sq.q.shift()
		if sq.q.empty() {
			ws.pruneOrder()
		}
		return wm, true
	}

	allowed := int64(wm.stream.flow.available())
	if allowed <= 0 {
		return wm, false
	}
	send := int64(len(wd.p))
	if allowed < send {
		send = allowed
	}
	if sq.credit < send {
		send = sq.credit
	}
	if send <= 0 {
		return wm, false
	}

	sq.credit -= send
	wm.stream.flow.take(int32(send))
	if send == int64(len(wd.p)) {
		sq.q.shift()
		if sq.q.empty() {
			ws.pruneOrder()
		}
		return wm, true
	}
	chunk := wd.p[:send]
	wd.p = wd.p[send:]
	return frameWriteMsg{
		stream: wm.stream,
		write:  &writeData{streamID: wd.streamID, p: chunk, endStream: false},
	}, true
}

// pruneOrder drops empty, unreferenced queues from both sq and order
// so the round-robin scan above doesn't grow unbounded over a long
// connection's lifetime.
func (ws *priorityWriteScheduler) pruneOrder() {
	kept := ws.order[:0]
	for _, id := range ws.order {
		if sq, ok := ws.sq[id]; ok && !sq.q.empty() {
			kept = append(kept, id)
		} else {
			delete(ws.sq, id)
		}
	}
	ws.order = kept
	if ws.next > len(ws.order) {
		ws.next = 0
	}
}

type writeQueue struct{ s []frameWriteMsg }

func (q *writeQueue) empty() bool { return len(q.s) == 0 }
func (q *writeQueue) push(wm frameWriteMsg) { q.s = append(q.s, wm) }
func (q *writeQueue) head() frameWriteMsg   { return q.s[0] }

func (q *writeQueue) shift() frameWriteMsg {
	wm := q.s[0]
	copy(q.s, q.s[1:])
	q.s[len(q.s)-1] = frameWriteMsg{}
	q.s = q.s[:len(q.s)-1]
	return wm
}

func (q *writeQueue) firstIsNoCost() bool {
	if wd, ok := q.s[0].write.(*writeData); ok {
		return len(wd.p) == 0
	}
	return true
}
