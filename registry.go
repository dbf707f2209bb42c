// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

// streamRegistry maps a stream both by its owning Item and, once
// assigned, by its wire id. It backs both the Session's active set and
// its closing set (spec §3: streams finished locally but whose
// RST_STREAM hasn't flushed yet). Callers must hold the Session's mu.
type streamRegistry struct {
	byItem map[*Item]*stream
	byID   map[uint32]*stream
}

func newStreamRegistry() streamRegistry {
	return streamRegistry{
		byItem: make(map[*Item]*stream),
		byID:   make(map[uint32]*stream),
	}
}

func (r *streamRegistry) add(s *stream) {
	r.byItem[s.item] = s
	if s.id != 0 {
		r.byID[s.id] = s
	}
}

// bindID registers a stream's id after the protocol engine assigns one;
// call once, right after submission.
func (r *streamRegistry) bindID(s *stream) {
	if s.id != 0 {
		r.byID[s.id] = s
	}
}

func (r *streamRegistry) removeItem(it *Item) *stream {
	s, ok := r.byItem[it]
	if !ok {
		return nil
	}
	delete(r.byItem, it)
	if s.id != 0 {
		delete(r.byID, s.id)
	}
	return s
}

func (r *streamRegistry) removeID(id uint32) *stream {
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	delete(r.byItem, s.item)
	return s
}

func (r *streamRegistry) byItemHandle(it *Item) (*stream, bool) {
	s, ok := r.byItem[it]
	return s, ok
}

func (r *streamRegistry) byStreamID(id uint32) (*stream, bool) {
	s, ok := r.byID[id]
	return s, ok
}

func (r *streamRegistry) len() int { return len(r.byItem) }

func (r *streamRegistry) all() []*stream {
	out := make([]*stream, 0, len(r.byItem))
	for _, s := range r.byItem {
		out = append(out, s)
	}
	return out
}
