// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"bytes"
	"io"
	"mime"
	"net/http"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// ContentDecoder is a plug-in "feature" (spec §1: out of scope for the
// core to implement, but the core must have a narrow hook to invoke
// one) that transforms the raw response body stream — for example
// undoing Content-Encoding: gzip. The core wraps the response body
// sink with every registered decoder before handing it to the caller.
type ContentDecoder interface {
	Decode(r io.Reader, resp *http.Response) io.Reader
}

// Sniffer inspects the first bytes of a response body to decide
// something the caller needs before the body can be treated as
// "readable" (spec §4.3's ReadDataStart→ReadingBody transition). The
// only sniffer this module ships is CharsetSniffer; callers may plug in
// their own (a MIME sniffer, for example) via Item.Sniffer.
type Sniffer interface {
	// Feed observes another chunk of the (already content-decoded)
	// body. It returns true once it has made its decision — because it
	// has seen enough bytes, or because force is set (spec §4.3(c):
	// END_STREAM forces the sniffer to commit).
	Feed(chunk []byte, force bool) (ready bool)

	// Wrap returns the reader the caller ultimately sees, given the
	// downstream reader for bytes not already consumed by Feed.
	Wrap(r io.Reader) io.Reader
}

// sniffPeekLimit bounds how many bytes a sniffer may buffer before
// being forced to decide, keeping ReadDataStart from stalling forever
// on a slow trickle of a large response.
const sniffPeekLimit = 1024

// CharsetSniffer decides a response body's text encoding from its
// Content-Type header, falling back to passing bytes through
// unmodified when no charset is declared or recognized: a label string
// resolved via golang.org/x/text/encoding/htmlindex to a concrete
// encoding.Encoding.
type CharsetSniffer struct {
	resp    *http.Response
	peeked  []byte
	decided bool
	enc     encoding.Encoding
}

func NewCharsetSniffer(resp *http.Response) *CharsetSniffer {
	return &CharsetSniffer{resp: resp}
}

func (s *CharsetSniffer) Feed(chunk []byte, force bool) bool {
	if s.decided {
		return true
	}
	s.peeked = append(s.peeked, chunk...)
	if len(s.peeked) >= sniffPeekLimit || force {
		s.enc = s.detect()
		s.decided = true
		return true
	}
	return false
}

func (s *CharsetSniffer) detect() encoding.Encoding {
	ct := s.resp.Header.Get("Content-Type")
	if ct == "" {
		return nil
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil || params["charset"] == "" {
		return nil
	}
	enc, err := htmlindex.Get(params["charset"])
	if err != nil {
		return nil
	}
	return enc
}

func (s *CharsetSniffer) Wrap(r io.Reader) io.Reader {
	full := io.MultiReader(bytes.NewReader(s.peeked), r)
	if s.enc == nil {
		return full
	}
	return transform.NewReader(full, s.enc.NewDecoder())
}

// decodePipeline chains registered ContentDecoders and, if the item
// carries one, a Sniffer, around the raw bodySink — spec §4.5: "wrapped
// by any registered content decoder and, if the message has a content
// sniffer, by the sniffer".
func decodePipeline(sink io.Reader, resp *http.Response, decoders []ContentDecoder, sniffer Sniffer) io.Reader {
	r := sink
	for _, d := range decoders {
		r = d.Decode(r, resp)
	}
	if sniffer != nil {
		r = sniffer.Wrap(r)
	}
	return r
}
