// Copyright 2014 The Go Authors.
// See https://code.google.com/p/go/source/browse/CONTRIBUTORS
// Licensed under the same terms as Go itself:
// https://code.google.com/p/go/source/browse/LICENSE

// Package hpack implements HPACK, a compression format for
// efficiently representing HTTP header fields in the context of HTTP/2.
//
// See https://tools.ietf.org/html/rfc7541
package hpack

import (
	"errors"
	"fmt"
)

// A HeaderField is a name-value pair. Both the name and value are
// treated as opaque sequences of octets.
type HeaderField struct {
	Name, Value string

	// Sensitive, if true, means that this header field should never be
	// compressed into the dynamic table and should be re-sent as a
	// literal every time, per RFC 7541 §7.1.
	Sensitive bool
}

func (f HeaderField) size() uint32 {
	// http2 hpack RFC 7541 §4.1: "The size of an entry is the sum of
	// its name's length in octets, its value's length in octets, and 32."
	return uint32(len(f.Name) + len(f.Value) + 32)
}

// dynamicTable is the per-session header compression table. It is a
// FIFO of header fields bounded by a byte-size budget, maintained
// identically on the encode and decode side per RFC 7541 §2.3.2.
type dynamicTable struct {
	ents    []HeaderField // ents[0] is the most recently added entry
	size    uint32
	maxSize uint32
}

func (t *dynamicTable) setMaxSize(v uint32) {
	t.maxSize = v
	t.evictTo(v)
}

func (t *dynamicTable) evictTo(newSize uint32) {
	for t.size > newSize {
		last := len(t.ents) - 1
		t.size -= t.ents[last].size()
		t.ents = t.ents[:last]
	}
}

// add inserts f as the most recent entry, evicting older entries as
// necessary to respect maxSize. If f alone is larger than maxSize the
// table ends up empty, per RFC 7541 §4.4.
func (t *dynamicTable) add(f HeaderField) {
	if f.size() > t.maxSize {
		t.evictTo(0)
		return
	}
	t.evictTo(t.maxSize - f.size())
	t.ents = append([]HeaderField{f}, t.ents...)
	t.size += f.size()
}

// at returns the dynamic table entry at 1-based index i, where i=1 is
// the most recently added entry.
func (t *dynamicTable) at(i int) (HeaderField, bool) {
	if i < 1 || i > len(t.ents) {
		return HeaderField{}, false
	}
	return t.ents[i-1], true
}

var (
	errInvalidIndex    = errors.New("hpack: invalid header field index")
	errNeedMore        = errors.New("hpack: incomplete header block")
	errInvalidHuffman  = errors.New("hpack: huffman encoding not supported")
	errTableSizeUpdate = errors.New("hpack: dynamic table size update must precede header fields in the same block")
)

// A Decoder is the decoding context for incremental processing of
// header blocks. It is not safe for concurrent use; the session engine
// drives it exclusively from its read loop.
type Decoder struct {
	dyn  dynamicTable
	Emit func(f HeaderField)

	buf     []byte // leftover bytes from a previous Write that didn't form a full field
	sawAny  bool   // whether any header field has been emitted in the current block
}

// NewDecoder returns a new decoder with the given maximum dynamic table
// size, matching the session's own advertised SETTINGS_HEADER_TABLE_SIZE.
func NewDecoder(maxDynamicTableSize uint32, emit func(HeaderField)) *Decoder {
	d := &Decoder{Emit: emit}
	d.dyn.setMaxSize(maxDynamicTableSize)
	return d
}

// SetMaxDynamicTableSize adjusts the decoder's table budget, mirroring
// a SETTINGS_HEADER_TABLE_SIZE change applied locally.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) {
	d.dyn.setMaxSize(v)
}

// Close resets per-block state. It does not discard the dynamic table,
// which spans the whole connection.
func (d *Decoder) Close() error {
	d.buf = nil
	d.sawAny = false
	return nil
}

// Write feeds a chunk of a header block (the concatenation of a HEADERS
// frame and any CONTINUATION frames) to the decoder. Partial encodings
// that straddle a Write boundary are buffered until the rest arrives.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	for len(d.buf) > 0 {
		n, err := d.parseField()
		if err == errNeedMore {
			break
		}
		if err != nil {
			return len(p), err
		}
		d.buf = d.buf[n:]
	}
	return len(p), nil
}

// parseField parses and emits (or applies) a single representation at
// the start of d.buf. It returns the number of bytes consumed.
func (d *Decoder) parseField() (int, error) {
	b := d.buf
	if len(b) == 0 {
		return 0, errNeedMore
	}
	switch {
	case b[0]&0x80 != 0: // Indexed Header Field: 1xxxxxxx
		idx, n, err := readVarInt(7, b)
		if err != nil {
			return 0, err
		}
		f, ok := d.resolveIndex(int(idx))
		if !ok {
			return 0, errInvalidIndex
		}
		d.sawAny = true
		d.Emit(f)
		return n, nil

	case b[0]&0xc0 == 0x40: // Literal with Incremental Indexing: 01xxxxxx
		f, n, err := d.readLiteral(b, 6)
		if err != nil {
			return 0, err
		}
		d.sawAny = true
		d.dyn.add(f)
		d.Emit(f)
		return n, nil

	case b[0]&0xf0 == 0x00: // Literal without Indexing: 0000xxxx
		f, n, err := d.readLiteral(b, 4)
		if err != nil {
			return 0, err
		}
		d.sawAny = true
		d.Emit(f)
		return n, nil

	case b[0]&0xf0 == 0x10: // Literal Never Indexed: 0001xxxx
		f, n, err := d.readLiteral(b, 4)
		if err != nil {
			return 0, err
		}
		f.Sensitive = true
		d.sawAny = true
		d.Emit(f)
		return n, nil

	case b[0]&0xe0 == 0x20: // Dynamic Table Size Update: 001xxxxx
		if d.sawAny {
			return 0, errTableSizeUpdate
		}
		v, n, err := readVarInt(5, b)
		if err != nil {
			return 0, err
		}
		d.dyn.setMaxSize(uint32(v))
		return n, nil
	}
	return 0, fmt.Errorf("hpack: unrecognized representation byte %#x", b[0])
}

func (d *Decoder) resolveIndex(i int) (HeaderField, bool) {
	if i == 0 {
		return HeaderField{}, false
	}
	if i <= len(staticTable) {
		return staticTable[i-1], true
	}
	return d.dyn.at(i - len(staticTable))
}

// readLiteral reads a literal header field representation whose
// name-index field occupies the low nameIdxBits bits of the first byte.
func (d *Decoder) readLiteral(b []byte, nameIdxBits byte) (HeaderField, int, error) {
	nameIdx, n, err := readVarInt(nameIdxBits, b)
	if err != nil {
		return HeaderField{}, 0, err
	}
	var name string
	if nameIdx == 0 {
		s, sn, err := readString(b[n:])
		if err != nil {
			return HeaderField{}, 0, err
		}
		name = s
		n += sn
	} else {
		f, ok := d.resolveIndex(int(nameIdx))
		if !ok {
			return HeaderField{}, 0, errInvalidIndex
		}
		name = f.Name
	}
	value, vn, err := readString(b[n:])
	if err != nil {
		return HeaderField{}, 0, err
	}
	n += vn
	return HeaderField{Name: name, Value: value}, n, nil
}

// readString reads an HPACK string literal: a length prefix (7-bit,
// high bit = Huffman flag) followed by that many octets.
func readString(b []byte) (string, int, error) {
	if len(b) == 0 {
		return "", 0, errNeedMore
	}
	huffman := b[0]&0x80 != 0
	l, n, err := readVarInt(7, b)
	if err != nil {
		return "", 0, err
	}
	if huffman {
		return "", 0, errInvalidHuffman
	}
	if uint64(len(b)-n) < l {
		return "", 0, errNeedMore
	}
	return string(b[n : n+int(l)]), n + int(l), nil
}

// readVarInt reads an RFC 7541 §5.1 integer whose prefix occupies the
// low n bits of b[0]. It returns the decoded value and the number of
// bytes consumed.
func readVarInt(n byte, b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errNeedMore
	}
	mask := byte(1<<n - 1)
	v := uint64(b[0] & mask)
	if v < uint64(mask) {
		return v, 1, nil
	}
	// Multi-byte form: continuation bytes with a 7-bit payload each,
	// high bit set on all but the last.
	var m uint64
	i := 1
	for {
		if i >= len(b) {
			return 0, 0, errNeedMore
		}
		c := b[i]
		v += uint64(c&0x7f) << m
		i++
		if c&0x80 == 0 {
			return v, i, nil
		}
		m += 7
		if m > 63 {
			return 0, 0, errors.New("hpack: integer overflow")
		}
	}
}
