// Copyright 2014 The Go Authors.
// See https://code.google.com/p/go/source/browse/CONTRIBUTORS
// Licensed under the same terms as Go itself:
// https://code.google.com/p/go/source/browse/LICENSE

package hpack

import (
	"io"
)

// An Encoder encodes header fields into HPACK representations, writing
// each WriteField call's output in a single Write to the underlying
// io.Writer. It maintains its own dynamic table, mirroring the peer's
// decoder so that indexed references stay valid.
type Encoder struct {
	w   io.Writer
	dyn dynamicTable
	buf []byte

	// MaxDynamicTableSize bounds how much the encoder is willing to
	// ask the peer to remember. It defaults to 4096 (RFC 7541 §4.2)
	// and is lowered to match SETTINGS_HEADER_TABLE_SIZE from the peer.
	MaxDynamicTableSize uint32
}

const initialHeaderTableSize = 4096

func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w, MaxDynamicTableSize: initialHeaderTableSize}
	e.dyn.setMaxSize(initialHeaderTableSize)
	return e
}

// SetMaxDynamicTableSize lowers (or raises) the encoder's table budget
// and evicts entries at once as needed to fit it. It does not emit a
// dynamic table size update into any header block.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	e.MaxDynamicTableSize = v
	e.dyn.setMaxSize(v)
}

// WriteField encodes f, preferring a reference into the static or
// dynamic table over a literal whenever an exact match already exists,
// and otherwise emits a literal with incremental indexing so that
// repeated fields (user-agent, accept, :scheme, etc.) collapse to a
// single byte on subsequent requests over the same session.
func (e *Encoder) WriteField(f HeaderField) error {
	e.buf = e.buf[:0]

	if !f.Sensitive {
		if idx := staticTableIndex(f.Name, f.Value); idx != 0 {
			e.buf = appendVarInt(e.buf, 7, uint64(idx), 0x80)
			return e.flush()
		}
		if idx := e.dynIndex(f.Name, f.Value); idx != 0 {
			e.buf = appendVarInt(e.buf, 7, uint64(idx), 0x80)
			return e.flush()
		}
	}

	nameIdx := 0
	if !f.Sensitive {
		if idx := staticTableFirstIndexForName(f.Name); idx != 0 {
			nameIdx = idx
		} else if idx := e.dynNameIndex(f.Name); idx != 0 {
			nameIdx = idx
		}
	}

	prefixBits := byte(6)
	prefixFlag := byte(0x40) // incremental indexing
	if f.Sensitive {
		prefixBits = 4
		prefixFlag = 0x10 // never indexed
	}

	if nameIdx == 0 {
		e.buf = appendVarInt(e.buf, prefixBits, 0, prefixFlag)
		e.buf = appendString(e.buf, f.Name)
	} else {
		e.buf = appendVarInt(e.buf, prefixBits, uint64(nameIdx), prefixFlag)
	}
	e.buf = appendString(e.buf, f.Value)

	if !f.Sensitive {
		e.dyn.add(f)
	}
	return e.flush()
}

func (e *Encoder) flush() error {
	n, err := e.w.Write(e.buf)
	if err == nil && n != len(e.buf) {
		err = io.ErrShortWrite
	}
	return err
}

func (e *Encoder) dynIndex(name, value string) int {
	for i, f := range e.dyn.ents {
		if f.Name == name && f.Value == value {
			return len(staticTable) + i + 1
		}
	}
	return 0
}

func (e *Encoder) dynNameIndex(name string) int {
	for i, f := range e.dyn.ents {
		if f.Name == name {
			return len(staticTable) + i + 1
		}
	}
	return 0
}

// appendVarInt appends an RFC 7541 §5.1 integer with an n-bit prefix,
// ORing prefixFlag into the leading byte's high bits.
func appendVarInt(dst []byte, n byte, i uint64, prefixFlag byte) []byte {
	mask := uint64(1<<n - 1)
	if i < mask {
		return append(dst, prefixFlag|byte(i))
	}
	dst = append(dst, prefixFlag|byte(mask))
	i -= mask
	for i >= 128 {
		dst = append(dst, byte(i%128+128))
		i /= 128
	}
	return append(dst, byte(i))
}

// appendString appends an HPACK string literal for s without Huffman
// coding: a 7-bit length prefix (high bit clear) followed by the raw
// octets.
func appendString(dst []byte, s string) []byte {
	dst = appendVarInt(dst, 7, uint64(len(s)), 0)
	return append(dst, s...)
}
