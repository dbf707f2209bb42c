// Copyright 2014 The Go Authors.
// See https://code.google.com/p/go/source/browse/CONTRIBUTORS
// Licensed under the same terms as Go itself:
// https://code.google.com/p/go/source/browse/LICENSE

package hpack

import (
	"bytes"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/foo/bar"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "user-agent", Value: "h2engine-test"},
		{Name: "x-custom", Value: "some value with spaces"},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			t.Fatalf("WriteField(%+v): %v", f, err)
		}
	}

	var got []HeaderField
	dec := NewDecoder(4096, func(f HeaderField) {
		got = append(got, HeaderField{Name: f.Name, Value: f.Value})
	})
	if _, err := dec.Write(buf.Bytes()); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !reflect.DeepEqual(got, fields) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, fields)
	}
}

func TestEncodeStaticTableHit(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteField(HeaderField{Name: ":method", Value: "GET"}); err != nil {
		t.Fatal(err)
	}
	// :method: GET is static table index 2, encoded as a single
	// indexed-header-field byte: 0x80 | 2.
	want := []byte{0x82}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %x, want %x", buf.Bytes(), want)
	}
}

func TestEncodeRepeatedFieldUsesDynamicTable(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	f := HeaderField{Name: "x-request-id", Value: "abc-123-def"}
	if err := enc.WriteField(f); err != nil {
		t.Fatal(err)
	}
	firstLen := buf.Len()
	buf.Reset()
	if err := enc.WriteField(f); err != nil {
		t.Fatal(err)
	}
	// The second occurrence should be a short indexed reference into
	// the dynamic table, much shorter than the first literal encoding.
	if buf.Len() >= firstLen {
		t.Errorf("second encoding (%d bytes) not shorter than first (%d bytes)", buf.Len(), firstLen)
	}
	if buf.Bytes()[0]&0x80 == 0 {
		t.Errorf("expected an indexed header field byte, got %#x", buf.Bytes()[0])
	}
}

func TestEncodeSensitiveFieldNeverIndexed(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	f := HeaderField{Name: "authorization", Value: "secret-token", Sensitive: true}
	if err := enc.WriteField(f); err != nil {
		t.Fatal(err)
	}
	// Literal Never Indexed representation: 0001xxxx.
	if buf.Bytes()[0]&0xf0 != 0x10 {
		t.Errorf("first byte %#x is not a never-indexed literal", buf.Bytes()[0])
	}

	var got HeaderField
	dec := NewDecoder(4096, func(f HeaderField) { got = f })
	if _, err := dec.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if got.Name != f.Name || got.Value != f.Value {
		t.Errorf("decoded %+v, want %+v", got, f)
	}
	// The field must not have entered the dynamic table: a second
	// WriteField of the same name+value must again be a never-indexed
	// literal, not collapse to an index.
	buf.Reset()
	if err := enc.WriteField(f); err != nil {
		t.Fatal(err)
	}
	if buf.Bytes()[0]&0xf0 != 0x10 {
		t.Errorf("second encoding of sensitive field lost never-indexed flag: %#x", buf.Bytes()[0])
	}
}

func TestDynamicTableEviction(t *testing.T) {
	var dyn dynamicTable
	dyn.setMaxSize(64) // room for roughly one small entry

	dyn.add(HeaderField{Name: "a", Value: "1"}) // size 34
	if _, ok := dyn.at(1); !ok {
		t.Fatalf("expected entry 1 present after first add")
	}

	dyn.add(HeaderField{Name: "b", Value: "2"}) // size 34; total would be 68 > 64, evicts "a"
	if dyn.size > 64 {
		t.Fatalf("table size %d exceeds max 64", dyn.size)
	}
	f, ok := dyn.at(1)
	if !ok || f.Name != "b" {
		t.Fatalf("expected most recent entry 'b' at index 1, got %+v ok=%v", f, ok)
	}
	if _, ok := dyn.at(2); ok {
		t.Fatalf("expected entry 'a' evicted, but index 2 still resolves")
	}
}

func TestDynamicTableSizeUpdateMustPrecedeFields(t *testing.T) {
	// A dynamic table size update byte (001xxxxx) is legal only before
	// any header field representation in the same block.
	var got []HeaderField
	dec := NewDecoder(4096, func(f HeaderField) { got = append(got, f) })

	var buf []byte
	buf = appendVarInt(buf, 7, 2, 0x80)  // indexed field (static :method: GET)
	buf = appendVarInt(buf, 5, 100, 0x20) // size update, illegal here
	if _, err := dec.Write(buf); err != errTableSizeUpdate {
		t.Fatalf("got err %v, want errTableSizeUpdate", err)
	}
}

func TestDecodeRejectsHuffmanFlag(t *testing.T) {
	// Literal without indexing, name given as a literal string with the
	// Huffman flag (high bit of the string length byte) set.
	var buf []byte
	buf = appendVarInt(buf, 4, 0, 0x00) // name index 0: literal name follows
	buf = append(buf, 0x80|0x03)        // huffman flag set, length 3 (garbage payload)
	buf = append(buf, 0xff, 0xff, 0xff)

	dec := NewDecoder(4096, func(HeaderField) {})
	if _, err := dec.Write(buf); err != errInvalidHuffman {
		t.Fatalf("got err %v, want errInvalidHuffman", err)
	}
}

func TestDecodePartialWritesBuffer(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	f := HeaderField{Name: "x-split", Value: "value-that-is-split-across-writes"}
	if err := enc.WriteField(f); err != nil {
		t.Fatal(err)
	}
	encoded := buf.Bytes()

	var got []HeaderField
	dec := NewDecoder(4096, func(f HeaderField) { got = append(got, f) })

	mid := len(encoded) / 2
	if _, err := dec.Write(encoded[:mid]); err != nil {
		t.Fatalf("first partial write: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("emitted %d fields before the block was complete", len(got))
	}
	if _, err := dec.Write(encoded[mid:]); err != nil {
		t.Fatalf("second partial write: %v", err)
	}
	if len(got) != 1 || got[0].Name != f.Name || got[0].Value != f.Value {
		t.Fatalf("got %+v, want [%+v]", got, f)
	}
}

func TestDecodeInvalidIndexZero(t *testing.T) {
	dec := NewDecoder(4096, func(HeaderField) {})
	// Indexed header field with index 0, which RFC 7541 forbids.
	if _, err := dec.Write([]byte{0x80}); err != errInvalidIndex {
		t.Fatalf("got err %v, want errInvalidIndex", err)
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 15, 16, 127, 128, 1337, 1 << 20}
	for _, v := range cases {
		buf := appendVarInt(nil, 5, v, 0)
		got, n, err := readVarInt(5, buf)
		if err != nil {
			t.Fatalf("readVarInt(%d): %v", v, err)
		}
		if n != len(buf) {
			t.Errorf("readVarInt(%d) consumed %d bytes, encoding is %d bytes", v, n, len(buf))
		}
		if got != v {
			t.Errorf("readVarInt round trip: got %d, want %d", got, v)
		}
	}
}
