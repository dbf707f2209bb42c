// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType identifies the type of an HTTP/2 frame, RFC 7540 §11.2.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_%d", t)
	}
}

// Flags bits, shared across frame types that define them.
const (
	FlagEndStream  uint8 = 0x1
	FlagAck        uint8 = 0x1
	FlagEndHeaders uint8 = 0x4
	FlagPadded     uint8 = 0x8
	FlagPriority   uint8 = 0x20
)

const frameHeaderLen = 9

// defaultMaxFrameSize is the RFC 7540 §6.5.2 default for
// SETTINGS_MAX_FRAME_SIZE, the smallest a peer may advertise.
const defaultMaxFrameSize = 16384

// FrameHeader is the 9-byte header common to all HTTP/2 frames.
type FrameHeader struct {
	Type     FrameType
	Flags    uint8
	Length   uint32
	StreamID uint32
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=%#x", h.Type, h.StreamID, h.Length, h.Flags)
}

// Header returns the frame's common header, satisfying the Frame interface
// for every type that embeds FrameHeader.
func (h FrameHeader) Header() FrameHeader { return h }

// Frame is implemented by every concrete frame type.
type Frame interface {
	Header() FrameHeader
}

// streamEnder is implemented by frame types that can carry END_STREAM.
type streamEnder interface {
	StreamEnded() bool
}

type DataFrame struct {
	FrameHeader
	data []byte
}

func (f *DataFrame) Data() []byte      { return f.data }
func (f *DataFrame) StreamEnded() bool { return f.Flags&FlagEndStream != 0 }

type HeadersFrame struct {
	FrameHeader
	frag []byte
}

func (f *HeadersFrame) HeaderBlockFragment() []byte { return f.frag }
func (f *HeadersFrame) HeadersEnded() bool          { return f.Flags&FlagEndHeaders != 0 }
func (f *HeadersFrame) StreamEnded() bool           { return f.Flags&FlagEndStream != 0 }

type ContinuationFrame struct {
	FrameHeader
	frag []byte
}

func (f *ContinuationFrame) HeaderBlockFragment() []byte { return f.frag }
func (f *ContinuationFrame) HeadersEnded() bool          { return f.Flags&FlagEndHeaders != 0 }
func (f *ContinuationFrame) StreamEnded() bool           { return false }

// PriorityParam describes a stream's desired place in the priority
// tree, RFC 7540 §5.3.
type PriorityParam struct {
	StreamDep uint32
	Exclusive bool
	Weight    uint8 // encoded value; actual weight is Weight+1
}

type PriorityFrame struct {
	FrameHeader
	PriorityParam
}

type RSTStreamFrame struct {
	FrameHeader
	ErrCode ErrCode
}

// SettingID identifies a SETTINGS parameter, RFC 7540 §6.5.1.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

type Setting struct {
	ID  SettingID
	Val uint32
}

type SettingsFrame struct {
	FrameHeader
	settings []Setting
}

func (f *SettingsFrame) IsAck() bool { return f.Flags&FlagAck != 0 }

// ForeachSetting calls fn for each setting, in wire order, stopping and
// returning the first error fn returns.
func (f *SettingsFrame) ForeachSetting(fn func(Setting) error) error {
	for _, s := range f.settings {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

type PingFrame struct {
	FrameHeader
	Data [8]byte
}

func (f *PingFrame) IsAck() bool { return f.Flags&FlagAck != 0 }

type GoAwayFrame struct {
	FrameHeader
	LastStreamID uint32
	ErrCode      ErrCode
	debugData    []byte
}

func (f *GoAwayFrame) DebugData() []byte { return f.debugData }

type WindowUpdateFrame struct {
	FrameHeader
	Increment uint32
}

type PushPromiseFrame struct {
	FrameHeader
	PromisedID uint32
	frag       []byte
}

func (f *PushPromiseFrame) HeaderBlockFragment() []byte { return f.frag }
func (f *PushPromiseFrame) HeadersEnded() bool           { return f.Flags&FlagEndHeaders != 0 }

type UnknownFrame struct {
	FrameHeader
	payload []byte
}

func (f *UnknownFrame) Payload() []byte { return f.payload }

// Framer reads and writes HTTP/2 frames on a connection. It does not
// itself track any session state (streams, flow control, HPACK) — that
// is the Session's job — and it is not safe for concurrent use: the
// Session serializes all reads on its read loop and all writes behind
// its write mutex, exactly as the reference transport does with
// cc.fr/cc.br/cc.bw.
type Framer struct {
	r io.Reader
	w *bufio.Writer

	// MaxReadFrameSize bounds how large a single incoming frame's
	// payload may be, guarding against a peer claiming a huge length.
	MaxReadFrameSize uint32

	wbuf []byte
}

func NewFramer(w io.Writer, r io.Reader) *Framer {
	return &Framer{
		r:                r,
		w:                bufio.NewWriter(w),
		MaxReadFrameSize: 1 << 20,
	}
}

func readFrameHeader(b []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    b[4],
		StreamID: binary.BigEndian.Uint32(b[5:9]) & (1<<31 - 1),
	}
}

// ReadFrame reads a single frame, blocking on f.r until one full frame
// (header + payload) is available or an error occurs.
func (fr *Framer) ReadFrame() (Frame, error) {
	var hbuf [frameHeaderLen]byte
	if _, err := io.ReadFull(fr.r, hbuf[:]); err != nil {
		return nil, err
	}
	fh := readFrameHeader(hbuf[:])
	if fh.Length > fr.MaxReadFrameSize {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	payload := make([]byte, fh.Length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return parsePayload(fh, payload)
}

func parsePayload(fh FrameHeader, p []byte) (Frame, error) {
	switch fh.Type {
	case FrameData:
		return parseDataFrame(fh, p)
	case FrameHeaders:
		return parseHeadersFrame(fh, p)
	case FramePriority:
		return parsePriorityFrame(fh, p)
	case FrameRSTStream:
		return parseRSTStreamFrame(fh, p)
	case FrameSettings:
		return parseSettingsFrame(fh, p)
	case FramePushPromise:
		return parsePushPromiseFrame(fh, p)
	case FramePing:
		return parsePingFrame(fh, p)
	case FrameGoAway:
		return parseGoAwayFrame(fh, p)
	case FrameWindowUpdate:
		return parseWindowUpdateFrame(fh, p)
	case FrameContinuation:
		return parseContinuationFrame(fh, p)
	default:
		return &UnknownFrame{FrameHeader: fh, payload: p}, nil
	}
}

func stripPadding(fh FrameHeader, p []byte) ([]byte, error) {
	if fh.Flags&FlagPadded == 0 {
		return p, nil
	}
	if len(p) == 0 {
		return nil, ConnectionError(ErrCodeProtocol)
	}
	padLen := int(p[0])
	p = p[1:]
	if padLen > len(p) {
		return nil, ConnectionError(ErrCodeProtocol)
	}
	return p[:len(p)-padLen], nil
}

func parseDataFrame(fh FrameHeader, p []byte) (Frame, error) {
	data, err := stripPadding(fh, p)
	if err != nil {
		return nil, err
	}
	return &DataFrame{FrameHeader: fh, data: data}, nil
}

func parseHeadersFrame(fh FrameHeader, p []byte) (Frame, error) {
	p, err := stripPadding(fh, p)
	if err != nil {
		return nil, err
	}
	if fh.Flags&FlagPriority != 0 {
		if len(p) < 5 {
			return nil, ConnectionError(ErrCodeProtocol)
		}
		p = p[5:] // we don't act on peer-sent priority deps on received HEADERS
	}
	return &HeadersFrame{FrameHeader: fh, frag: p}, nil
}

func parseContinuationFrame(fh FrameHeader, p []byte) (Frame, error) {
	return &ContinuationFrame{FrameHeader: fh, frag: p}, nil
}

func parsePriorityFrame(fh FrameHeader, p []byte) (Frame, error) {
	if len(p) != 5 {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	dep := binary.BigEndian.Uint32(p[:4])
	return &PriorityFrame{
		FrameHeader: fh,
		PriorityParam: PriorityParam{
			StreamDep: dep & (1<<31 - 1),
			Exclusive: dep&(1<<31) != 0,
			Weight:    p[4],
		},
	}, nil
}

func parseRSTStreamFrame(fh FrameHeader, p []byte) (Frame, error) {
	if len(p) != 4 {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	return &RSTStreamFrame{FrameHeader: fh, ErrCode: ErrCode(binary.BigEndian.Uint32(p))}, nil
}

func parseSettingsFrame(fh FrameHeader, p []byte) (Frame, error) {
	if fh.StreamID != 0 {
		return nil, ConnectionError(ErrCodeProtocol)
	}
	if len(p)%6 != 0 {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	f := &SettingsFrame{FrameHeader: fh}
	for len(p) > 0 {
		f.settings = append(f.settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(p[:2])),
			Val: binary.BigEndian.Uint32(p[2:6]),
		})
		p = p[6:]
	}
	return f, nil
}

func parsePushPromiseFrame(fh FrameHeader, p []byte) (Frame, error) {
	p, err := stripPadding(fh, p)
	if err != nil {
		return nil, err
	}
	if len(p) < 4 {
		return nil, ConnectionError(ErrCodeProtocol)
	}
	promised := binary.BigEndian.Uint32(p[:4]) & (1<<31 - 1)
	return &PushPromiseFrame{FrameHeader: fh, PromisedID: promised, frag: p[4:]}, nil
}

func parsePingFrame(fh FrameHeader, p []byte) (Frame, error) {
	if len(p) != 8 {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	f := &PingFrame{FrameHeader: fh}
	copy(f.Data[:], p)
	return f, nil
}

func parseGoAwayFrame(fh FrameHeader, p []byte) (Frame, error) {
	if len(p) < 8 {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	return &GoAwayFrame{
		FrameHeader:  fh,
		LastStreamID: binary.BigEndian.Uint32(p[:4]) & (1<<31 - 1),
		ErrCode:      ErrCode(binary.BigEndian.Uint32(p[4:8])),
		debugData:    p[8:],
	}, nil
}

func parseWindowUpdateFrame(fh FrameHeader, p []byte) (Frame, error) {
	if len(p) != 4 {
		return nil, ConnectionError(ErrCodeFrameSize)
	}
	incr := binary.BigEndian.Uint32(p) & (1<<31 - 1)
	if incr == 0 {
		return nil, ConnectionError(ErrCodeProtocol)
	}
	return &WindowUpdateFrame{FrameHeader: fh, Increment: incr}, nil
}

// --- writing ---

func (fr *Framer) startWrite(t FrameType, flags uint8, streamID uint32, payloadLen int) {
	fr.wbuf = fr.wbuf[:0]
	fr.wbuf = append(fr.wbuf,
		byte(payloadLen>>16), byte(payloadLen>>8), byte(payloadLen),
		byte(t), flags,
		byte(streamID>>24), byte(streamID>>16), byte(streamID>>8), byte(streamID))
}

func (fr *Framer) endWrite() error {
	_, err := fr.w.Write(fr.wbuf)
	return err
}

// Flush flushes any buffered writes to the underlying writer.
func (fr *Framer) Flush() error { return fr.w.Flush() }

func (fr *Framer) WriteData(streamID uint32, endStream bool, data []byte) error {
	var flags uint8
	if endStream {
		flags = FlagEndStream
	}
	fr.startWrite(FrameData, flags, streamID, len(data))
	fr.wbuf = append(fr.wbuf, data...)
	return fr.endWrite()
}

// HeadersFrameParam are the arguments to WriteHeaders.
type HeadersFrameParam struct {
	StreamID      uint32
	BlockFragment []byte
	EndStream     bool
	EndHeaders    bool
	Priority      PriorityParam
	HasPriority   bool
}

func (fr *Framer) WriteHeaders(p HeadersFrameParam) error {
	var flags uint8
	if p.EndStream {
		flags |= FlagEndStream
	}
	if p.EndHeaders {
		flags |= FlagEndHeaders
	}
	extra := 0
	if p.HasPriority {
		flags |= FlagPriority
		extra = 5
	}
	fr.startWrite(FrameHeaders, flags, p.StreamID, extra+len(p.BlockFragment))
	if p.HasPriority {
		dep := p.Priority.StreamDep
		if p.Priority.Exclusive {
			dep |= 1 << 31
		}
		fr.wbuf = append(fr.wbuf, byte(dep>>24), byte(dep>>16), byte(dep>>8), byte(dep), p.Priority.Weight)
	}
	fr.wbuf = append(fr.wbuf, p.BlockFragment...)
	return fr.endWrite()
}

func (fr *Framer) WriteContinuation(streamID uint32, endHeaders bool, frag []byte) error {
	var flags uint8
	if endHeaders {
		flags = FlagEndHeaders
	}
	fr.startWrite(FrameContinuation, flags, streamID, len(frag))
	fr.wbuf = append(fr.wbuf, frag...)
	return fr.endWrite()
}

func (fr *Framer) WritePriority(streamID uint32, p PriorityParam) error {
	fr.startWrite(FramePriority, 0, streamID, 5)
	dep := p.StreamDep
	if p.Exclusive {
		dep |= 1 << 31
	}
	fr.wbuf = append(fr.wbuf, byte(dep>>24), byte(dep>>16), byte(dep>>8), byte(dep), p.Weight)
	return fr.endWrite()
}

func (fr *Framer) WriteRSTStream(streamID uint32, code ErrCode) error {
	fr.startWrite(FrameRSTStream, 0, streamID, 4)
	fr.wbuf = append32(fr.wbuf, uint32(code))
	return fr.endWrite()
}

func (fr *Framer) WriteSettings(settings ...Setting) error {
	fr.startWrite(FrameSettings, 0, 0, len(settings)*6)
	for _, s := range settings {
		fr.wbuf = append(fr.wbuf, byte(s.ID>>8), byte(s.ID))
		fr.wbuf = append32(fr.wbuf, s.Val)
	}
	return fr.endWrite()
}

func (fr *Framer) WriteSettingsAck() error {
	fr.startWrite(FrameSettings, FlagAck, 0, 0)
	return fr.endWrite()
}

func (fr *Framer) WritePing(ack bool, data [8]byte) error {
	var flags uint8
	if ack {
		flags = FlagAck
	}
	fr.startWrite(FramePing, flags, 0, 8)
	fr.wbuf = append(fr.wbuf, data[:]...)
	return fr.endWrite()
}

func (fr *Framer) WriteGoAway(lastStreamID uint32, code ErrCode, debugData []byte) error {
	fr.startWrite(FrameGoAway, 0, 0, 8+len(debugData))
	fr.wbuf = append32(fr.wbuf, lastStreamID)
	fr.wbuf = append32(fr.wbuf, uint32(code))
	fr.wbuf = append(fr.wbuf, debugData...)
	return fr.endWrite()
}

func (fr *Framer) WriteWindowUpdate(streamID uint32, incr uint32) error {
	if incr == 0 || incr > 1<<31-1 {
		return errors.New("h2engine: invalid WINDOW_UPDATE increment")
	}
	fr.startWrite(FrameWindowUpdate, 0, streamID, 4)
	fr.wbuf = append32(fr.wbuf, incr)
	return fr.endWrite()
}

// append32 is a tiny helper so the write methods above stay legible.
func append32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
