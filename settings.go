// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

// Settings sent at session start, per spec §6: exactly these three,
// in any order. sessionInitialWindowSize also becomes the inflow budget we
// announce for every new stream; connFlowBump is applied once, right
// after these, via a WINDOW_UPDATE on stream 0.
const (
	sessionInitialWindowSize = 32 << 20 // 32 MiB
	sessionHeaderTableSize   = 65536
	sessionEnablePush        = 0

	// connFlowBump is how much additional connection-level window we
	// grant beyond the RFC 7540 §6.9.2 default of 65535, so that the
	// total matches sessionInitialWindowSize.
	connFlowBump = sessionInitialWindowSize - 65535

	// defaultPeerMaxFrameSize is what we assume the peer's
	// SETTINGS_MAX_FRAME_SIZE is until its SETTINGS frame says
	// otherwise (RFC 7540 §6.5.2 default).
	defaultPeerMaxFrameSize = defaultMaxFrameSize

	// defaultPeerInitialWindowSize is the stream-level window we
	// assume the peer grants us until told otherwise.
	defaultPeerInitialWindowSize = 65535

	// defaultPeerMaxConcurrentStreams is the value recorded for the
	// peer's SETTINGS_MAX_CONCURRENT_STREAMS (RFC 7540 §6.5.2: unlimited
	// by default) until its SETTINGS frame says otherwise. The recorded
	// value is not enforced: Send does not limit concurrent streams by it.
	defaultPeerMaxConcurrentStreams = 1000

	// maxClientStreamID is the largest legal client-initiated
	// (odd) stream id; once nextStreamID would exceed it, the
	// session must stop accepting new sends.
	maxClientStreamID = 1<<31 - 1
)

func initialSettings() []Setting {
	return []Setting{
		{ID: SettingEnablePush, Val: sessionEnablePush},
		{ID: SettingInitialWindowSize, Val: sessionInitialWindowSize},
		{ID: SettingHeaderTableSize, Val: sessionHeaderTableSize},
	}
}
