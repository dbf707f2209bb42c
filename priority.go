// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

// Priority is the five-level message priority the upper layer assigns
// to an Item. It is mapped onto the HTTP/2 stream weight RFC 7540 §5.3
// defines, using nghttp2's own MIN/DEFAULT/MAX constants (1/16/256) as
// the anchor points, per the C original's message_priority_to_weight.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

const (
	minWeight     = 1
	defaultWeight = 16
	maxWeight     = 256
)

// weight maps a Priority to an HTTP/2 weight in [minWeight, maxWeight].
func (p Priority) weight() uint32 {
	switch p {
	case PriorityVeryLow:
		return minWeight
	case PriorityLow:
		return minWeight + (defaultWeight-minWeight)/2
	case PriorityNormal:
		return defaultWeight
	case PriorityHigh:
		return defaultWeight + (maxWeight-defaultWeight)/2
	case PriorityVeryHigh:
		return maxWeight
	default:
		return defaultWeight
	}
}

// wireWeight returns the value to place in a PRIORITY or HEADERS
// frame's Weight field, which is encoded as weight-1 on the wire
// (RFC 7540 §5.3.2: "a weight, which is an integer from 1 to 256,
// encoded as a value from 0 to 255").
func (p Priority) wireWeight() uint8 {
	return uint8(p.weight() - 1)
}

func prioritySpec(p Priority) PriorityParam {
	return PriorityParam{StreamDep: 0, Exclusive: false, Weight: p.wireWeight()}
}
