/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"bytes"
	"encoding/binary"
)

const packetHeaderLen = 4

// Packet is one decoded frame: an opcode and its payload.
type Packet struct {
	Code byte
	Data []byte
}

// Encode returns the wire representation of the packet.
func (p *Packet) Encode() []byte {
	return EncodePacket(p.Code, p.Data)
}

// EncodePacket prepends the 4 byte big endian length of code+payload.
func EncodePacket(code byte, payload []byte) []byte {
	buf := make([]byte, packetHeaderLen+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = code
	copy(buf[5:], payload)
	return buf
}

// Decoder turns a stream of arbitrarily split reads into packets. It keeps the
// partial length prefix or partial payload of the last read until the next
// call to Decode.
type Decoder struct {
	maxSize uint32

	header    []byte // partial length prefix, less than 4 bytes
	partial   []byte // partial frame body (opcode + payload)
	remaining int    // bytes missing from partial

	err error
}

// NewDecoder creates a Decoder which rejects frames larger than maxSize. A
// maxSize of 0 selects DefaultMaxFrameSize.
func NewDecoder(maxSize uint32) *Decoder {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{
		maxSize: maxSize,
	}
}

// Pending returns the number of carried length prefix bytes and the number of
// payload bytes still missing for the current partial frame.
func (d *Decoder) Pending() (headerBytes int, bodyRemaining int) {
	return len(d.header), d.remaining
}

// Decode consumes buf and returns all packets completed by it. Returned packet
// data never aliases buf. After an error the decoder is unusable.
func (d *Decoder) Decode(buf []byte) ([]*Packet, error) {
	if d.err != nil {
		return nil, d.err
	}

	var packets []*Packet

	// Complete a partial payload first.
	if d.remaining > 0 {
		n := d.remaining
		if len(buf) < n {
			n = len(buf)
		}
		d.partial = append(d.partial, buf[:n]...)
		d.remaining -= n
		buf = buf[n:]
		if d.remaining > 0 {
			return nil, nil
		}
		packets = append(packets, newPacket(d.partial))
		d.partial = nil
	}

	// Prepend a carried partial length prefix.
	if len(d.header) > 0 {
		joined := make([]byte, 0, len(d.header)+len(buf))
		joined = append(joined, d.header...)
		joined = append(joined, buf...)
		buf = joined
		d.header = nil
	}

	for len(buf) > 0 {
		if len(buf) < packetHeaderLen {
			d.header = append([]byte(nil), buf...)
			break
		}

		length := binary.BigEndian.Uint32(buf[:packetHeaderLen])
		if length == 0 {
			d.err = framingErrorf("zero length frame")
			return packets, d.err
		}
		if length > d.maxSize {
			d.err = framingErrorf("frame length %d exceeds maximum %d", length, d.maxSize)
			return packets, d.err
		}
		buf = buf[packetHeaderLen:]

		if uint32(len(buf)) < length {
			d.partial = make([]byte, 0, length)
			d.partial = append(d.partial, buf...)
			d.remaining = int(length) - len(buf)
			break
		}

		packets = append(packets, newPacket(bytes.Clone(buf[:length])))
		buf = buf[length:]
	}

	return packets, nil
}

func newPacket(frame []byte) *Packet {
	return &Packet{
		Code: frame[0],
		Data: frame[1:],
	}
}

// readCString returns the data up to the first NUL and the remainder after it.
// Without a NUL the whole input is returned and rest is nil.
func readCString(data []byte) (s string, rest []byte) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i]), data[i+1:]
	}
	return string(data), nil
}

// appendCString appends s and a terminating NUL.
func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
