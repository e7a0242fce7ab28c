// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"io"
	"time"

	"github.com/grid-x/serial"
)

const (
	asciiEnd     = "\r\n"
	asciiMinSize = 9
	asciiMaxSize = 513

	hexTable = "0123456789ABCDEF"

	// The serial line spec terminates a partial ASCII frame after one
	// second of line idle, independent of baud rate.
	asciiReceiveIdle = time.Second
)

// Modbus ASCII defines ':' but in the field often '>' is seen.
var asciiStart = []byte{':', '>'}

// ASCIITransport frames PDUs as Modbus ASCII: each raw byte sent as two
// hex characters, bracketed by a start character and CR LF, protected by
// an LRC over the raw bytes.
//
// Build and Parse operate on raw bytes; the hex encoding happens inside
// Send, and Parse decodes a received frame in place into the front of the
// buffer.
type ASCIITransport struct {
	serialLine

	txbuf [asciiMaxSize]byte
}

// NewASCIITransport returns an ASCII transport bound to the serial port
// described by config. The port is opened on first use.
func NewASCIITransport(config serial.Config) *ASCIITransport {
	t := &ASCIITransport{}
	t.Config = config
	if t.Config.Timeout == 0 {
		t.Config.Timeout = serialPollInterval
	}
	return t
}

// NewASCIIStreamTransport returns an ASCII transport over an existing
// stream, e.g. a TCP connection carrying tunneled ASCII frames.
func NewASCIIStreamTransport(stream io.ReadWriteCloser) *ASCIITransport {
	t := &ASCIITransport{}
	t.port = stream
	return t
}

// MaxADULength implements Transport. The bound covers the encoded frame,
// which is what Receive stores.
func (mb *ASCIITransport) MaxADULength() int { return asciiMaxSize }

// PrepareRead implements Transport. ASCII lines are typically polled
// full-duplex; direction control is not modeled here.
func (mb *ASCIITransport) PrepareRead() {}

// PrepareWrite implements Transport.
func (mb *ASCIITransport) PrepareWrite() {}

// DataAvailable implements Transport.
func (mb *ASCIITransport) DataAvailable() bool { return mb.dataAvailable() }

// ClearInput implements Transport.
func (mb *ASCIITransport) ClearInput() { mb.clearInput() }

// IsConnected implements Transport.
func (mb *ASCIITransport) IsConnected() bool { return mb.isConnected() }

// Close implements Transport.
func (mb *ASCIITransport) Close() error { return mb.close() }

// Build implements Transport. The frame stays raw in buf; Send appends
// the LRC and hex-encodes.
func (mb *ASCIITransport) Build(addr, functionCode byte, dataLen int, buf []byte, isResponse bool, ctx *TelegramContext) (int, int, error) {
	frameLen := dataLen + 2
	if encodedLength(frameLen) > asciiMaxSize {
		return 0, 0, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", dataLen, (asciiMaxSize-5)/2-2)
	}
	if len(buf) < frameLen {
		return 0, 0, fmt.Errorf("modbus: buffer length '%v' is below frame length '%v'", len(buf), frameLen)
	}
	buf[0] = addr
	buf[1] = functionCode
	return frameLen, 2, nil
}

// encodedLength is the on-wire size of a raw frame of rawLen bytes:
// start char, two hex chars per raw byte plus the LRC, CR LF.
func encodedLength(rawLen int) int {
	return 1 + 2*(rawLen+1) + 2
}

// Send implements Transport: computes the LRC over the raw frame,
// hex-encodes and writes.
func (mb *ASCIITransport) Send(buf []byte, frameLen int) error {
	if frameLen < 2 || frameLen > len(buf) || encodedLength(frameLen) > asciiMaxSize {
		return fmt.Errorf("modbus: invalid frame length '%v'", frameLen)
	}
	var lrc lrc
	lrc.reset().pushBytes(buf[:frameLen])

	out := mb.txbuf[:0]
	out = append(out, asciiStart[0])
	for _, b := range buf[:frameLen] {
		out = append(out, hexTable[b>>4], hexTable[b&0x0F])
	}
	v := lrc.value()
	out = append(out, hexTable[v>>4], hexTable[v&0x0F])
	out = append(out, asciiEnd...)

	mb.logf("modbus: send %q\n", out)
	return mb.write(out)
}

// Receive implements Transport: collects one frame between the start
// character and CR LF, skipping line noise before the start character.
// A known desiredDataLen caps the read; the exception bit is detected in
// the hex function code so exception frames terminate early too.
func (mb *ASCIITransport) Receive(buf []byte, desiredDataLen int, timeout time.Duration) (int, error) {
	limit := asciiMaxSize
	if len(buf) < limit {
		limit = len(buf)
	}
	target := -1
	if desiredDataLen >= 0 {
		target = encodedLength(desiredDataLen + 2)
		if target > limit {
			return 0, fmt.Errorf("modbus: buffer length '%v' is below frame length '%v'", limit, target)
		}
	}

	deadline := time.Now().Add(timeout)
	var tmp [64]byte
	n := 0
	for {
		now := time.Now()
		if !now.Before(deadline) {
			if n > 0 {
				return n, nil
			}
			return 0, ErrTimeout
		}
		wait := deadline.Sub(now)
		if n > 0 && wait > asciiReceiveIdle {
			wait = asciiReceiveIdle
		}
		m, err := mb.read(tmp[:], wait)
		if err != nil {
			return 0, err
		}
		if m == 0 {
			if n > 0 {
				// idle mid-frame, hand up what we have for resync
				return n, nil
			}
			continue
		}
		for i := 0; i < m; i++ {
			b := tmp[i]
			if n == 0 {
				if b != asciiStart[0] && b != asciiStart[1] {
					continue
				}
				buf[0] = b
				n = 1
				continue
			}
			if n >= limit {
				return n, nil
			}
			buf[n] = b
			n++
			if n == 5 && target >= 0 && isHexExceptionCode(buf[3]) {
				target = encodedLength(2 + exceptionFrameData)
			}
			if b == '\n' || (target >= 0 && n >= target) {
				mb.unread(tmp[i+1 : m])
				mb.logf("modbus: recv %q\n", buf[:n])
				return n, nil
			}
		}
		mb.lastActivity = time.Now()
	}
}

// isHexExceptionCode reports whether the first hex digit of the function
// code has the exception bit set.
func isHexExceptionCode(c byte) bool {
	n, err := hexToNibble(c)
	return err == nil && n >= 8
}

// Parse implements Transport: validates the frame boundary, decodes the
// hex payload in place into the front of buf and checks the LRC.
func (mb *ASCIITransport) Parse(buf []byte, length int, isResponse bool, ctx *TelegramContext) (Telegram, error) {
	if length < asciiMinSize {
		return Telegram{}, ErrResponseTooShort
	}
	if buf[0] != asciiStart[0] && buf[0] != asciiStart[1] {
		return Telegram{}, ErrFrame
	}
	if string(buf[length-len(asciiEnd):length]) != asciiEnd {
		return Telegram{}, ErrFrame
	}
	// payload excluding start char and CR LF must be an even number of
	// hex characters
	if (length-3)%2 != 0 {
		return Telegram{}, ErrFrame
	}
	// decode in place
	for i := 1; i+1 < length-2; i += 2 {
		hi, err := hexToNibble(buf[i])
		if err != nil {
			return Telegram{}, err
		}
		lo, err := hexToNibble(buf[i+1])
		if err != nil {
			return Telegram{}, err
		}
		buf[(i-1)/2] = hi<<4 | lo
	}
	raw := (length - 3) / 2 // addr, function code, data, lrc

	var lrc lrc
	lrc.reset().pushBytes(buf[:raw-1])
	if buf[raw-1] != lrc.value() {
		return Telegram{}, ErrCRC
	}
	return Telegram{
		Addr:         buf[0],
		FunctionCode: buf[1],
		DataPos:      2,
		DataLen:      raw - 3,
	}, nil
}

// hexToNibble decodes one hex character; lowercase is accepted, encoding
// always emits uppercase. Anything else is IllegalDataValue.
func hexToNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	}
	return 0, fmt.Errorf("modbus: invalid hex character '%c': %w", c, ExceptionCodeIllegalDataValue)
}
