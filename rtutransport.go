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
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuExceptionSize = 5
)

// DirectionController drives the DE/RE pin of an RS-485 transceiver for
// half-duplex direction control. Implementations wrap whatever GPIO
// facility the platform provides.
type DirectionController interface {
	SetTransmit(enable bool) error
}

// RTUTransport frames PDUs as Modbus RTU: binary ADU with a trailing
// CRC-16, delimited on the wire by 3.5 characters of line idle.
//
// It runs over a serial port opened from the embedded serial.Config, or
// over any stream handed to NewRTUStreamTransport (RTU over TCP, test
// pipes).
type RTUTransport struct {
	serialLine

	// Direction, when set, is asserted around every transmission.
	// DirectionActiveLow inverts the level driven into the controller.
	Direction          DirectionController
	DirectionActiveLow bool

	// nextSend is the earliest moment the next frame may start so that
	// the inter-frame gap is respected. txEnd is when the transmit shift
	// register is expected to be empty.
	nextSend time.Time
	txEnd    time.Time
}

// NewRTUTransport returns an RTU transport bound to the serial port
// described by config. The port is opened on first use.
func NewRTUTransport(config serial.Config) *RTUTransport {
	t := &RTUTransport{}
	t.Config = config
	if t.Config.Timeout == 0 {
		t.Config.Timeout = serialPollInterval
	}
	return t
}

// NewRTUStreamTransport returns an RTU transport over an existing stream,
// e.g. an accepted TCP connection carrying tunneled RTU frames. baudRate
// may be zero, in which case the fixed high-baudrate timings apply.
func NewRTUStreamTransport(stream io.ReadWriteCloser, baudRate int) *RTUTransport {
	t := &RTUTransport{}
	t.port = stream
	t.BaudRate = baudRate
	return t
}

// MaxADULength implements Transport.
func (mb *RTUTransport) MaxADULength() int { return rtuMaxSize }

// charDuration is the time one character occupies on the wire, including
// start, parity and stop bits.
func (mb *RTUTransport) charDuration() time.Duration {
	if mb.BaudRate <= 0 {
		return 0
	}
	dataBits := mb.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	stopBits := mb.StopBits
	if stopBits == 0 {
		stopBits = 1
	}
	parityBits := 1
	if mb.Parity == "N" {
		parityBits = 0
	}
	bits := 1 + dataBits + stopBits + parityBits
	return time.Duration(bits) * time.Second / time.Duration(mb.BaudRate)
}

// frameDelay is the minimum inter-frame silence: 3.5 characters up to
// 19200 baud, a fixed 1750 microseconds above (per the serial line spec).
func (mb *RTUTransport) frameDelay() time.Duration {
	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return mb.charDuration() * 7 / 2
}

func (mb *RTUTransport) setTransmit(enable bool) {
	if mb.Direction == nil {
		return
	}
	level := enable
	if mb.DirectionActiveLow {
		level = !enable
	}
	if err := mb.Direction.SetTransmit(level); err != nil {
		mb.logf("modbus: direction control: %v", err)
	}
}

// PrepareWrite implements Transport: asserts the direction pin.
func (mb *RTUTransport) PrepareWrite() {
	mb.setTransmit(true)
}

// PrepareRead implements Transport: blocks until the transmit shift
// register has drained, then deasserts the direction pin.
func (mb *RTUTransport) PrepareRead() {
	if mb.Direction != nil {
		if d := time.Until(mb.txEnd); d > 0 {
			time.Sleep(d)
		}
	}
	mb.setTransmit(false)
}

// DataAvailable implements Transport.
func (mb *RTUTransport) DataAvailable() bool { return mb.dataAvailable() }

// ClearInput implements Transport.
func (mb *RTUTransport) ClearInput() { mb.clearInput() }

// IsConnected implements Transport.
func (mb *RTUTransport) IsConnected() bool { return mb.isConnected() }

// Close implements Transport.
func (mb *RTUTransport) Close() error { return mb.close() }

// Build implements Transport. The CRC is computed by Send.
func (mb *RTUTransport) Build(addr, functionCode byte, dataLen int, buf []byte, isResponse bool, ctx *TelegramContext) (int, int, error) {
	frameLen := dataLen + rtuMinSize
	if frameLen > rtuMaxSize {
		return 0, 0, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", frameLen, rtuMaxSize)
	}
	if len(buf) < frameLen {
		return 0, 0, fmt.Errorf("modbus: buffer length '%v' is below frame length '%v'", len(buf), frameLen)
	}
	buf[0] = addr
	buf[1] = functionCode
	return frameLen, 2, nil
}

// Send implements Transport: appends the CRC (low byte first), enforces
// the inter-frame gap and writes the frame.
func (mb *RTUTransport) Send(buf []byte, frameLen int) error {
	if frameLen < rtuMinSize || frameLen > rtuMaxSize || frameLen > len(buf) {
		return fmt.Errorf("modbus: invalid frame length '%v'", frameLen)
	}
	var crc crc
	crc.reset().pushBytes(buf[:frameLen-2])
	checksum := crc.value()
	buf[frameLen-2] = byte(checksum)
	buf[frameLen-1] = byte(checksum >> 8)

	if wait := time.Until(mb.nextSend); wait > 0 {
		time.Sleep(wait)
	}
	mb.logf("modbus: send % x\n", buf[:frameLen])
	if err := mb.write(buf[:frameLen]); err != nil {
		return err
	}
	now := time.Now()
	mb.txEnd = now.Add(time.Duration(frameLen) * mb.charDuration())
	mb.nextSend = mb.txEnd.Add(mb.frameDelay())
	return nil
}

// Receive implements Transport. With a known desiredDataLen the read
// stops at the expected frame length, shortened to the exception frame
// once the error bit shows up in the function code. With an unknown
// length the frame ends at 3.5 characters of line idle.
func (mb *RTUTransport) Receive(buf []byte, desiredDataLen int, timeout time.Duration) (int, error) {
	limit := rtuMaxSize
	if len(buf) < limit {
		limit = len(buf)
	}
	target := -1
	if desiredDataLen >= 0 {
		target = desiredDataLen + rtuMinSize
		if target > limit {
			return 0, fmt.Errorf("modbus: buffer length '%v' is below frame length '%v'", limit, target)
		}
	}

	idle := mb.frameDelay()
	deadline := time.Now().Add(timeout)
	n := 0
	for {
		now := time.Now()
		if !now.Before(deadline) {
			if target < 0 && n > 0 {
				return n, nil
			}
			return 0, ErrTimeout
		}
		wait := deadline.Sub(now)
		window := limit
		if target >= 0 {
			window = target
		} else if n > 0 && wait > idle {
			// end of frame is detected by line idle
			wait = idle
		}
		m, err := mb.read(buf[n:window], wait)
		if err != nil {
			return 0, err
		}
		if m == 0 {
			if target < 0 && n > 0 {
				return n, nil
			}
			continue
		}
		n += m
		mb.lastActivity = time.Now()
		if target >= 0 {
			if n >= rtuExceptionSize && buf[1]&exceptionBit != 0 {
				target = rtuExceptionSize
			}
			if n >= target {
				mb.logf("modbus: recv % x\n", buf[:target])
				return target, nil
			}
		} else if n >= limit {
			return n, nil
		}
	}
}

// Parse implements Transport: validates the CRC and locates the PDU.
func (mb *RTUTransport) Parse(buf []byte, length int, isResponse bool, ctx *TelegramContext) (Telegram, error) {
	if length < rtuMinSize {
		return Telegram{}, ErrResponseTooShort
	}
	var crc crc
	crc.reset().pushBytes(buf[:length-2])
	checksum := uint16(buf[length-1])<<8 | uint16(buf[length-2])
	if checksum != crc.value() {
		return Telegram{}, ErrCRC
	}
	return Telegram{
		Addr:         buf[0],
		FunctionCode: buf[1],
		DataPos:      2,
		DataLen:      length - rtuMinSize,
	}, nil
}
