// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260

	tcpTimeout     = 10 * time.Second
	tcpIdleTimeout = 60 * time.Second
)

// TCPTransport frames PDUs with the MBAP header. On the master side it
// dials the configured address lazily, generates transaction identifiers
// and rejects responses carrying a stale one; on the server side it wraps
// an accepted connection and echoes the request's transaction id.
type TCPTransport struct {
	// Connect string, used when no connection was injected.
	Address string
	// Connect timeout
	Timeout time.Duration
	// Idle timeout to close the connection
	IdleTimeout time.Duration
	// Transmission logger
	Logger logger

	mu           sync.Mutex
	conn         io.ReadWriteCloser
	closeTimer   *time.Timer
	lastActivity time.Time
	failed       bool

	transactionID uint32
	pending       []byte
}

// NewTCPTransport returns a master-side transport that dials address on
// first use and closes the connection when idle.
func NewTCPTransport(address string) *TCPTransport {
	return &TCPTransport{
		Address:     address,
		Timeout:     tcpTimeout,
		IdleTimeout: tcpIdleTimeout,
	}
}

// NewTCPConnTransport returns a transport over an existing connection,
// typically one accepted by a TCPListener.
func NewTCPConnTransport(conn io.ReadWriteCloser) *TCPTransport {
	return &TCPTransport{conn: conn}
}

// MaxADULength implements Transport.
func (mb *TCPTransport) MaxADULength() int { return tcpMaxLength }

// PrepareRead implements Transport; TCP is full duplex.
func (mb *TCPTransport) PrepareRead() {}

// PrepareWrite implements Transport; TCP is full duplex.
func (mb *TCPTransport) PrepareWrite() {}

// Connect establishes the connection ahead of the first request.
func (mb *TCPTransport) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	_, err := mb.connect()
	return err
}

func (mb *TCPTransport) connect() (io.ReadWriteCloser, error) {
	if mb.conn != nil {
		return mb.conn, nil
	}
	if mb.Address == "" {
		return nil, fmt.Errorf("modbus: no connection attached and no address configured")
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.Dial("tcp", mb.Address)
	if err != nil {
		return nil, err
	}
	mb.conn = conn
	mb.failed = false
	return mb.conn, nil
}

// Close implements Transport.
func (mb *TCPTransport) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.close()
}

func (mb *TCPTransport) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

// IsConnected implements Transport. A client transport that has not
// dialed yet counts as connected; it dials on demand.
func (mb *TCPTransport) IsConnected() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return !mb.failed
}

func (mb *TCPTransport) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

func (mb *TCPTransport) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *TCPTransport) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.close()
	}
}

// read consumes read-ahead bytes first, then the connection.
func (mb *TCPTransport) read(dst []byte, wait time.Duration) (int, error) {
	if len(mb.pending) > 0 {
		n := copy(dst, mb.pending)
		mb.pending = mb.pending[n:]
		return n, nil
	}
	mb.mu.Lock()
	conn, err := mb.connect()
	mb.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := readSome(conn, dst, wait)
	if err != nil {
		mb.failed = true
	}
	return n, err
}

// DataAvailable implements Transport.
func (mb *TCPTransport) DataAvailable() bool {
	if len(mb.pending) > 0 {
		return true
	}
	mb.mu.Lock()
	conn, err := mb.connect()
	mb.mu.Unlock()
	if err != nil {
		return false
	}
	var buf [64]byte
	n, err := readSome(conn, buf[:], serialPollInterval)
	if err != nil {
		mb.failed = true
		return false
	}
	if n > 0 {
		mb.pending = append(mb.pending, buf[:n]...)
	}
	return len(mb.pending) > 0
}

// ClearInput implements Transport.
func (mb *TCPTransport) ClearInput() {
	mb.pending = mb.pending[:0]
	mb.mu.Lock()
	conn := mb.conn
	mb.mu.Unlock()
	if conn == nil {
		return
	}
	var buf [64]byte
	for {
		n, err := readSome(conn, buf[:], 0)
		if n == 0 || err != nil {
			return
		}
	}
}

// Build implements Transport: writes the MBAP header. For a request a
// fresh transaction id is generated and recorded in ctx; a response
// echoes the id captured when the request was parsed.
func (mb *TCPTransport) Build(addr, functionCode byte, dataLen int, buf []byte, isResponse bool, ctx *TelegramContext) (int, int, error) {
	frameLen := tcpHeaderSize + 1 + dataLen
	if frameLen > tcpMaxLength {
		return 0, 0, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", frameLen, tcpMaxLength)
	}
	if len(buf) < frameLen {
		return 0, 0, fmt.Errorf("modbus: buffer length '%v' is below frame length '%v'", len(buf), frameLen)
	}
	var transactionID uint16
	if isResponse {
		if ctx != nil {
			transactionID = ctx.TransactionID
		}
	} else {
		transactionID = uint16(atomic.AddUint32(&mb.transactionID, 1))
		if ctx != nil {
			ctx.TransactionID = transactionID
		}
	}
	binary.BigEndian.PutUint16(buf, transactionID)
	binary.BigEndian.PutUint16(buf[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(buf[4:], uint16(1+1+dataLen))
	buf[6] = addr
	buf[7] = functionCode
	return frameLen, tcpHeaderSize + 1, nil
}

// Send implements Transport: patches the MBAP length field and writes the
// frame. There is no checksum; TCP integrity is relied upon.
func (mb *TCPTransport) Send(buf []byte, frameLen int) error {
	if frameLen < tcpHeaderSize+1 || frameLen > tcpMaxLength || frameLen > len(buf) {
		return fmt.Errorf("modbus: invalid frame length '%v'", frameLen)
	}
	binary.BigEndian.PutUint16(buf[4:], uint16(frameLen-6))

	mb.mu.Lock()
	conn, err := mb.connect()
	if err != nil {
		mb.mu.Unlock()
		return err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	mb.mu.Unlock()

	mb.logf("modbus: send % x\n", buf[:frameLen])
	if _, err := conn.Write(buf[:frameLen]); err != nil {
		mb.failed = true
		return err
	}
	return nil
}

// Receive implements Transport: reads the MBAP header, then exactly the
// number of bytes its length field announces. desiredDataLen is not
// needed; the header is authoritative.
func (mb *TCPTransport) Receive(buf []byte, desiredDataLen int, timeout time.Duration) (int, error) {
	limit := tcpMaxLength
	if len(buf) < limit {
		limit = len(buf)
	}
	if limit < tcpHeaderSize+1 {
		return 0, fmt.Errorf("modbus: buffer length '%v' is below frame length '%v'", limit, tcpHeaderSize+1)
	}

	deadline := time.Now().Add(timeout)
	n := 0
	target := tcpHeaderSize
	for n < target {
		now := time.Now()
		if !now.Before(deadline) {
			return 0, ErrTimeout
		}
		m, err := mb.read(buf[n:target], deadline.Sub(now))
		if err != nil {
			return 0, err
		}
		if m == 0 {
			continue
		}
		n += m
		if n == tcpHeaderSize && target == tcpHeaderSize {
			length := int(binary.BigEndian.Uint16(buf[4:]))
			if length < 2 || tcpHeaderSize-1+length > limit {
				return 0, ErrFrame
			}
			target = tcpHeaderSize - 1 + length
		}
	}
	mb.mu.Lock()
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	mb.mu.Unlock()
	mb.logf("modbus: recv % x\n", buf[:n])
	return n, nil
}

// Parse implements Transport: validates the MBAP header and locates the
// PDU. Responses with a transaction id other than the outstanding one in
// ctx are rejected.
func (mb *TCPTransport) Parse(buf []byte, length int, isResponse bool, ctx *TelegramContext) (Telegram, error) {
	if length < tcpHeaderSize+1 {
		return Telegram{}, ErrResponseTooShort
	}
	if binary.BigEndian.Uint16(buf[2:]) != tcpProtocolIdentifier {
		return Telegram{}, ErrFrame
	}
	if int(binary.BigEndian.Uint16(buf[4:])) != length-6 {
		return Telegram{}, ErrFrame
	}
	transactionID := binary.BigEndian.Uint16(buf)
	if ctx != nil {
		if isResponse {
			if transactionID != ctx.TransactionID {
				return Telegram{}, ErrFrame
			}
		} else {
			ctx.TransactionID = transactionID
		}
	}
	return Telegram{
		Addr:         buf[6],
		FunctionCode: buf[7],
		DataPos:      tcpHeaderSize + 1,
		DataLen:      length - tcpHeaderSize - 1,
	}, nil
}
