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

// serialPollInterval is the poll granularity for non-blocking reads on
// deadline-capable streams, and the default port read timeout so plain
// serial reads stay responsive to receive deadlines.
const serialPollInterval = 5 * time.Millisecond

// serialLine owns the byte stream under the RTU and ASCII framers: either
// a lazily opened serial port described by serial.Config, or any stream
// injected at construction (TCP tunnels, test pipes).
type serialLine struct {
	// Serial port configuration.
	serial.Config

	Logger logger

	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	failed       bool

	// pending holds bytes read ahead of Receive by DataAvailable.
	pending []byte
}

// connect opens the serial port if it is not open yet.
func (sl *serialLine) connect() error {
	if sl.port != nil {
		return nil
	}
	if sl.Config.Address == "" {
		return fmt.Errorf("modbus: no port attached and no address configured")
	}
	port, err := serial.Open(&sl.Config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", sl.Config.Address, err)
	}
	sl.port = port
	sl.failed = false
	return nil
}

func (sl *serialLine) close() (err error) {
	if sl.port != nil {
		err = sl.port.Close()
		sl.port = nil
	}
	return
}

func (sl *serialLine) logf(format string, v ...interface{}) {
	if sl.Logger != nil {
		sl.Logger.Printf(format, v...)
	}
}

// read consumes read-ahead bytes first, then the port, waiting at most
// wait. n == 0 with nil error means nothing arrived in time.
func (sl *serialLine) read(dst []byte, wait time.Duration) (int, error) {
	if len(sl.pending) > 0 {
		n := copy(dst, sl.pending)
		sl.pending = sl.pending[n:]
		return n, nil
	}
	if err := sl.connect(); err != nil {
		return 0, err
	}
	n, err := readSome(sl.port, dst, wait)
	if err != nil {
		sl.failed = true
	}
	return n, err
}

// unread pushes bytes back to the front of the read-ahead buffer, e.g.
// the tail of a chunk that belongs to the next frame.
func (sl *serialLine) unread(bs []byte) {
	if len(bs) == 0 {
		return
	}
	sl.pending = append(append([]byte{}, bs...), sl.pending...)
}

// dataAvailable polls the line and stashes whatever arrives.
func (sl *serialLine) dataAvailable() bool {
	if len(sl.pending) > 0 {
		return true
	}
	if sl.connect() != nil {
		return false
	}
	var buf [64]byte
	n, err := readSome(sl.port, buf[:], serialPollInterval)
	if err != nil {
		sl.failed = true
		return false
	}
	if n > 0 {
		sl.pending = append(sl.pending, buf[:n]...)
	}
	return len(sl.pending) > 0
}

// clearInput drops read-ahead bytes and drains the port.
func (sl *serialLine) clearInput() {
	sl.pending = sl.pending[:0]
	if sl.port == nil {
		return
	}
	var buf [64]byte
	for {
		n, err := readSome(sl.port, buf[:], 0)
		if n == 0 || err != nil {
			return
		}
	}
}

// isConnected reports the line usable. A port not yet opened counts as
// connected; it is opened on demand.
func (sl *serialLine) isConnected() bool {
	return !sl.failed
}

func (sl *serialLine) write(p []byte) error {
	if err := sl.connect(); err != nil {
		return err
	}
	sl.lastActivity = time.Now()
	if _, err := sl.port.Write(p); err != nil {
		sl.failed = true
		return err
	}
	return nil
}
