package modbus

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/grid-x/serial"
)

// Telegram locates a parsed PDU inside the caller's frame buffer.
type Telegram struct {
	Addr         byte
	FunctionCode byte
	DataPos      int
	DataLen      int
}

// Data returns the PDU data slice of the telegram within buf.
func (t Telegram) Data(buf []byte) []byte {
	return buf[t.DataPos : t.DataPos+t.DataLen]
}

// TelegramContext carries framing state between Build and Parse of one
// request/response pair. Only the TCP framer uses it, for the MBAP
// transaction identifier; RTU and ASCII ignore it.
type TelegramContext struct {
	TransactionID uint16
}

// Transport is the framing contract shared by the RTU, ASCII and TCP
// framers. A transport is bound to one physical channel and is not safe
// for concurrent use; the owning Server or Master serialises access.
//
// Receive copies one complete ADU into buf and returns its length.
// desiredDataLen is the expected PDU data length of the frame, or a
// negative value when unknown, in which case the framer detects the end
// of frame natively (RTU: 3.5-character idle, ASCII: CR LF, TCP: MBAP
// length). Implementations may buffer inbound bytes internally but must
// not drop a valid frame.
type Transport interface {
	// MaxADULength is the upper bound of a single frame in bytes.
	MaxADULength() int
	// PrepareRead switches half-duplex media to receive. No-op otherwise.
	PrepareRead()
	// PrepareWrite switches half-duplex media to transmit. No-op otherwise.
	PrepareWrite()
	// DataAvailable polls for inbound bytes without blocking.
	DataAvailable() bool
	// Receive blocks up to timeout for one complete ADU.
	Receive(buf []byte, desiredDataLen int, timeout time.Duration) (int, error)
	// Parse validates framing and checksum of the frame in buf[:length]
	// and returns the PDU location.
	Parse(buf []byte, length int, isResponse bool, ctx *TelegramContext) (Telegram, error)
	// Build writes the framing prefix for a PDU of dataLen bytes into buf
	// and returns the full frame length and the position at which the
	// caller fills in the data. Checksums are computed by Send.
	Build(addr, functionCode byte, dataLen int, buf []byte, isResponse bool, ctx *TelegramContext) (frameLen, dataPos int, err error)
	// Send finalises framing of buf[:frameLen], enforces inter-frame
	// timing and writes the frame out.
	Send(buf []byte, frameLen int) error
	// ClearInput purges buffered inbound bytes so the line resynchronises.
	ClearInput()
	// IsConnected reports whether the underlying channel is usable.
	IsConnected() bool
	// Close releases the underlying channel.
	Close() error
}

// exceptionFrameData is the PDU data length of an exception response.
const exceptionFrameData = 1

// deadlineControl is implemented by streams with read deadlines, such as
// net.Conn and the pipes used in tests.
type deadlineControl interface {
	SetReadDeadline(t time.Time) error
}

// isTimeout reports whether err is a read deadline expiry, either of a
// net.Conn style deadline or of a serial port read timeout.
func isTimeout(err error) bool {
	return err != nil && (os.IsTimeout(err) || errors.Is(err, serial.ErrTimeout))
}

// readSome reads whatever is available into dst, waiting at most wait.
// On streams with deadline support the wait is enforced per call; plain
// readers block according to their own configured timeout (for serial
// ports, serial.Config.Timeout). A deadline expiry is reported as n == 0
// with a nil error.
func readSome(r io.Reader, dst []byte, wait time.Duration) (int, error) {
	if dc, ok := r.(deadlineControl); ok {
		if err := dc.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return 0, err
		}
	}
	n, err := r.Read(dst)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}
