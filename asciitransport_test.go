package modbus

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func asciiFrame(t *testing.T, addr, functionCode byte, data []byte) []byte {
	t.Helper()
	a, b := newLoopback()
	tr := NewASCIIStreamTransport(a)
	buf := make([]byte, tr.MaxADULength())
	frameLen, dataPos, err := tr.Build(addr, functionCode, len(data), buf, false, nil)
	require.NoError(t, err)
	copy(buf[dataPos:], data)
	require.NoError(t, tr.Send(buf, frameLen))
	return b.takeAll()
}

func TestASCIIBuildSend(t *testing.T) {
	frame := asciiFrame(t, 1, FuncCodeReadCoils, []byte{0x00, 0x00, 0x00, 0x0A})
	assert.Equal(t, ":01010000000AF4\r\n", string(frame))
}

func TestASCIIParse(t *testing.T) {
	tr := &ASCIITransport{}
	frame := []byte(":0101020000FC\r\n")
	tg, err := tr.Parse(frame, len(frame), true, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(1), tg.Addr)
	assert.Equal(t, byte(FuncCodeReadCoils), tg.FunctionCode)
	assert.Equal(t, []byte{0x02, 0x00, 0x00}, tg.Data(frame))
}

func TestASCIIParseLowercase(t *testing.T) {
	tr := &ASCIITransport{}
	frame := []byte(":0101020000fc\r\n")
	tg, err := tr.Parse(frame, len(frame), true, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00}, tg.Data(frame))
}

func TestASCIIEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		addr := rapid.Byte().Draw(t, "Addr")
		functionCode := rapid.Byte().Draw(t, "FunctionCode")
		data := rapid.SliceOfN(rapid.Byte(), 0, 252).Draw(t, "Data")

		a, b := newLoopback()
		tr := NewASCIIStreamTransport(a)
		buf := make([]byte, tr.MaxADULength())
		frameLen, dataPos, err := tr.Build(addr, functionCode, len(data), buf, false, nil)
		if err != nil {
			t.Fatalf("error while building: %+v", err)
		}
		copy(buf[dataPos:], data)
		if err := tr.Send(buf, frameLen); err != nil {
			t.Fatalf("error while sending: %+v", err)
		}

		frame := b.takeAll()
		tg, err := tr.Parse(frame, len(frame), false, nil)
		if err != nil {
			t.Fatalf("error while parsing: %+v", err)
		}
		if tg.Addr != addr || tg.FunctionCode != functionCode {
			t.Errorf("invalid header: got %v/%v, want %v/%v", tg.Addr, tg.FunctionCode, addr, functionCode)
		}
		if !cmp.Equal(data, tg.Data(frame), cmpopts.EquateEmpty()) {
			t.Errorf("invalid data: %s", cmp.Diff(data, tg.Data(frame)))
		}
	})
}

func TestASCIILRCRejection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "Data")

		a, b := newLoopback()
		tr := NewASCIIStreamTransport(a)
		buf := make([]byte, tr.MaxADULength())
		frameLen, dataPos, err := tr.Build(0x07, 0x03, len(data), buf, false, nil)
		if err != nil {
			t.Fatalf("error while building: %+v", err)
		}
		copy(buf[dataPos:], data)
		if err := tr.Send(buf, frameLen); err != nil {
			t.Fatalf("error while sending: %+v", err)
		}
		frame := b.takeAll()

		// swap one payload hex character for a different one
		pos := rapid.IntRange(1, len(frame)-4).Draw(t, "Pos")
		cur, err := hexToNibble(frame[pos])
		if err != nil {
			t.Fatalf("generated frame holds invalid hex: %+v", err)
		}
		delta := rapid.IntRange(1, 15).Draw(t, "Delta")
		frame[pos] = hexTable[(int(cur)+delta)%16]

		if _, err := tr.Parse(frame, len(frame), false, nil); err == nil {
			t.Fatalf("corrupted frame accepted")
		}
	})
}

func TestASCIIReceiveSkipsNoise(t *testing.T) {
	a, _ := newLoopback()
	tr := NewASCIIStreamTransport(a)
	frame := asciiFrame(t, 1, FuncCodeReadCoils, []byte{0x00, 0x00, 0x00, 0x0A})
	a.stuff(append([]byte("xx\x00"), frame...))

	buf := make([]byte, tr.MaxADULength())
	n, err := tr.Receive(buf, -1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
}

func TestASCIIReceiveExceptionShortcut(t *testing.T) {
	a, _ := newLoopback()
	tr := NewASCIIStreamTransport(a)
	exception := asciiFrame(t, 1, 0x83, []byte{0x02})
	a.stuff(exception)

	buf := make([]byte, tr.MaxADULength())
	n, err := tr.Receive(buf, 5, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, exception, buf[:n])

	tg, err := tr.Parse(buf, n, true, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x83), tg.FunctionCode)
	assert.Equal(t, []byte{0x02}, tg.Data(buf))
}

func TestASCIIReceiveTimeout(t *testing.T) {
	a, _ := newLoopback()
	tr := NewASCIIStreamTransport(a)

	buf := make([]byte, tr.MaxADULength())
	_, err := tr.Receive(buf, -1, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
