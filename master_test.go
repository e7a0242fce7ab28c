package modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMasterFixture returns a master over one end of an in-memory line
// and the test's end of that line.
func newMasterFixture(t *testing.T) (*Master, *loopbackEnd) {
	t.Helper()
	a, b := newLoopback()
	return NewMaster(NewRTUStreamTransport(a, 0)), b
}

func TestMasterReadHoldingRegisters(t *testing.T) {
	m, line := newMasterFixture(t)
	line.Write([]byte{0x01, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78, 0x81, 0x07})

	results, err := m.ReadHoldingRegisters(context.Background(), 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, results)

	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}, line.takeAll())
}

func TestMasterBroadcastWrite(t *testing.T) {
	m, line := newMasterFixture(t)

	err := m.WriteSingleCoil(context.Background(), AddressBroadcast, 10, 0xFF00)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x05, 0x00, 0x0A, 0xFF, 0x00, 0xAD, 0xE9}, line.takeAll())
}

func TestMasterBroadcastReadReturnsEmpty(t *testing.T) {
	m, _ := newMasterFixture(t)

	results, err := m.ReadCoils(context.Background(), AddressBroadcast, 0, 8)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMasterStrayFrameTolerance(t *testing.T) {
	m, line := newMasterFixture(t)
	stray := rtuFrame(t, 7, FuncCodeReadHoldingRegisters, []byte{0x02, 0x43, 0x21})
	genuine := rtuFrame(t, 5, FuncCodeReadHoldingRegisters, []byte{0x02, 0x12, 0x34})
	line.Write(stray)
	line.Write(genuine)

	results, err := m.ReadHoldingRegisters(context.Background(), 5, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, results)
}

func TestMasterStrayFunctionCode(t *testing.T) {
	m, line := newMasterFixture(t)
	stray := rtuFrame(t, 5, FuncCodeReadInputRegisters, []byte{0x02, 0x43, 0x21})
	genuine := rtuFrame(t, 5, FuncCodeReadHoldingRegisters, []byte{0x02, 0x12, 0x34})
	line.Write(stray)
	line.Write(genuine)

	results, err := m.ReadHoldingRegisters(context.Background(), 5, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, results)
}

func TestMasterTimeout(t *testing.T) {
	m, _ := newMasterFixture(t)
	m.Timeout = 50 * time.Millisecond

	_, err := m.ReadHoldingRegisters(context.Background(), 1, 0, 2)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMasterContextCancel(t *testing.T) {
	m, _ := newMasterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ReadHoldingRegisters(ctx, 1, 0, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMasterExceptionResponse(t *testing.T) {
	m, line := newMasterFixture(t)
	line.Write(rtuFrame(t, 1, 0x83, []byte{byte(ExceptionCodeIllegalDataAddress)}))

	_, err := m.ReadHoldingRegisters(context.Background(), 1, 0, 2)
	var mbErr *Error
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(0x83), mbErr.FunctionCode)
	assert.Equal(t, byte(ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
}

func TestMasterChecksumErrorResync(t *testing.T) {
	m, line := newMasterFixture(t)
	corrupted := rtuFrame(t, 1, FuncCodeReadHoldingRegisters, []byte{0x04, 0x12, 0x34, 0x56, 0x78})
	corrupted[4] ^= 0x01
	line.Write(corrupted)
	genuine := rtuFrame(t, 1, FuncCodeReadHoldingRegisters, []byte{0x04, 0x12, 0x34, 0x56, 0x78})
	time.AfterFunc(50*time.Millisecond, func() { line.Write(genuine) })

	results, err := m.ReadHoldingRegisters(context.Background(), 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, results)
}

func TestMasterWriteEchoMismatch(t *testing.T) {
	m, line := newMasterFixture(t)
	line.Write(rtuFrame(t, 1, FuncCodeWriteSingleRegister, []byte{0x00, 0x01, 0xBE, 0xEF}))

	err := m.WriteSingleRegister(context.Background(), 1, 1, 0xDEAD)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestMasterQuantityValidation(t *testing.T) {
	m, _ := newMasterFixture(t)
	ctx := context.Background()

	_, err := m.ReadCoils(ctx, 1, 0, 2001)
	assert.Error(t, err)
	_, err = m.ReadHoldingRegisters(ctx, 1, 0, 126)
	assert.Error(t, err)
	err = m.WriteMultipleRegisters(ctx, 1, 0, 124, nil)
	assert.Error(t, err)
	_, err = m.ReadWriteMultipleRegisters(ctx, 1, 0, 122, 0, 1, []byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestMasterServerTCP(t *testing.T) {
	a, b := newLoopback()
	srv := NewServer(1, newBankHandler())
	srv.AddTransport(NewTCPConnTransport(b))
	srv.Start()
	defer srv.Stop()

	m := NewMaster(NewTCPConnTransport(a))
	results, err := m.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, results)

	require.NoError(t, m.WriteSingleRegister(context.Background(), 1, 7, 0xBEEF))
	results, err = m.ReadHoldingRegisters(context.Background(), 1, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF}, results)
}

func TestMasterServerASCII(t *testing.T) {
	a, b := newLoopback()
	srv := NewServer(1, newBankHandler())
	srv.AddTransport(NewASCIIStreamTransport(b))
	srv.Start()
	defer srv.Stop()

	m := NewMaster(NewASCIIStreamTransport(a))
	results, err := m.ReadCoils(context.Background(), 1, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, results)
}
