// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

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

func TestTCPBuildSend(t *testing.T) {
	a, b := newLoopback()
	tr := NewTCPConnTransport(a)

	var ctx TelegramContext
	buf := make([]byte, tr.MaxADULength())
	frameLen, dataPos, err := tr.Build(1, FuncCodeReadHoldingRegisters, 4, buf, false, &ctx)
	require.NoError(t, err)
	copy(buf[dataPos:], []byte{0x00, 0x00, 0x00, 0x01})
	require.NoError(t, tr.Send(buf, frameLen))

	assert.Equal(t, uint16(1), ctx.TransactionID)
	assert.Equal(t,
		[]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
		b.takeAll())
}

func TestTCPEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		addr := rapid.Byte().Draw(t, "Addr")
		functionCode := rapid.Byte().Draw(t, "FunctionCode")
		data := rapid.SliceOfN(rapid.Byte(), 0, 252).Draw(t, "Data")

		a, b := newLoopback()
		tr := NewTCPConnTransport(a)
		var ctx TelegramContext
		buf := make([]byte, tr.MaxADULength())
		frameLen, dataPos, err := tr.Build(addr, functionCode, len(data), buf, false, &ctx)
		if err != nil {
			t.Fatalf("error while building: %+v", err)
		}
		copy(buf[dataPos:], data)
		if err := tr.Send(buf, frameLen); err != nil {
			t.Fatalf("error while sending: %+v", err)
		}

		frame := b.takeAll()
		tg, err := tr.Parse(frame, len(frame), true, &ctx)
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

func TestTCPParseTransactionMismatch(t *testing.T) {
	tr := &TCPTransport{}
	frame := []byte{0x00, 0x06, 0x00, 0x00, 0x00, 0x04, 0x01, 0x03, 0x02, 0x00}
	ctx := TelegramContext{TransactionID: 5}
	_, err := tr.Parse(frame, len(frame), true, &ctx)
	assert.ErrorIs(t, err, ErrFrame)

	ctx.TransactionID = 6
	tg, err := tr.Parse(frame, len(frame), true, &ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(1), tg.Addr)
}

func TestTCPParseRequestCapturesTransaction(t *testing.T) {
	tr := &TCPTransport{}
	frame := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	var ctx TelegramContext
	_, err := tr.Parse(frame, len(frame), false, &ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), ctx.TransactionID)
}

func TestTCPParseBadProtocol(t *testing.T) {
	tr := &TCPTransport{}
	frame := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03}
	_, err := tr.Parse(frame, len(frame), false, nil)
	assert.ErrorIs(t, err, ErrFrame)
}

func TestTCPReceive(t *testing.T) {
	a, _ := newLoopback()
	tr := NewTCPConnTransport(a)
	response := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x12, 0x34}
	a.stuff(response)

	buf := make([]byte, tr.MaxADULength())
	n, err := tr.Receive(buf, -1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, response, buf[:n])
}

func TestTCPReceiveBadLength(t *testing.T) {
	a, _ := newLoopback()
	tr := NewTCPConnTransport(a)
	a.stuff([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01})

	buf := make([]byte, tr.MaxADULength())
	_, err := tr.Receive(buf, -1, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrFrame)
}

func TestTCPReceiveTimeout(t *testing.T) {
	a, _ := newLoopback()
	tr := NewTCPConnTransport(a)

	buf := make([]byte, tr.MaxADULength())
	_, err := tr.Receive(buf, -1, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
