// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	// masterTimeout is the default wait for a matching response.
	masterTimeout = 2 * time.Second
	// masterDeviceIDTimeout is the default wait for device
	// identification reads, which may span several exchanges.
	masterDeviceIDTimeout = 4 * time.Second
)

// Master is the client-role correlator: it issues one request at a time
// over its transport, matches responses against the outstanding device
// address and function code, discards stray frames within the timeout
// window and decodes exception responses into *Error.
//
// All methods are synchronous and safe for concurrent use; requests are
// serialised on a single in-flight slot.
type Master struct {
	// Logger receives frame-level diagnostics. Nil means silent.
	Logger logger
	// Timeout bounds one request/response exchange. A context deadline
	// shortens it further.
	Timeout time.Duration
	// DeviceIdentificationTimeout bounds each device identification
	// exchange.
	DeviceIdentificationTimeout time.Duration

	mu        sync.Mutex
	transport Transport
	buffer    []byte
	ctx       TelegramContext
}

// NewMaster returns a master speaking through t.
func NewMaster(t Transport) *Master {
	return &Master{
		Timeout:                     masterTimeout,
		DeviceIdentificationTimeout: masterDeviceIDTimeout,
		transport:                   t,
		buffer:                      make([]byte, t.MaxADULength()),
	}
}

func (m *Master) logf(format string, v ...interface{}) {
	if m.Logger != nil {
		m.Logger.Printf(format, v...)
	}
}

// SendReceive performs one raw exchange: the PDU (functionCode, data) is
// sent to addr and the matching response data returned.
// desiredRespDataLen may give the expected response data length, or a
// negative value when unknown. Broadcast requests return immediately
// with no data.
func (m *Master) SendReceive(ctx context.Context, addr, functionCode byte, data []byte, desiredRespDataLen int) ([]byte, error) {
	return m.sendReceive(ctx, addr, functionCode, data, desiredRespDataLen, m.Timeout)
}

func (m *Master) sendReceive(ctx context.Context, addr, functionCode byte, data []byte, desiredRespDataLen int, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameLen, dataPos, err := m.transport.Build(addr, functionCode, len(data), m.buffer, false, &m.ctx)
	if err != nil {
		return nil, err
	}
	copy(m.buffer[dataPos:], data)

	m.transport.PrepareWrite()
	err = m.transport.Send(m.buffer, frameLen)
	m.transport.PrepareRead()
	if err != nil {
		return nil, err
	}

	// a broadcast is answered by nobody
	if addr == AddressBroadcast {
		return nil, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	remaining := timeout
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		n, err := m.transport.Receive(m.buffer, desiredRespDataLen, remaining)
		if err != nil {
			return nil, err
		}
		tg, perr := m.transport.Parse(m.buffer, n, true, &m.ctx)
		if perr != nil {
			m.logf("modbus: dropping unparseable frame: %v", perr)
			m.transport.ClearInput()
			remaining -= time.Since(start)
			continue
		}
		if tg.Addr == addr && tg.FunctionCode&^byte(exceptionBit) == functionCode {
			if tg.FunctionCode&exceptionBit != 0 {
				e := &Error{FunctionCode: tg.FunctionCode}
				if tg.DataLen > 0 {
					e.ExceptionCode = m.buffer[tg.DataPos]
				}
				return nil, e
			}
			return append([]byte{}, tg.Data(m.buffer)...), nil
		}
		// a stray frame from another exchange on the bus, keep waiting
		m.logf("modbus: ignoring stray frame from '%v' function '%v'", tg.Addr, tg.FunctionCode)
		remaining -= time.Since(start)
	}
	return nil, ErrTimeout
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (m *Master) ReadCoils(ctx context.Context, addr byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 2000)
	}
	return m.readBits(ctx, addr, FuncCodeReadCoils, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (m *Master) ReadDiscreteInputs(ctx context.Context, addr byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 2000)
	}
	return m.readBits(ctx, addr, FuncCodeReadDiscreteInputs, address, quantity)
}

func (m *Master) readBits(ctx context.Context, addr, functionCode byte, address, quantity uint16) ([]byte, error) {
	desired := 1 + int(quantity+7)/8
	response, err := m.sendReceive(ctx, addr, functionCode, dataBlock(address, quantity), desired, m.Timeout)
	if err != nil || addr == AddressBroadcast {
		return nil, err
	}
	if len(response) == 0 {
		return nil, ErrResponseTooShort
	}
	count := int(response[0])
	if count != len(response)-1 {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", len(response)-1, count)
	}
	return response[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (m *Master) ReadHoldingRegisters(ctx context.Context, addr byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 125)
	}
	return m.readRegisters(ctx, addr, FuncCodeReadHoldingRegisters, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : Nx2 bytes
func (m *Master) ReadInputRegisters(ctx context.Context, addr byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 125)
	}
	return m.readRegisters(ctx, addr, FuncCodeReadInputRegisters, address, quantity)
}

func (m *Master) readRegisters(ctx context.Context, addr, functionCode byte, address, quantity uint16) ([]byte, error) {
	desired := 1 + 2*int(quantity)
	response, err := m.sendReceive(ctx, addr, functionCode, dataBlock(address, quantity), desired, m.Timeout)
	if err != nil || addr == AddressBroadcast {
		return nil, err
	}
	if len(response) == 0 {
		return nil, ErrResponseTooShort
	}
	count := int(response[0])
	if count != len(response)-1 {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", len(response)-1, count)
	}
	return response[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response: echo of the request.
func (m *Master) WriteSingleCoil(ctx context.Context, addr byte, address, value uint16) error {
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	if value != 0xFF00 && value != 0x0000 {
		return fmt.Errorf("modbus: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", value)
	}
	return m.writeSingle(ctx, addr, FuncCodeWriteSingleCoil, address, value)
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response: echo of the request.
func (m *Master) WriteSingleRegister(ctx context.Context, addr byte, address, value uint16) error {
	return m.writeSingle(ctx, addr, FuncCodeWriteSingleRegister, address, value)
}

func (m *Master) writeSingle(ctx context.Context, addr, functionCode byte, address, value uint16) error {
	response, err := m.sendReceive(ctx, addr, functionCode, dataBlock(address, value), 4, m.Timeout)
	if err != nil {
		return err
	}
	if addr == AddressBroadcast {
		return nil
	}
	return verifyEcho(response, address, value)
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (m *Master) WriteMultipleCoils(ctx context.Context, addr byte, address, quantity uint16, value []byte) error {
	if quantity < 1 || quantity > 1968 {
		return fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 1968)
	}
	return m.writeMultiple(ctx, addr, FuncCodeWriteMultipleCoils, address, quantity, value)
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (m *Master) WriteMultipleRegisters(ctx context.Context, addr byte, address, quantity uint16, value []byte) error {
	if quantity < 1 || quantity > 123 {
		return fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", quantity, 1, 123)
	}
	return m.writeMultiple(ctx, addr, FuncCodeWriteMultipleRegisters, address, quantity, value)
}

func (m *Master) writeMultiple(ctx context.Context, addr, functionCode byte, address, quantity uint16, value []byte) error {
	response, err := m.sendReceive(ctx, addr, functionCode, dataBlockSuffix(value, address, quantity), 4, m.Timeout)
	if err != nil {
		return err
	}
	if addr == AddressBroadcast {
		return nil
	}
	return verifyEcho(response, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (m *Master) ReadWriteMultipleRegisters(ctx context.Context, addr byte, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	if readQuantity < 1 || readQuantity > 121 {
		return nil, fmt.Errorf("modbus: quantity to read '%v' must be between '%v' and '%v',", readQuantity, 1, 121)
	}
	if writeQuantity < 1 || writeQuantity > 121 {
		return nil, fmt.Errorf("modbus: quantity to write '%v' must be between '%v' and '%v',", writeQuantity, 1, 121)
	}
	desired := 1 + 2*int(readQuantity)
	data := dataBlockSuffix(value, readAddress, readQuantity, writeAddress, writeQuantity)
	response, err := m.sendReceive(ctx, addr, FuncCodeReadWriteMultipleRegisters, data, desired, m.Timeout)
	if err != nil || addr == AddressBroadcast {
		return nil, err
	}
	if len(response) == 0 {
		return nil, ErrResponseTooShort
	}
	count := int(response[0])
	if count != len(response)-1 {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", len(response)-1, count)
	}
	return response[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x07)
//
// Response:
//
//	Function code         : 1 byte (0x07)
//	Output data           : 1 byte
func (m *Master) ReadExceptionStatus(ctx context.Context, addr byte) (byte, error) {
	response, err := m.sendReceive(ctx, addr, FuncCodeReadExceptionStatus, nil, 1, m.Timeout)
	if err != nil || addr == AddressBroadcast {
		return 0, err
	}
	if len(response) < 1 {
		return 0, ErrResponseTooShort
	}
	return response[0], nil
}

// Request:
//
//	Function code         : 1 byte (0x08)
//	Sub-function          : 2 bytes
//	Data                  : 2 bytes
//
// Response: echo of the request for the common sub-functions.
func (m *Master) Diagnostics(ctx context.Context, addr byte, subFunction, value uint16) (uint16, error) {
	response, err := m.sendReceive(ctx, addr, FuncCodeDiagnostics, dataBlock(subFunction, value), 4, m.Timeout)
	if err != nil {
		return 0, err
	}
	if addr == AddressBroadcast {
		return 0, nil
	}
	if len(response) < 4 {
		return 0, ErrResponseTooShort
	}
	if got := binary.BigEndian.Uint16(response); got != subFunction {
		return 0, fmt.Errorf("modbus: response sub-function '%v' does not match request '%v'", got, subFunction)
	}
	return binary.BigEndian.Uint16(response[2:]), nil
}

// Request:
//
//	Function code         : 1 byte (0x0B)
//
// Response:
//
//	Function code         : 1 byte (0x0B)
//	Status                : 2 bytes
//	Event count           : 2 bytes
func (m *Master) GetCommEventCounter(ctx context.Context, addr byte) (status, count uint16, err error) {
	response, err := m.sendReceive(ctx, addr, FuncCodeGetCommEventCounter, nil, 4, m.Timeout)
	if err != nil || addr == AddressBroadcast {
		return 0, 0, err
	}
	if len(response) < 4 {
		return 0, 0, ErrResponseTooShort
	}
	return binary.BigEndian.Uint16(response), binary.BigEndian.Uint16(response[2:]), nil
}

// CommEventLog is the decoded response of GetCommEventLog.
type CommEventLog struct {
	Status       uint16
	EventCount   uint16
	MessageCount uint16
	Events       []byte
}

// Request:
//
//	Function code         : 1 byte (0x0C)
//
// Response:
//
//	Function code         : 1 byte (0x0C)
//	Byte count            : 1 byte
//	Status                : 2 bytes
//	Event count           : 2 bytes
//	Message count         : 2 bytes
//	Events                : 0 to 64 bytes
func (m *Master) GetCommEventLog(ctx context.Context, addr byte) (*CommEventLog, error) {
	response, err := m.sendReceive(ctx, addr, FuncCodeGetCommEventLog, nil, -1, m.Timeout)
	if err != nil || addr == AddressBroadcast {
		return nil, err
	}
	if len(response) < 7 {
		return nil, ErrResponseTooShort
	}
	count := int(response[0])
	if count != len(response)-1 {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", len(response)-1, count)
	}
	return &CommEventLog{
		Status:       binary.BigEndian.Uint16(response[1:]),
		EventCount:   binary.BigEndian.Uint16(response[3:]),
		MessageCount: binary.BigEndian.Uint16(response[5:]),
		Events:       append([]byte{}, response[7:]...),
	}, nil
}

// ReadDeviceIdentification reads the identification objects selected by
// code via function 0x2B (MEI type 0x0E), following the more-follows
// paging until the device reports the stream complete.
func (m *Master) ReadDeviceIdentification(ctx context.Context, addr byte, code ReadDeviceIDCode) (map[byte][]byte, error) {
	return m.ReadDeviceIdentificationWithObjectID(ctx, addr, code, 0)
}

// ReadDeviceIdentificationWithObjectID behaves like
// ReadDeviceIdentification but starts the stream at objectID. For
// ReadDeviceIDCodeSpecific exactly that object is fetched.
func (m *Master) ReadDeviceIdentificationWithObjectID(ctx context.Context, addr byte, code ReadDeviceIDCode, objectID byte) (map[byte][]byte, error) {
	objects := make(map[byte][]byte)
	for {
		request := []byte{MEITypeReadDeviceIdentification, byte(code), objectID}
		response, err := m.sendReceive(ctx, addr, FuncCodeReadDeviceIdentification, request, -1, m.DeviceIdentificationTimeout)
		if err != nil {
			return nil, err
		}
		moreFollows, nextObjectID, err := parseDeviceIdentification(response, objects)
		if err != nil {
			return nil, err
		}
		if code == ReadDeviceIDCodeSpecific || !moreFollows {
			return objects, nil
		}
		objectID = nextObjectID
	}
}

// verifyEcho checks a write response against the request words.
func verifyEcho(response []byte, address, value uint16) error {
	if len(response) != 4 {
		return fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(response), 4)
	}
	if got := binary.BigEndian.Uint16(response); got != address {
		return fmt.Errorf("modbus: response address '%v' does not match request '%v'", got, address)
	}
	if got := binary.BigEndian.Uint16(response[2:]); got != value {
		return fmt.Errorf("modbus: response value '%v' does not match request '%v'", got, value)
	}
	return nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and appends the
// suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}
