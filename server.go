package modbus

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	// serverPollInterval is the sleep between full transport sweeps.
	serverPollInterval = 50 * time.Millisecond
	// serverReceiveTimeout is the per-frame read ceiling of the poll loop.
	serverReceiveTimeout = time.Second
)

// CoilsRequest is a decoded coil access. For writes IsWrite is set and
// Args carries the values; the handler result is ignored then.
type CoilsRequest struct {
	Addr     byte // unit address the request was sent to
	Start    uint16
	Quantity uint16
	IsWrite  bool
	Args     []bool
}

// DiscreteInputsRequest is a decoded discrete input read.
type DiscreteInputsRequest struct {
	Addr     byte
	Start    uint16
	Quantity uint16
}

// HoldingRegistersRequest is a decoded holding register access. For
// writes IsWrite is set and Args carries the values.
type HoldingRegistersRequest struct {
	Addr     byte
	Start    uint16
	Quantity uint16
	IsWrite  bool
	Args     []uint16
}

// InputRegistersRequest is a decoded input register read.
type InputRegistersRequest struct {
	Addr     byte
	Start    uint16
	Quantity uint16
}

// RequestHandler is the application callback interface of a Server. Read
// handlers return exactly Quantity values. A returned ExceptionCode goes
// on the wire as-is; any other error (and any panic) is reported as
// ExceptionCodeServerDeviceFailure.
type RequestHandler interface {
	HandleCoils(req *CoilsRequest) ([]bool, error)
	HandleDiscreteInputs(req *DiscreteInputsRequest) ([]bool, error)
	HandleHoldingRegisters(req *HoldingRegistersRequest) ([]uint16, error)
	HandleInputRegisters(req *InputRegistersRequest) ([]uint16, error)
}

// CustomTelegramHandler may additionally be implemented by a
// RequestHandler to serve function codes outside the standard dispatch
// table. Returning handled == false yields an IllegalFunction exception.
type CustomTelegramHandler interface {
	HandleCustomTelegram(addr, functionCode byte, data []byte) (response []byte, handled bool)
}

// DeviceIdentificationProvider may additionally be implemented by a
// RequestHandler to serve ReadDeviceIdentification (0x2B/0x0E).
type DeviceIdentificationProvider interface {
	DeviceIdentification() *DeviceIdentification
}

type serverState int

const (
	serverStopped serverState = iota
	serverRunning
	serverStopping
)

// Server is the device-role dispatch engine. One worker polls all
// registered transports round robin, routes well-addressed requests to
// the handler and emits responses or exceptions. Broadcast requests are
// executed but never answered; a server addressed AddressAcceptAll
// accepts every unit id.
type Server struct {
	// Logger receives frame-level diagnostics. Nil means silent.
	Logger logger
	// OnMessageReceived is an observability hook invoked for every
	// well-formed frame before dispatch. It must not block.
	OnMessageReceived func(t Transport, addr, functionCode byte)

	address byte
	handler RequestHandler

	// lock guards transports and buffer against the poll loop.
	lock       sync.Locker
	transports []Transport
	buffer     []byte

	stateMu sync.Mutex
	state   serverState
	stopped chan struct{}
}

// NewServer returns a stopped server for the given unit address.
func NewServer(address byte, handler RequestHandler) *Server {
	return NewServerWithLock(address, handler, &sync.Mutex{})
}

// NewServerWithLock is NewServer with an external synchronisation object
// guarding the transport set, for callers that coordinate several
// engines over shared media.
func NewServerWithLock(address byte, handler RequestHandler, lock sync.Locker) *Server {
	return &Server{
		address: address,
		handler: handler,
		lock:    lock,
	}
}

// Address returns the configured unit address.
func (s *Server) Address() byte { return s.address }

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// AddTransport registers t and switches it to idle read. The shared
// frame buffer grows to the largest ADU any registered transport may
// deliver.
func (s *Server) AddTransport(t Transport) {
	s.lock.Lock()
	defer s.lock.Unlock()
	t.PrepareRead()
	s.transports = append(s.transports, t)
	if n := t.MaxADULength(); n > len(s.buffer) {
		s.buffer = make([]byte, n)
	}
}

// RemoveTransport drops t from the set without closing it.
func (s *Server) RemoveTransport(t Transport) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, cur := range s.transports {
		if cur == t {
			s.transports = append(s.transports[:i], s.transports[i+1:]...)
			return
		}
	}
}

// Start launches the poll worker. Starting a running server is a no-op.
func (s *Server) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != serverStopped {
		return
	}
	s.state = serverRunning
	s.stopped = make(chan struct{})
	go s.run(s.stopped)
}

// Stop asks the worker to finish its sweep and waits for it.
func (s *Server) Stop() {
	s.stateMu.Lock()
	if s.state != serverRunning {
		s.stateMu.Unlock()
		return
	}
	s.state = serverStopping
	stopped := s.stopped
	s.stateMu.Unlock()

	<-stopped

	s.stateMu.Lock()
	s.state = serverStopped
	s.stateMu.Unlock()
}

// IsRunning reports whether the poll worker is active.
func (s *Server) IsRunning() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state == serverRunning
}

func (s *Server) run(stopped chan struct{}) {
	defer close(stopped)
	for {
		s.stateMu.Lock()
		running := s.state == serverRunning
		s.stateMu.Unlock()
		if !running {
			return
		}

		s.lock.Lock()
		// reverse order so removal mid-sweep is safe
		for i := len(s.transports) - 1; i >= 0; i-- {
			t := s.transports[i]
			s.poll(t)
			if !t.IsConnected() {
				s.transports = append(s.transports[:i], s.transports[i+1:]...)
				t.Close()
			}
		}
		s.lock.Unlock()

		time.Sleep(serverPollInterval)
	}
}

// poll handles at most one frame from t.
func (s *Server) poll(t Transport) {
	if !t.DataAvailable() {
		return
	}
	n, err := t.Receive(s.buffer, -1, serverReceiveTimeout)
	if err != nil || n == 0 {
		return
	}
	var ctx TelegramContext
	tg, err := t.Parse(s.buffer, n, false, &ctx)
	if err != nil {
		// resynchronise at the next inter-frame gap
		t.ClearInput()
		return
	}

	t.PrepareWrite()
	defer t.PrepareRead()

	if s.OnMessageReceived != nil {
		s.OnMessageReceived(t, tg.Addr, tg.FunctionCode)
	}

	isBroadcast := tg.Addr == AddressBroadcast
	if !isBroadcast && s.address != AddressAcceptAll && tg.Addr != s.address {
		// another device on the bus will answer
		return
	}

	out, err := s.serve(t, tg, tg.Data(s.buffer))
	if isBroadcast {
		return
	}
	if err != nil {
		var code ExceptionCode
		if !errors.As(err, &code) {
			code = ExceptionCodeServerDeviceFailure
		}
		s.reply(t, &ctx, tg.Addr, tg.FunctionCode|exceptionBit, []byte{byte(code)})
		return
	}
	s.reply(t, &ctx, tg.Addr, tg.FunctionCode, out)
}

func (s *Server) reply(t Transport, ctx *TelegramContext, addr, functionCode byte, data []byte) {
	frameLen, dataPos, err := t.Build(addr, functionCode, len(data), s.buffer, true, ctx)
	if err != nil {
		s.logf("modbus: cannot build response: %v", err)
		return
	}
	copy(s.buffer[dataPos:], data)
	if err := t.Send(s.buffer, frameLen); err != nil {
		s.logf("modbus: cannot send response: %v", err)
	}
}

// serve decodes and executes one request PDU. Handler panics become
// ExceptionCodeServerDeviceFailure.
func (s *Server) serve(t Transport, tg Telegram, data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("modbus: handler panic on function %v: %v", tg.FunctionCode, r)
			out, err = nil, ExceptionCodeServerDeviceFailure
		}
	}()

	switch tg.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return s.serveReadBits(tg.Addr, tg.FunctionCode, data)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return s.serveReadRegisters(tg.Addr, tg.FunctionCode, data)
	case FuncCodeWriteSingleCoil:
		return s.serveWriteSingleCoil(tg.Addr, data)
	case FuncCodeWriteSingleRegister:
		return s.serveWriteSingleRegister(tg.Addr, data)
	case FuncCodeWriteMultipleCoils:
		return s.serveWriteMultipleCoils(tg.Addr, data)
	case FuncCodeWriteMultipleRegisters:
		return s.serveWriteMultipleRegisters(tg.Addr, data)
	case FuncCodeReadWriteMultipleRegisters:
		return s.serveReadWriteMultipleRegisters(tg.Addr, data)
	case FuncCodeReadDeviceIdentification:
		return s.serveDeviceIdentification(t, data)
	}
	if ch, ok := s.handler.(CustomTelegramHandler); ok {
		if resp, handled := ch.HandleCustomTelegram(tg.Addr, tg.FunctionCode, data); handled {
			return resp, nil
		}
	}
	return nil, ExceptionCodeIllegalFunction
}

func (s *Server) serveReadBits(addr, functionCode byte, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	start := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity < 1 || quantity > 2000 {
		return nil, ExceptionCodeIllegalDataValue
	}
	var res []bool
	var err error
	if functionCode == FuncCodeReadCoils {
		res, err = s.handler.HandleCoils(&CoilsRequest{Addr: addr, Start: start, Quantity: quantity})
	} else {
		res, err = s.handler.HandleDiscreteInputs(&DiscreteInputsRequest{Addr: addr, Start: start, Quantity: quantity})
	}
	if err != nil {
		return nil, err
	}
	if len(res) != int(quantity) {
		return nil, ExceptionCodeServerDeviceFailure
	}
	bits := packBits(res)
	out := make([]byte, 1+len(bits))
	out[0] = byte(len(bits))
	copy(out[1:], bits)
	return out, nil
}

func (s *Server) serveReadRegisters(addr, functionCode byte, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	start := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity < 1 || quantity > 125 {
		return nil, ExceptionCodeIllegalDataValue
	}
	var res []uint16
	var err error
	if functionCode == FuncCodeReadHoldingRegisters {
		res, err = s.handler.HandleHoldingRegisters(&HoldingRegistersRequest{Addr: addr, Start: start, Quantity: quantity})
	} else {
		res, err = s.handler.HandleInputRegisters(&InputRegistersRequest{Addr: addr, Start: start, Quantity: quantity})
	}
	if err != nil {
		return nil, err
	}
	if len(res) != int(quantity) {
		return nil, ExceptionCodeServerDeviceFailure
	}
	out := make([]byte, 1+2*len(res))
	out[0] = byte(2 * len(res))
	for i, v := range res {
		binary.BigEndian.PutUint16(out[1+2*i:], v)
	}
	return out, nil
}

func (s *Server) serveWriteSingleCoil(addr byte, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	start := binary.BigEndian.Uint16(data)
	value := binary.BigEndian.Uint16(data[2:])
	if value != 0x0000 && value != 0xFF00 {
		return nil, ExceptionCodeIllegalDataValue
	}
	_, err := s.handler.HandleCoils(&CoilsRequest{
		Addr:     addr,
		Start:    start,
		Quantity: 1,
		IsWrite:  true,
		Args:     []bool{value == 0xFF00},
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{}, data[:4]...), nil
}

func (s *Server) serveWriteSingleRegister(addr byte, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	start := binary.BigEndian.Uint16(data)
	value := binary.BigEndian.Uint16(data[2:])
	_, err := s.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
		Addr:     addr,
		Start:    start,
		Quantity: 1,
		IsWrite:  true,
		Args:     []uint16{value},
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{}, data[:4]...), nil
}

func (s *Server) serveWriteMultipleCoils(addr byte, data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, ExceptionCodeIllegalDataValue
	}
	start := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	byteCount := int(data[4])
	if quantity < 1 || quantity > 1968 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if byteCount != (int(quantity)+7)/8 || len(data) != 5+byteCount {
		return nil, ExceptionCodeIllegalDataValue
	}
	_, err := s.handler.HandleCoils(&CoilsRequest{
		Addr:     addr,
		Start:    start,
		Quantity: quantity,
		IsWrite:  true,
		Args:     unpackBits(data[5:], int(quantity)),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{}, data[:4]...), nil
}

func (s *Server) serveWriteMultipleRegisters(addr byte, data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, ExceptionCodeIllegalDataValue
	}
	start := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	byteCount := int(data[4])
	if quantity < 1 || quantity > 123 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if byteCount != 2*int(quantity) || len(data) != 5+byteCount {
		return nil, ExceptionCodeIllegalDataValue
	}
	args := make([]uint16, quantity)
	for i := range args {
		args[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	_, err := s.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
		Addr:     addr,
		Start:    start,
		Quantity: quantity,
		IsWrite:  true,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{}, data[:4]...), nil
}

func (s *Server) serveReadWriteMultipleRegisters(addr byte, data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, ExceptionCodeIllegalDataValue
	}
	readStart := binary.BigEndian.Uint16(data)
	readQuantity := binary.BigEndian.Uint16(data[2:])
	writeStart := binary.BigEndian.Uint16(data[4:])
	writeQuantity := binary.BigEndian.Uint16(data[6:])
	byteCount := int(data[8])
	if readQuantity < 1 || readQuantity > 121 || writeQuantity < 1 || writeQuantity > 121 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if byteCount != 2*int(writeQuantity) || len(data) != 9+byteCount {
		return nil, ExceptionCodeIllegalDataValue
	}
	args := make([]uint16, writeQuantity)
	for i := range args {
		args[i] = binary.BigEndian.Uint16(data[9+2*i:])
	}
	// the write is performed before the read
	if _, err := s.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
		Addr:     addr,
		Start:    writeStart,
		Quantity: writeQuantity,
		IsWrite:  true,
		Args:     args,
	}); err != nil {
		return nil, err
	}
	res, err := s.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
		Addr:     addr,
		Start:    readStart,
		Quantity: readQuantity,
	})
	if err != nil {
		return nil, err
	}
	if len(res) != int(readQuantity) {
		return nil, ExceptionCodeServerDeviceFailure
	}
	out := make([]byte, 1+2*len(res))
	out[0] = byte(2 * len(res))
	for i, v := range res {
		binary.BigEndian.PutUint16(out[1+2*i:], v)
	}
	return out, nil
}

// packBits packs coil values LSB first, unused high bits of the last
// byte zero.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// unpackBits is the inverse of packBits for count coil values.
func unpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}
