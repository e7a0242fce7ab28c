package main

import (
	"sync"

	modbus "github.com/WolfYFGao/ModbusLib"
)

// registerBank is the in-memory device model served by this binary:
// plain bounds-checked arrays for each register class plus the
// identification objects.
type registerBank struct {
	mu       sync.Mutex
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16

	ident *modbus.DeviceIdentification
}

func newRegisterBank(cfg *Config) *registerBank {
	return &registerBank{
		coils:    make([]bool, cfg.Coils),
		discrete: make([]bool, cfg.Discrete),
		holding:  make([]uint16, cfg.Holding),
		input:    make([]uint16, cfg.Input),
		ident: &modbus.DeviceIdentification{
			ConformityLevel: 0x01 | modbus.ConformityStreamAccess,
			Objects: map[byte][]byte{
				modbus.DeviceIDObjectVendorName:         []byte(cfg.VendorName),
				modbus.DeviceIDObjectProductCode:        []byte(cfg.ProductCode),
				modbus.DeviceIDObjectMajorMinorRevision: []byte(cfg.Revision),
			},
		},
	}
}

func (b *registerBank) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(req.Start)+int(req.Quantity) > len(b.coils) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	if req.IsWrite {
		copy(b.coils[req.Start:], req.Args)
	}
	return append([]bool{}, b.coils[req.Start:int(req.Start)+int(req.Quantity)]...), nil
}

func (b *registerBank) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(req.Start)+int(req.Quantity) > len(b.discrete) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	return append([]bool{}, b.discrete[req.Start:int(req.Start)+int(req.Quantity)]...), nil
}

func (b *registerBank) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(req.Start)+int(req.Quantity) > len(b.holding) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	if req.IsWrite {
		copy(b.holding[req.Start:], req.Args)
	}
	return append([]uint16{}, b.holding[req.Start:int(req.Start)+int(req.Quantity)]...), nil
}

func (b *registerBank) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(req.Start)+int(req.Quantity) > len(b.input) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	return append([]uint16{}, b.input[req.Start:int(req.Start)+int(req.Quantity)]...), nil
}

func (b *registerBank) DeviceIdentification() *modbus.DeviceIdentification {
	return b.ident
}
