package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/grid-x/serial"

	modbus "github.com/WolfYFGao/ModbusLib"
)

type option struct {
	address string
	slaveID int
	timeout time.Duration

	rtu struct {
		baudrate int
		dataBits int
		parity   string
		stopBits int
	}

	logger *slog.Logger
}

func main() {
	var opt option
	// general
	flag.StringVar(&opt.address, "address", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, rtu:///dev/ttyUSB0, ascii:///dev/ttyUSB0")
	flag.IntVar(&opt.slaveID, "slaveID", 1, "Unit address of the device, typically for serial connections")
	flag.DurationVar(&opt.timeout, "timeout", 2*time.Second, "Response timeout")
	// rtu/ascii
	flag.IntVar(&opt.rtu.baudrate, "rtu-baudrate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	flag.IntVar(&opt.rtu.dataBits, "rtu-databits", 8, "5, 6, 7 or 8")
	flag.StringVar(&opt.rtu.parity, "rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
	flag.IntVar(&opt.rtu.stopBits, "rtu-stopbits", 1, "1 or 2")

	var (
		register   = flag.Int("register", 0, "register or coil address")
		fnCode     = flag.Int("fn-code", 0x03, "function code to execute")
		quantity   = flag.Int("quantity", 2, "quantity of registers or coils")
		writeValue = flag.Int("write-value", -1, "value for write functions")
		logframe   = flag.Bool("log-frame", false, "prints received and sent modbus frames to stdout")
	)

	flag.Parse()

	if len(os.Args) == 1 {
		flag.PrintDefaults()
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	opt.logger = logger

	transport, err := newTransport(opt)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
	master := modbus.NewMaster(transport)
	master.Timeout = opt.timeout
	if *logframe {
		master.Logger = frameLogger{logger}
	}

	ctx := context.Background()
	addr := byte(opt.slaveID)
	start := uint16(*register)
	count := uint16(*quantity)

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()

	switch *fnCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		var bits []byte
		if *fnCode == modbus.FuncCodeReadCoils {
			bits, err = master.ReadCoils(ctx, addr, start, count)
		} else {
			bits, err = master.ReadDiscreteInputs(ctx, addr, start, count)
		}
		if err != nil {
			break
		}
		for i := 0; i < int(count); i++ {
			set := bits[i/8]&(1<<(i%8)) != 0
			fmt.Fprintf(w, "%d\t%v\n", int(start)+i, set)
		}
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		var data []byte
		if *fnCode == modbus.FuncCodeReadHoldingRegisters {
			data, err = master.ReadHoldingRegisters(ctx, addr, start, count)
		} else {
			data, err = master.ReadInputRegisters(ctx, addr, start, count)
		}
		if err != nil {
			break
		}
		for i := 0; i+1 < len(data); i += 2 {
			v := binary.BigEndian.Uint16(data[i:])
			fmt.Fprintf(w, "%d\t0x%04X\t%d\n", int(start)+i/2, v, v)
		}
	case modbus.FuncCodeWriteSingleCoil:
		value := uint16(0x0000)
		if *writeValue != 0 {
			value = 0xFF00
		}
		err = master.WriteSingleCoil(ctx, addr, start, value)
	case modbus.FuncCodeWriteSingleRegister:
		if *writeValue < 0 {
			err = fmt.Errorf("write function requires -write-value")
			break
		}
		err = master.WriteSingleRegister(ctx, addr, start, uint16(*writeValue))
	case modbus.FuncCodeReadDeviceIdentification:
		var objects map[byte][]byte
		objects, err = master.ReadDeviceIdentification(ctx, addr, modbus.ReadDeviceIDCodeExtended)
		if err != nil {
			break
		}
		for id, value := range objects {
			fmt.Fprintf(w, "0x%02X\t%q\n", id, value)
		}
	default:
		err = fmt.Errorf("unsupported function code 0x%02X", *fnCode)
	}
	if err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

// newTransport builds a transport from the address scheme.
func newTransport(opt option) (modbus.Transport, error) {
	u, err := url.Parse(opt.address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", opt.address, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		return modbus.NewTCPTransport(u.Host), nil
	case "rtu":
		return modbus.NewRTUTransport(serialConfig(u.Path, opt)), nil
	case "ascii":
		return modbus.NewASCIITransport(serialConfig(u.Path, opt)), nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func serialConfig(device string, opt option) serial.Config {
	return serial.Config{
		Address:  device,
		BaudRate: opt.rtu.baudrate,
		DataBits: opt.rtu.dataBits,
		Parity:   opt.rtu.parity,
		StopBits: opt.rtu.stopBits,
	}
}

// frameLogger adapts slog to the library's Printf logger.
type frameLogger struct {
	l *slog.Logger
}

func (f frameLogger) Printf(format string, v ...interface{}) {
	f.l.Info(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}
