package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grid-x/serial"

	modbus "github.com/WolfYFGao/ModbusLib"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	slog.Info("Starting Modbus server...", "unit_id", cfg.UnitID)

	device := newRegisterBank(cfg)
	srv := modbus.NewServer(byte(cfg.UnitID), device)

	var listener *modbus.TCPListener
	if cfg.TCPPort > 0 {
		listener = modbus.NewTCPListener(fmt.Sprintf("%s:%d", cfg.TCPAddress, cfg.TCPPort))
		if err := listener.Start(srv); err != nil {
			slog.Error("Failed to start TCP listener", "err", err)
			os.Exit(1)
		}
		slog.Info("Modbus TCP listening", "addr", listener.Addr())
	}

	if cfg.Device != "" {
		serialCfg := serial.Config{
			Address:  cfg.Device,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			Parity:   cfg.Parity,
			StopBits: cfg.StopBits,
			Timeout:  cfg.Timeout,
		}
		switch cfg.Framing {
		case "rtu":
			srv.AddTransport(modbus.NewRTUTransport(serialCfg))
		case "ascii":
			srv.AddTransport(modbus.NewASCIITransport(serialCfg))
		default:
			slog.Error("Unknown serial framing", "framing", cfg.Framing)
			os.Exit(1)
		}
		slog.Info("Serial line attached", "device", cfg.Device, "framing", cfg.Framing)
	}

	if listener == nil && cfg.Device == "" {
		slog.Error("No transports configured. Exiting.")
		os.Exit(1)
	}

	srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	if listener != nil {
		listener.Close()
	}
	srv.Stop()
	slog.Info("Goodbye.")
}

func setupLogger(cfg *Config) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.LogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFile != "" && cfg.LogFile != "-" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
