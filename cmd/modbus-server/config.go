package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the server settings, merged from defaults, an optional
// config file and command line flags.
type Config struct {
	// TCP listener
	TCPAddress string `mapstructure:"tcp_address"`
	TCPPort    int    `mapstructure:"tcp_port"`

	// Serial line
	Device   string        `mapstructure:"device"`
	Framing  string        `mapstructure:"framing"` // rtu or ascii
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// Device model
	UnitID   int `mapstructure:"unit_id"`
	Coils    int `mapstructure:"coils"`
	Discrete int `mapstructure:"discrete_inputs"`
	Holding  int `mapstructure:"holding_registers"`
	Input    int `mapstructure:"input_registers"`

	// Identification objects announced via function 0x2B/0x0E
	VendorName  string `mapstructure:"vendor_name"`
	ProductCode string `mapstructure:"product_code"`
	Revision    string `mapstructure:"revision"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// LoadConfig loads the configuration from command line and config file.
func LoadConfig() (*Config, error) {
	viper.SetDefault("tcp_address", "0.0.0.0")
	viper.SetDefault("tcp_port", 502)
	viper.SetDefault("device", "")
	viper.SetDefault("framing", "rtu")
	viper.SetDefault("baud_rate", 19200)
	viper.SetDefault("data_bits", 8)
	viper.SetDefault("parity", "E")
	viper.SetDefault("stop_bits", 1)
	viper.SetDefault("timeout", 50*time.Millisecond)
	viper.SetDefault("unit_id", 1)
	viper.SetDefault("coils", 64)
	viper.SetDefault("discrete_inputs", 64)
	viper.SetDefault("holding_registers", 128)
	viper.SetDefault("input_registers", 128)
	viper.SetDefault("vendor_name", "ModbusLib")
	viper.SetDefault("product_code", "modbus-server")
	viper.SetDefault("revision", "1.0")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file", "")

	pflag.StringP("config", "c", "", "Configuration file path.")
	pflag.StringP("tcp_address", "A", viper.GetString("tcp_address"), "TCP server address to bind.")
	pflag.IntP("tcp_port", "P", viper.GetInt("tcp_port"), "TCP server port number, 0 disables TCP.")
	pflag.StringP("device", "p", viper.GetString("device"), "Serial port device name, empty disables serial.")
	pflag.String("framing", viper.GetString("framing"), "Serial framing: rtu or ascii.")
	pflag.IntP("baud_rate", "s", viper.GetInt("baud_rate"), "Serial port speed.")
	pflag.IntP("unit_id", "u", viper.GetInt("unit_id"), "Unit address to answer on, 248 answers any.")
	pflag.StringP("log_level", "v", viper.GetString("log_level"), "Log verbosity level (debug, info, warn, error).")
	pflag.StringP("log_file", "L", viper.GetString("log_file"), "Log file name ('-' for logging to STDOUT only).")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/modbus-server/")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Parity = strings.ToUpper(config.Parity)
	config.Framing = strings.ToLower(config.Framing)

	return &config, nil
}
