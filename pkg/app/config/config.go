package config

import (
	"fmt"
	"io"
	"os"

	"github.com/womat/debug"
	"gopkg.in/yaml.v2"

	"knxtp/pkg/store"
)

// Config defines the struct of the global config and of the configuration
// file.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Knx       store.Config    `yaml:"knx"`
	Flag      FlagConfig      `yaml:"-"`
	Debug     DebugConfig     `yaml:"debug"`
	Webserver WebserverConfig `yaml:"webserver"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// DeviceConfig selects and configures the bus interface hardware.
type DeviceConfig struct {
	// Emulate runs the transceiver on the simulated timer instead of
	// the Pi GPIOs. The transmit pin loops back to the receive line.
	Emulate bool `yaml:"emulate"`
	// Chip is the gpio character device, e.g. "gpiochip0".
	Chip string `yaml:"chip"`
	// RxLine is the BCM number of the receive line.
	RxLine int `yaml:"rxline"`
	// TxPin is the BCM number of the transmit pin.
	TxPin int `yaml:"txpin"`
}

// FlagConfig defines the configured command line flags.
type FlagConfig struct {
	Version    bool
	Debug      string
	ConfigFile string
}

// WebserverConfig defines the struct of the webserver and webservice
// configuration.
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// MQTTConfig defines the struct of the mqtt client configuration.
type MQTTConfig struct {
	Connection string `yaml:"connection"`
	Topic      string `yaml:"topic"`
}

// DebugConfig defines the struct of the debug configuration.
type DebugConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

func NewConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Chip:   "gpiochip0",
			RxLine: 17,
			TxPin:  27,
		},
		Knx: store.Config{
			PhysicalAddress: "1.1.254",
		},
		Flag: FlagConfig{},
		Debug: DebugConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version":  true,
				"health":   true,
				"telegram": true,
				"send":     true,
			},
		},
		MQTT: MQTTConfig{
			Connection: "tcp://127.0.0.1:1883",
			Topic:      "knx/telegram",
		},
	}
}

func (c *Config) LoadConfig() error {
	if err := c.readConfigFile(); err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
	}

	if c.Flag.Debug != "" {
		c.Debug.FlagString = c.Flag.Debug
	}
	if err := c.setDebugConfig(); err != nil {
		return fmt.Errorf("unable to open debug file %q: %w", c.Debug.FileString, err)
	}

	return nil
}

func (c *Config) readConfigFile() error {
	file, err := os.Open(c.Flag.ConfigFile)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	if err = decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) setDebugConfig() (err error) {
	switch c.Debug.FlagString {
	case "trace", "full":
		c.Debug.Flag = debug.Full
	case "debug":
		c.Debug.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	case "standard":
		c.Debug.Flag = debug.Standard
	}

	switch c.Debug.FileString {
	case "stderr":
		c.Debug.File = os.Stderr
	case "stdout":
		c.Debug.File = os.Stdout
	default:
		if c.Debug.File, err = os.OpenFile(c.Debug.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}
