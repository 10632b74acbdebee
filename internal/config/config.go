package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mkprint/internal/escpos"
	"mkprint/internal/printer"
	"mkprint/internal/raster"
)

// Config holds every tunable of the driver.
type Config struct {
	PrinterWidth int

	ConnectAttempts int
	ConnectInterval time.Duration

	Transport string // socket, serial or port
	Channel   int
	BaudRate  int

	Charset    escpos.Charset
	AutoResume bool

	LogLevel       string
	LogDevelopment bool
}

// New returns a viper instance with defaults, MKPRINT_* environment
// overrides and the optional mkprint.yaml search path.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MKPRINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("printer.width", raster.PrinterWidth)
	v.SetDefault("connect.attempts", printer.ConnectAttempts)
	v.SetDefault("connect.interval", printer.ConnectPollInterval)
	v.SetDefault("bluetooth.transport", printer.DefaultTransportKind)
	v.SetDefault("bluetooth.channel", printer.DefaultChannel)
	v.SetDefault("serial.baud", printer.DefaultSerialConfig.BaudRate)
	v.SetDefault("text.charset", string(escpos.CharsetGBK))
	v.SetDefault("job.auto_resume", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetConfigName("mkprint")
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "mkprint"))
	}
	v.AddConfigPath(".")
	return v
}

// Load reads configuration from the environment and mkprint.yaml if present.
func Load() (Config, error) {
	v := New()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper extracts and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	charset, err := escpos.ParseCharset(v.GetString("text.charset"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		PrinterWidth:    v.GetInt("printer.width"),
		ConnectAttempts: v.GetInt("connect.attempts"),
		ConnectInterval: v.GetDuration("connect.interval"),
		Transport:       strings.ToLower(v.GetString("bluetooth.transport")),
		Channel:         v.GetInt("bluetooth.channel"),
		BaudRate:        v.GetInt("serial.baud"),
		Charset:         charset,
		AutoResume:      v.GetBool("job.auto_resume"),
		LogLevel:        v.GetString("log.level"),
		LogDevelopment:  v.GetBool("log.development"),
	}

	switch {
	case cfg.PrinterWidth <= 0 || cfg.PrinterWidth%8 != 0:
		return Config{}, fmt.Errorf("printer.width must be a positive multiple of 8, got %d", cfg.PrinterWidth)
	case cfg.ConnectAttempts <= 0:
		return Config{}, fmt.Errorf("connect.attempts must be positive, got %d", cfg.ConnectAttempts)
	case cfg.ConnectInterval <= 0:
		return Config{}, fmt.Errorf("connect.interval must be positive, got %s", cfg.ConnectInterval)
	case cfg.Channel < 1 || cfg.Channel > 30:
		return Config{}, fmt.Errorf("bluetooth.channel must be 1-30, got %d", cfg.Channel)
	case cfg.BaudRate <= 0:
		return Config{}, fmt.Errorf("serial.baud must be positive, got %d", cfg.BaudRate)
	}
	return cfg, nil
}

// Serial returns the serial port settings.
func (c Config) Serial() printer.SerialConfig {
	s := printer.DefaultSerialConfig
	s.BaudRate = c.BaudRate
	return s
}
