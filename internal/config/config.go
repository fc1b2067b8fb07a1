package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/modemctl/internal/qmi"
	gotoml "github.com/pelletier/go-toml/v2"
)

// Transport selects how qmictl reaches the modem.
type Transport string

const (
	TransportQMUX Transport = "qmux"
	TransportQRTR Transport = "qrtr"
)

// Config is the effective qmictl configuration.
type Config struct {
	Transport Transport `toml:"transport"`
	QMUX      QMUX      `toml:"qmux"`
	QRTR      QRTR      `toml:"qrtr"`
	Timeouts  Timeouts  `toml:"timeouts"`
	Discovery Discovery `toml:"discovery"`
	Log       Log       `toml:"log"`
	Status    Status    `toml:"status"`
	Modem     Modem     `toml:"modem"`
}

type QMUX struct {
	Device string `toml:"device"`
}

type QRTR struct {
	Node uint32 `toml:"node"`
}

type Timeouts struct {
	Discover time.Duration `toml:"discover"`
	Client   time.Duration `toml:"client"`
	Lookup   time.Duration `toml:"lookup"`
}

type Discovery struct {
	Attempts     int           `toml:"attempts"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
}

type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Status configures the HTTP surface of qmictl serve. An empty Token leaves
// it open.
type Status struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

type Modem struct {
	MaxPending int `toml:"max_pending"`
}

// fileConfig mirrors the TOML layout; durations are strings.
type fileConfig struct {
	Transport string `toml:"transport"`
	QMUX      struct {
		Device string `toml:"device"`
	} `toml:"qmux"`
	QRTR struct {
		Node int64 `toml:"node"`
	} `toml:"qrtr"`
	Timeouts struct {
		Discover string `toml:"discover"`
		Client   string `toml:"client"`
		Lookup   string `toml:"lookup"`
	} `toml:"timeouts"`
	Discovery struct {
		Attempts     int    `toml:"attempts"`
		InitialDelay string `toml:"initial_delay"`
		MaxDelay     string `toml:"max_delay"`
	} `toml:"discovery"`
	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`
	Status struct {
		Addr  string `toml:"addr"`
		Token string `toml:"token"`
	} `toml:"status"`
	Modem struct {
		MaxPending int `toml:"max_pending"`
	} `toml:"modem"`
}

func Default() Config {
	engine := qmi.DefaultConfig()
	return Config{
		Transport: TransportQMUX,
		QMUX:      QMUX{Device: "/dev/cdc-wdm0"},
		QRTR:      QRTR{Node: qmi.AnyNode},
		Timeouts: Timeouts{
			Discover: engine.DiscoverTimeout,
			Client:   engine.ClientTimeout,
			Lookup:   engine.LookupTimeout,
		},
		Discovery: Discovery{
			Attempts:     engine.DiscoverAttempts,
			InitialDelay: engine.Backoff.InitialDelay,
			MaxDelay:     engine.Backoff.MaxDelay,
		},
		Log:    Log{Level: "info"},
		Status: Status{Addr: "127.0.0.1:9380"},
		Modem:  Modem{MaxPending: 32},
	}
}

// Load overlays the keys defined in the TOML file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("transport") {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}
	if meta.IsDefined("qmux", "device") {
		cfg.QMUX.Device = strings.TrimSpace(raw.QMUX.Device)
	}
	if meta.IsDefined("qrtr", "node") {
		if raw.QRTR.Node < 0 {
			cfg.QRTR.Node = qmi.AnyNode
		} else {
			cfg.QRTR.Node = uint32(raw.QRTR.Node)
		}
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"timeouts", "discover"}, raw.Timeouts.Discover, &cfg.Timeouts.Discover},
		{[]string{"timeouts", "client"}, raw.Timeouts.Client, &cfg.Timeouts.Client},
		{[]string{"timeouts", "lookup"}, raw.Timeouts.Lookup, &cfg.Timeouts.Lookup},
		{[]string{"discovery", "initial_delay"}, raw.Discovery.InitialDelay, &cfg.Discovery.InitialDelay},
		{[]string{"discovery", "max_delay"}, raw.Discovery.MaxDelay, &cfg.Discovery.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("discovery", "attempts") {
		cfg.Discovery.Attempts = raw.Discovery.Attempts
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("status", "addr") {
		cfg.Status.Addr = strings.TrimSpace(raw.Status.Addr)
	}
	if meta.IsDefined("status", "token") {
		cfg.Status.Token = strings.TrimSpace(raw.Status.Token)
	}
	if meta.IsDefined("modem", "max_pending") {
		cfg.Modem.MaxPending = raw.Modem.MaxPending
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	switch cfg.Transport {
	case TransportQMUX:
		if strings.TrimSpace(cfg.QMUX.Device) == "" {
			return fmt.Errorf("config missing qmux.device")
		}
	case TransportQRTR:
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Timeouts.Discover <= 0 || cfg.Timeouts.Client <= 0 || cfg.Timeouts.Lookup <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if cfg.Discovery.Attempts < 1 {
		return fmt.Errorf("discovery.attempts must be at least 1")
	}
	if cfg.Modem.MaxPending < 0 {
		return fmt.Errorf("modem.max_pending must not be negative")
	}
	return nil
}

// Engine converts the file settings into engine settings.
func (c Config) Engine() qmi.Config {
	engine := qmi.DefaultConfig()
	engine.DiscoverTimeout = c.Timeouts.Discover
	engine.ClientTimeout = c.Timeouts.Client
	engine.LookupTimeout = c.Timeouts.Lookup
	engine.DiscoverAttempts = c.Discovery.Attempts
	engine.Backoff.InitialDelay = c.Discovery.InitialDelay
	engine.Backoff.MaxDelay = c.Discovery.MaxDelay
	return engine
}

// Marshal renders cfg in the file layout, durations as strings.
func Marshal(cfg Config) ([]byte, error) {
	var out fileConfig
	out.Transport = string(cfg.Transport)
	out.QMUX.Device = cfg.QMUX.Device
	if cfg.QRTR.Node == qmi.AnyNode {
		out.QRTR.Node = -1
	} else {
		out.QRTR.Node = int64(cfg.QRTR.Node)
	}
	out.Timeouts.Discover = cfg.Timeouts.Discover.String()
	out.Timeouts.Client = cfg.Timeouts.Client.String()
	out.Timeouts.Lookup = cfg.Timeouts.Lookup.String()
	out.Discovery.Attempts = cfg.Discovery.Attempts
	out.Discovery.InitialDelay = cfg.Discovery.InitialDelay.String()
	out.Discovery.MaxDelay = cfg.Discovery.MaxDelay.String()
	out.Log.Level = cfg.Log.Level
	out.Log.File = cfg.Log.File
	out.Status.Addr = cfg.Status.Addr
	out.Status.Token = cfg.Status.Token
	out.Modem.MaxPending = cfg.Modem.MaxPending
	b, err := gotoml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("config marshal failed: %w", err)
	}
	return b, nil
}
