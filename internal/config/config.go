package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/xapiens/rvpf-modbus/internal/modbus"
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig        `mapstructure:"server"`
	Logger  LoggerConfig        `mapstructure:"logger"`
	Storage StorageConfig       `mapstructure:"storage"`
	Peers   map[string]PeerSpec `mapstructure:"peers"`
}

// ServerConfig contains diagnostics HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StorageConfig contains the point-value history sink settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// PeerSpec is the YAML/env-friendly description of one Modbus peer, the
// shim's job being to turn this into a modbus.PeerConfig the core consumes.
// It never reaches internal/modbus directly.
type PeerSpec struct {
	Role    string   `mapstructure:"role"` // "client" or "server"
	UnitID  byte     `mapstructure:"unit_id"`
	Sockets []string `mapstructure:"sockets"`

	Serial *SerialSpec `mapstructure:"serial"`
	Framing string     `mapstructure:"framing"` // "rtu" or "ascii", serial only

	LittleEndian bool `mapstructure:"little_endian"`
	MiddleEndian bool `mapstructure:"middle_endian"`

	BatchSize int `mapstructure:"batch_size"`

	ConnectTimeoutMS       int `mapstructure:"connect_timeout_ms"`
	RequestTimeoutMS       int `mapstructure:"request_timeout_ms"`
	RequestRetries         int `mapstructure:"request_retries"`
	RequestRetryIntervalMS int `mapstructure:"request_retry_interval_ms"`

	PollIntervalMS int `mapstructure:"poll_interval_ms"` // 0 disables scheduled polling

	Points []PointSpec `mapstructure:"points"`
}

// SerialSpec mirrors modbus.SerialConfig in mapstructure form.
type SerialSpec struct {
	Port     string `mapstructure:"port"`
	Speed    int    `mapstructure:"speed"`
	Parity   string `mapstructure:"parity"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Modem    bool   `mapstructure:"modem"`
}

// PointSpec is one entry in the option table of spec.md §6, addresses given
// in the one-based convention operators use.
type PointSpec struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"`
	Table    string `mapstructure:"table"`
	Address  uint16 `mapstructure:"address"` // one-based
	ReadOnly bool   `mapstructure:"read_only"`

	Signed       bool `mapstructure:"signed"`
	MiddleEndian bool `mapstructure:"middle_endian"`

	Mask        uint16 `mapstructure:"mask"`
	BitPosition int    `mapstructure:"bit_position"`
	ArrayLen    int    `mapstructure:"array_len"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("RVPFMB")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("storage.path", "./data/rvpf-modbus.db")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".rvpf-modbus")
}

// PeerConfig turns one named peer's spec into the modbus.PeerConfig the core
// consumes. This is the only place YAML/env values cross into core types;
// the core itself never parses configuration.
func (c *Config) PeerConfig(name string) (modbus.PeerConfig, error) {
	spec, ok := c.Peers[name]
	if !ok {
		return modbus.PeerConfig{}, fmt.Errorf("unknown peer: %s", name)
	}

	cfg := modbus.DefaultPeerConfig()
	cfg.UnitID = spec.UnitID
	cfg.Sockets = spec.Sockets
	cfg.LittleEndian = spec.LittleEndian
	cfg.MiddleEndian = spec.MiddleEndian

	if spec.BatchSize > 0 {
		cfg.BatchSize = spec.BatchSize
	}
	if spec.ConnectTimeoutMS > 0 {
		cfg.ConnectTimeout = time.Duration(spec.ConnectTimeoutMS) * time.Millisecond
	}
	if spec.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(spec.RequestTimeoutMS) * time.Millisecond
	}
	cfg.RequestRetries = spec.RequestRetries
	if spec.RequestRetryIntervalMS > 0 {
		cfg.RequestRetryInterval = time.Duration(spec.RequestRetryIntervalMS) * time.Millisecond
	}

	if spec.Serial != nil {
		cfg.Serial = &modbus.SerialConfig{
			Port:     spec.Serial.Port,
			Speed:    spec.Serial.Speed,
			Parity:   modbus.SerialParity(spec.Serial.Parity),
			DataBits: spec.Serial.DataBits,
			StopBits: spec.Serial.StopBits,
			Modem:    spec.Serial.Modem,
		}
		switch spec.Framing {
		case "ascii":
			cfg.Framing = modbus.SerialASCII
		default:
			cfg.Framing = modbus.SerialRTU
		}
	}

	bindings, err := bindPoints(spec.Points)
	if err != nil {
		return modbus.PeerConfig{}, fmt.Errorf("peer %s: %w", name, err)
	}
	cfg.Bindings = bindings

	return cfg, nil
}

func bindPoints(points []PointSpec) ([]modbus.Binding, error) {
	bindings := make([]modbus.Binding, 0, len(points))
	for _, p := range points {
		table, err := parseTable(p.Table)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", p.ID, err)
		}
		kind, err := parseKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", p.ID, err)
		}
		if p.Address == 0 {
			return nil, fmt.Errorf("point %s: address must use the one-based convention", p.ID)
		}

		bindings = append(bindings, modbus.Binding{
			Point: modbus.Point{ID: p.ID, Name: p.Name},
			Register: modbus.Register{
				Kind:         kind,
				Table:        table,
				Address:      p.Address - 1,
				ReadOnly:     p.ReadOnly,
				PointID:      p.ID,
				Signed:       p.Signed,
				MiddleEndian: p.MiddleEndian,
				Mask:         p.Mask,
				BitPosition:  p.BitPosition,
				ArrayLen:     p.ArrayLen,
			},
		})
	}
	return bindings, nil
}

func parseTable(s string) (modbus.Table, error) {
	switch s {
	case "coils":
		return modbus.TableCoils, nil
	case "discrete_inputs":
		return modbus.TableDiscreteInputs, nil
	case "holding_registers":
		return modbus.TableHoldingRegisters, nil
	case "input_registers":
		return modbus.TableInputRegisters, nil
	default:
		return 0, fmt.Errorf("unknown table: %q", s)
	}
}

func parseKind(s string) (modbus.Kind, error) {
	switch s {
	case "word":
		return modbus.KindWord, nil
	case "integer":
		return modbus.KindInteger, nil
	case "long":
		return modbus.KindLong, nil
	case "float":
		return modbus.KindFloat, nil
	case "double":
		return modbus.KindDouble, nil
	case "discrete":
		return modbus.KindDiscrete, nil
	case "bits":
		return modbus.KindBits, nil
	case "masked":
		return modbus.KindMasked, nil
	case "word_array":
		return modbus.KindWordArray, nil
	case "discrete_array":
		return modbus.KindDiscreteArray, nil
	case "sequence":
		return modbus.KindSequence, nil
	case "stamp":
		return modbus.KindStamp, nil
	case "time":
		return modbus.KindTime, nil
	default:
		return 0, fmt.Errorf("unknown register kind: %q", s)
	}
}
