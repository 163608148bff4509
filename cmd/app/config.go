// Package app loads and validates the process configuration. Precedence is
// struct defaults, then the config file, then FORNO_* environment variables.
package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
	"github.com/giorgiodidon/controller-forno/internal/observability"
)

const envPrefix = "FORNO_"

type Config struct {
	KilnID string `koanf:"kiln_id"`

	Log observability.LoggerConfig `koanf:"log"`

	Controllers struct {
		HTTP   HTTPConfig       `koanf:"http"`
		MQTT   MQTTConfig       `koanf:"mqtt"`
		Modbus ModbusCtrlConfig `koanf:"modbus"`
	} `koanf:"controllers"`

	Loop      LoopConfig      `koanf:"loop"`
	PID       PIDConfig       `koanf:"pid"`
	Safety    SafetyConfig    `koanf:"safety"`
	Adaptive  AdaptiveConfig  `koanf:"adaptive"`
	Modbus    ModbusConfig    `koanf:"modbus"`
	Simulator SimulatorConfig `koanf:"simulator"`
	Notifier  NotifierConfig  `koanf:"notifier"`
	Store     StoreConfig     `koanf:"store"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type MQTTConfig struct {
	Enabled                bool   `koanf:"enabled"`
	BrokerURL              string `koanf:"broker_url"`
	ClientID               string `koanf:"client_id"`
	BaseTopic              string `koanf:"base_topic"`
	QoS                    byte   `koanf:"qos"`
	RetainSnapshot         bool   `koanf:"retain_snapshot"`
	PublishIntervalSeconds float64 `koanf:"publish_interval_seconds"`
	Username               string `koanf:"username"`
	Password               string `koanf:"password"`
}

// ModbusCtrlConfig is the inbound Modbus server for SCADA clients, distinct
// from the outbound field-bus connection in ModbusConfig.
type ModbusCtrlConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	UnitID  byte   `koanf:"unit_id"`
}

type LoopConfig struct {
	TickIntervalSeconds float64 `koanf:"tick_interval_seconds"`
}

type PIDConfig struct {
	Kp        float64 `koanf:"kp"`
	Ki        float64 `koanf:"ki"`
	Kd        float64 `koanf:"kd"`
	OutputMin float64 `koanf:"output_min"`
	OutputMax float64 `koanf:"output_max"`
}

type SafetyConfig struct {
	MaxSafeTemp          float64 `koanf:"max_safe_temp"`
	MaxHeatingRate       float64 `koanf:"max_heating_rate"`
	MaxCoolingRate       float64 `koanf:"max_cooling_rate"`
	CoolingAlarmBelow    float64 `koanf:"cooling_alarm_below"`
	SensorTimeoutSeconds float64 `koanf:"sensor_timeout_seconds"`
	ModeTimeoutHours     float64 `koanf:"mode_timeout_hours"`
}

type AdaptiveConfig struct {
	Enabled   bool   `koanf:"enabled"`
	TablePath string `koanf:"table_path"`
}

type ModbusConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Addr           string  `koanf:"addr"`
	UnitID         byte    `koanf:"unit_id"`
	TimeoutSeconds float64 `koanf:"timeout_seconds"`
}

type SimulatorConfig struct {
	AmbientTemperature float64 `koanf:"ambient_temperature"`
	InitialTemperature float64 `koanf:"initial_temperature"`
	HeatRate           float64 `koanf:"heat_rate"`
	LossCoefficient    float64 `koanf:"loss_coefficient"`
}

type NotifierConfig struct {
	Enabled   bool   `koanf:"enabled"`
	BrokerURL string `koanf:"broker_url"`
	ClientID  string `koanf:"client_id"`
	BaseTopic string `koanf:"base_topic"`
	QoS       byte   `koanf:"qos"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type StoreConfig struct {
	Dir string `koanf:"dir"`
}

func defaults() Config {
	var cfg Config
	cfg.KilnID = "default"
	cfg.Log = observability.DefaultLoggerConfig()
	cfg.Controllers.HTTP.Enabled = true
	cfg.Controllers.HTTP.Addr = ":8080"
	cfg.Controllers.MQTT.PublishIntervalSeconds = 2
	cfg.Controllers.Modbus.Addr = "127.0.0.1:1520"
	cfg.Controllers.Modbus.UnitID = 1
	cfg.Loop.TickIntervalSeconds = 2
	cfg.PID = PIDConfig{Kp: 2.0, Ki: 0.02, Kd: 1.0, OutputMin: 0, OutputMax: 100}
	cfg.Safety = SafetyConfig{
		MaxSafeTemp:          1290,
		MaxHeatingRate:       400,
		MaxCoolingRate:       300,
		CoolingAlarmBelow:    700,
		SensorTimeoutSeconds: 30,
		ModeTimeoutHours:     24,
	}
	cfg.Adaptive.TablePath = "data/gain_table.json"
	cfg.Modbus = ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1, TimeoutSeconds: 3}
	cfg.Simulator = SimulatorConfig{
		AmbientTemperature: 20,
		InitialTemperature: 20,
		HeatRate:           0.5,
		LossCoefficient:    0.0004,
	}
	cfg.Notifier.QoS = 0
	cfg.Store.Dir = "data"
	return cfg
}

// LoadConfig merges defaults, an optional config file (.yaml/.yml/.json) and
// FORNO_* environment variables, in that order. A missing file is not an
// error; defaults plus environment apply.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Config{}, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			if !strings.Contains(err.Error(), "no such file") {
				return Config{}, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, envPrefix)), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKeyTransform maps FORNO_-stripped environment names to dotted config
// paths: CONTROLLERS_HTTP_ADDR becomes controllers.http.addr,
// SAFETY_MAX_SAFE_TEMP becomes safety.max_safe_temp. Names without a known
// section prefix pass through lowercased.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(s, "controllers_"); ok {
		sub, key, found := strings.Cut(rest, "_")
		if found {
			return "controllers." + sub + "." + key
		}
		return s
	}
	for _, section := range []string{
		"log", "loop", "pid", "safety", "adaptive",
		"modbus", "simulator", "notifier", "store",
	} {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok {
			return section + "." + rest
		}
	}
	return s
}

func (c *Config) validate() error {
	if c.KilnID == "" {
		return fmt.Errorf("kiln_id must not be empty")
	}
	if c.Loop.TickIntervalSeconds <= 0 {
		return fmt.Errorf("loop.tick_interval_seconds must be positive")
	}
	if c.Modbus.Enabled && c.Modbus.UnitID == 0 {
		return fmt.Errorf("modbus.unit_id is required when modbus is enabled")
	}
	if c.Controllers.MQTT.Enabled && c.Controllers.MQTT.BrokerURL == "" {
		return fmt.Errorf("controllers.mqtt.broker_url is required when mqtt is enabled")
	}
	if c.Controllers.Modbus.Enabled && c.Controllers.Modbus.UnitID == 0 {
		return fmt.Errorf("controllers.modbus.unit_id is required when the modbus server is enabled")
	}
	return nil
}

// LoopConfig assembles the control-loop parameters from the flat sections.
func (c *Config) KilnLoopConfig() kiln.LoopConfig {
	return kiln.LoopConfig{
		PID: kiln.PIDParams{
			Gains:     kiln.Gains{Kp: c.PID.Kp, Ki: c.PID.Ki, Kd: c.PID.Kd},
			OutputMin: c.PID.OutputMin,
			OutputMax: c.PID.OutputMax,
		},
		Safety: kiln.SafetyLimits{
			MaxSafeTemp:       c.Safety.MaxSafeTemp,
			MaxHeatingRate:    c.Safety.MaxHeatingRate,
			MaxCoolingRate:    c.Safety.MaxCoolingRate,
			CoolingAlarmBelow: c.Safety.CoolingAlarmBelow,
			SensorTimeout:     secondsToDuration(c.Safety.SensorTimeoutSeconds),
			ModeTimeout:       time.Duration(c.Safety.ModeTimeoutHours * float64(time.Hour)),
		},
		GainLimits:   kiln.DefaultGainLimits(),
		TickInterval: secondsToDuration(c.Loop.TickIntervalSeconds),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
