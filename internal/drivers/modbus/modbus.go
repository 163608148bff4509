// Package modbusdrv talks to the kiln field hardware over Modbus TCP: the
// thermocouple transmitter exposes the temperature as an input register, the
// valve positioner accepts its target as a holding register.
package modbusdrv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// Register map of the kiln I/O unit.
const (
	regTemperature = 0 // input register, °C scaled by 10, int16
	regValveTarget = 0 // holding register, percent scaled by 100
)

// A kiln tops out near 1300°C, so the temperature register carries 0.1°C
// steps to stay inside int16. The valve register is 0..100% and can afford
// 0.01% steps.
const (
	tempScale  = 10
	valveScale = 100
)

// Config for one Modbus TCP connection.
type Config struct {
	Addr    string
	UnitID  byte
	Timeout time.Duration
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("modbus: addr is required")
	}
	if c.UnitID == 0 {
		return errors.New("modbus: unit id is required (non-zero)")
	}
	return nil
}

// Client wraps one Modbus TCP connection and implements both kiln.Sensor
// and kiln.Actuator. The underlying handler is not safe for concurrent
// requests, so all calls serialize on a mutex.
type Client struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	log     *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	handler := modbus.NewTCPClientHandler(cfg.Addr)
	handler.SlaveId = cfg.UnitID
	handler.Timeout = cfg.Timeout
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbus connect %s: %w", cfg.Addr, err)
	}
	return &Client{
		handler: handler,
		client:  modbus.NewClient(handler),
		log:     log,
	}, nil
}

// Read fetches the current kiln temperature. A transport error returns an
// invalid reading along with the error so the loop can distinguish sensor
// loss from a cold kiln.
func (c *Client) Read(ctx context.Context) (kiln.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return kiln.Reading{At: time.Now(), Valid: false}, err
	}
	raw, err := c.client.ReadInputRegisters(regTemperature, 1)
	now := time.Now()
	if err != nil {
		return kiln.Reading{At: now, Valid: false}, fmt.Errorf("read temperature: %w", err)
	}
	if len(raw) < 2 {
		return kiln.Reading{At: now, Valid: false}, fmt.Errorf("read temperature: short response (%d bytes)", len(raw))
	}
	return kiln.Reading{
		Temperature: decodeScaled(binary.BigEndian.Uint16(raw), tempScale),
		At:          now,
		Valid:       true,
	}, nil
}

// SetPosition writes the valve target in percent open.
func (c *Client) SetPosition(ctx context.Context, percent float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	if _, err := c.client.WriteSingleRegister(regValveTarget, encodeScaled(percent, valveScale)); err != nil {
		return fmt.Errorf("write valve target: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

func encodeScaled(v float64, scale int) uint16 {
	r := int(math.Round(v * float64(scale)))
	if r > math.MaxInt16 {
		r = math.MaxInt16
	} else if r < math.MinInt16 {
		r = math.MinInt16
	}
	return uint16(int16(r))
}

func decodeScaled(u uint16, scale int) float64 {
	return float64(int16(u)) / float64(scale)
}
