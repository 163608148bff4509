// Package modbusctrl exposes the kiln to SCADA systems as a Modbus TCP
// server. Process values are read-only input registers; a few holding
// registers and one coil accept commands.
//
// Register map:
//
//	IR 0  temperature, °C x10, int16
//	IR 1  setpoint, °C x10
//	IR 2  valve position, percent x100
//	IR 3  rate of change, °C/h x10
//	IR 4  mode: 0 idle, 1 program, 2 autotune
//	IR 5  status bits: 0 sensor ok, 1 emergency stop, 2 adaptive, 3 alarms
//
//	HR 0  adaptive tuning enabled (read/write, 0 or 1)
//	HR 1  write 1 to stop the active program (reads as 1 while running)
//	HR 2  write 1 to stop the active autotune (reads as 1 while running)
//
//	Coil 0  emergency latch; write OFF (0x0000) to reset it
package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	mbserver "github.com/tbrandon/mbserver"
	"go.uber.org/zap"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
	"github.com/giorgiodidon/controller-forno/internal/ports"
)

// Config for the Modbus server controller.
type Config struct {
	KilnID string
	Addr   string
	UnitID byte // Modbus slave/unit ID, 1..247.
}

const (
	irTemperature = 0
	irSetpoint    = 1
	irValve       = 2
	irRate        = 3
	irMode        = 4
	irStatus      = 5
	irCount       = 6

	hrAdaptive     = 0
	hrProgramStop  = 1
	hrAutotuneStop = 2
	hrCount        = 3
)

const (
	statusSensorOK  = 1 << 0
	statusEmergency = 1 << 1
	statusAdaptive  = 1 << 2
	statusAlarms    = 1 << 3
)

type Controller struct {
	svc ports.KilnService
	cfg Config
	log *zap.Logger

	serv *mbserver.Server
}

func New(svc ports.KilnService, cfg Config, log *zap.Logger) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{svc: svc, cfg: cfg, log: log}, nil
}

// Run starts the Modbus server with handlers that read directly from the
// kiln service and apply writes immediately. It blocks until ctx is
// canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers before ListenTCP so the server's accept goroutines
	// never see a half-built handler table.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHolding)
	serv.RegisterFunctionHandler(4, c.readInput)
	serv.RegisterFunctionHandler(5, c.writeCoil)
	serv.RegisterFunctionHandler(6, c.writeRegister)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.Info("modbus controller listening",
		zap.String("addr", c.cfg.Addr),
		zap.String("kiln_id", c.cfg.KilnID))

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	if start != 0 || qty != 1 {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	coilByte := byte(0)
	if c.svc.Get().EmergencyStop {
		coilByte = 0x01
	}
	return []byte{1, coilByte}, &mbserver.Success
}

func (c *Controller) readInput(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 125 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start < 0 || start+qty > irCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	snap := c.svc.Get()
	regs := make([]uint16, 0, qty)
	for i := 0; i < qty; i++ {
		switch start + i {
		case irTemperature:
			regs = append(regs, encodeScaled(snap.Temperature, temperatureScale))
		case irSetpoint:
			regs = append(regs, encodeScaled(snap.Setpoint, temperatureScale))
		case irValve:
			regs = append(regs, encodeScaled(snap.Valve, valveScale))
		case irRate:
			regs = append(regs, encodeScaled(snap.RateOfChange, rateScale))
		case irMode:
			regs = append(regs, modeCode(snap.Mode))
		case irStatus:
			regs = append(regs, statusBits(snap))
		}
	}
	return packRegisters(regs), &mbserver.Success
}

func (c *Controller) readHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 125 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start < 0 || start+qty > hrCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	snap := c.svc.Get()
	regs := make([]uint16, 0, qty)
	for i := 0; i < qty; i++ {
		switch start + i {
		case hrAdaptive:
			regs = append(regs, boolReg(snap.AdaptiveEnabled))
		case hrProgramStop:
			regs = append(regs, boolReg(snap.Mode == "program"))
		case hrAutotuneStop:
			regs = append(regs, boolReg(snap.Mode == "autotune"))
		}
	}
	return packRegisters(regs), &mbserver.Success
}

func (c *Controller) writeCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])
	if addr != 0 {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	switch value {
	case 0x0000:
		c.svc.ResetEmergency()
	case 0xFF00:
		// The latch can only be set by the safety monitor.
		return []byte{}, &mbserver.IllegalDataValue
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	switch addr {
	case hrAdaptive:
		if value > 1 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		c.svc.SetAdaptive(value == 1)
	case hrProgramStop:
		if value != 1 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		if err := c.svc.StopProgram(); err != nil {
			c.log.Warn("modbus program stop failed", zap.Error(err))
			return []byte{}, &mbserver.SlaveDeviceFailure
		}
	case hrAutotuneStop:
		if value != 1 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		if err := c.svc.StopAutotune(); err != nil {
			c.log.Warn("modbus autotune stop failed", zap.Error(err))
			return []byte{}, &mbserver.SlaveDeviceFailure
		}
	default:
		return []byte{}, &mbserver.IllegalDataAddress
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Temperatures ride in 0.1°C steps so 1300°C stays inside int16; the valve
// is 0..100% and can afford 0.01% steps.
const (
	temperatureScale = 10
	valveScale       = 100
	rateScale        = 10
)

func modeCode(mode string) uint16 {
	switch mode {
	case "program":
		return 1
	case "autotune":
		return 2
	default:
		return 0
	}
}

func statusBits(snap kiln.Snapshot) uint16 {
	var bits uint16
	if snap.SensorOK {
		bits |= statusSensorOK
	}
	if snap.EmergencyStop {
		bits |= statusEmergency
	}
	if snap.AdaptiveEnabled {
		bits |= statusAdaptive
	}
	if len(snap.Alarms) > 0 {
		bits |= statusAlarms
	}
	return bits
}

func boolReg(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}

func packRegisters(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
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
