package modbusctrl

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
	"github.com/giorgiodidon/controller-forno/internal/testutil"
)

func findFreeTCPAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	a := l.Addr().String()
	_ = l.Close()
	return a
}

func startController(t *testing.T, svc *testutil.FakeKilnService) modbus.Client {
	t.Helper()

	addr := findFreeTCPAddr(t)
	ctrl, err := New(svc, Config{KilnID: "kiln1", Addr: addr, UnitID: 1}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := t.Context()
	go func() {
		_ = ctrl.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = time.Second
	if err := handler.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { handler.Close() })
	return modbus.NewClient(handler)
}

func getReg(t *testing.T, res []byte, i int) uint16 {
	t.Helper()
	if len(res) < i*2+2 {
		t.Fatalf("short response: %d bytes, want register %d", len(res), i)
	}
	return binary.BigEndian.Uint16(res[i*2 : i*2+2])
}

func TestNewValidation(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	if _, err := New(svc, Config{KilnID: "kiln1"}, nil); err == nil {
		t.Fatal("expected error for zero unit id")
	}
}

func TestInputRegisters(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	svc.S = kiln.Snapshot{
		Mode:            "program",
		Temperature:     612.5,
		SensorOK:        true,
		Setpoint:        615,
		Valve:           42.25,
		RateOfChange:    118.3,
		AdaptiveEnabled: true,
	}

	client := startController(t, svc)

	res, err := client.ReadInputRegisters(0, irCount)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if got := getReg(t, res, irTemperature); got != 6125 {
		t.Fatalf("temperature register: got %d, want 6125", got)
	}
	if got := getReg(t, res, irSetpoint); got != 6150 {
		t.Fatalf("setpoint register: got %d, want 6150", got)
	}
	if got := getReg(t, res, irValve); got != 4225 {
		t.Fatalf("valve register: got %d, want 4225", got)
	}
	if got := getReg(t, res, irRate); got != 1183 {
		t.Fatalf("rate register: got %d, want 1183", got)
	}
	if got := getReg(t, res, irMode); got != 1 {
		t.Fatalf("mode register: got %d, want 1", got)
	}
	wantStatus := uint16(statusSensorOK | statusAdaptive)
	if got := getReg(t, res, irStatus); got != wantStatus {
		t.Fatalf("status register: got %#x, want %#x", got, wantStatus)
	}
}

func TestInputRegistersOutOfRange(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	client := startController(t, svc)

	if _, err := client.ReadInputRegisters(0, irCount+1); err == nil {
		t.Fatal("expected illegal address error")
	}
}

func TestHoldingRegistersReflectState(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	svc.S.Mode = "autotune"
	svc.S.AdaptiveEnabled = true

	client := startController(t, svc)

	res, err := client.ReadHoldingRegisters(0, hrCount)
	if err != nil {
		t.Fatalf("read holding: %v", err)
	}
	if got := getReg(t, res, hrAdaptive); got != 1 {
		t.Fatalf("adaptive register: got %d, want 1", got)
	}
	if got := getReg(t, res, hrProgramStop); got != 0 {
		t.Fatalf("program register: got %d, want 0", got)
	}
	if got := getReg(t, res, hrAutotuneStop); got != 1 {
		t.Fatalf("autotune register: got %d, want 1", got)
	}
}

func TestWriteAdaptiveRegister(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	client := startController(t, svc)

	if _, err := client.WriteSingleRegister(hrAdaptive, 1); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if !svc.SetAdaptiveCalled || !svc.SetAdaptiveArg {
		t.Fatalf("expected SetAdaptive(true), got called=%v arg=%v", svc.SetAdaptiveCalled, svc.SetAdaptiveArg)
	}

	if _, err := client.WriteSingleRegister(hrAdaptive, 7); err == nil {
		t.Fatal("expected illegal value error")
	}
}

func TestWriteStopRegisters(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	client := startController(t, svc)

	if _, err := client.WriteSingleRegister(hrProgramStop, 1); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if !svc.StopProgramCalled {
		t.Fatal("expected StopProgram called")
	}

	if _, err := client.WriteSingleRegister(hrAutotuneStop, 1); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if !svc.StopAutotuneCalled {
		t.Fatal("expected StopAutotune called")
	}
}

func TestEmergencyCoil(t *testing.T) {
	svc := testutil.NewFakeKilnService()
	svc.S.EmergencyStop = true

	client := startController(t, svc)

	res, err := client.ReadCoils(0, 1)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if len(res) != 1 || res[0]&0x01 != 0x01 {
		t.Fatalf("expected coil set, got %v", res)
	}

	// Writing the coil OFF resets the latch; forcing it ON is rejected.
	if _, err := client.WriteSingleCoil(0, 0x0000); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	if !svc.ResetEmergencyCalled {
		t.Fatal("expected ResetEmergency called")
	}
	if _, err := client.WriteSingleCoil(0, 0xFF00); err == nil {
		t.Fatal("expected error forcing the latch on")
	}
}
