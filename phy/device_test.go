package phy

import (
	"bytes"
	"testing"
)

// mockPin is a software stand-in for a GPIO pin.
type mockPin struct {
	level Level
	pull  Pull
	mode  string
}

func (m *mockPin) Out(l Level) error                      { m.mode = "output"; m.level = l; return nil }
func (m *mockPin) In(pull Pull) error                      { m.mode = "input"; m.pull = pull; return nil }
func (m *mockPin) Read() Level                             { return m.level }
func (m *mockPin) Watch(edge Edge, handler func()) error  { return nil }
func (m *mockPin) Unwatch() error                          { return nil }

// fakeRadio is a minimal software model of the NRF24L01+ SPI command set: a
// register file plus an RX FIFO, enough to drive Device through its real
// wire protocol without hardware.
type fakeRadio struct {
	regs       map[byte]byte
	status     byte
	pipeForRx  byte
	rx         [][]byte
	txLog      [][]byte
	trace      []byte
	forceMaxRT bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{regs: make(map[byte]byte)}
}

func (f *fakeRadio) setStatus(bits byte) { f.status |= bits }

func (f *fakeRadio) regValue(reg byte) byte {
	if reg == _STATUS {
		v := f.status
		if len(f.rx) > 0 {
			v |= f.pipeForRx << 1
		} else {
			v |= 7 << 1
		}
		return v
	}
	return f.regs[reg]
}

func (f *fakeRadio) Tx(w, r []byte) error {
	f.trace = append(f.trace, w...)
	cmd := w[0]

	switch {
	case cmd == _W_REGISTER|_STATUS:
		if len(w) > 1 {
			f.status &^= w[1]
		}
	case cmd&0xE0 == _W_REGISTER:
		if len(w) > 1 {
			f.regs[cmd&^_W_REGISTER] = w[1]
		}
	case cmd < 0x20:
		if len(r) > 1 {
			r[1] = f.regValue(cmd)
		}
	case cmd == _R_RX_PL_WID:
		if len(f.rx) > 0 && len(r) > 1 {
			r[1] = byte(len(f.rx[0]))
		}
	case cmd == _R_RX_PAYLOAD:
		if len(f.rx) > 0 {
			payload := f.rx[0]
			f.rx = f.rx[1:]
			n := len(r) - 1
			if n > len(payload) {
				n = len(payload)
			}
			copy(r[1:], payload[:n])
		}
	case cmd == _W_TX_PAYLOAD, cmd == _W_TX_PAYLOAD_NOACK:
		f.txLog = append(f.txLog, append([]byte(nil), w[1:]...))
		if f.forceMaxRT {
			f.setStatus(_MAX_RT)
		} else {
			f.setStatus(_TX_DS)
		}
	case cmd == _FLUSH_TX:
		f.txLog = nil
	case cmd == _FLUSH_RX:
		f.rx = nil
	case cmd&0xF8 == _W_ACK_PAYLOAD:
		// ACK payload capture isn't exercised by these tests.
	}

	if len(r) > 0 {
		r[0] = f.regValue(_STATUS)
	}
	return nil
}

func newTestDevice(t *testing.T, radio RadioConfig, fake *fakeRadio, ce, irq Pin) *Device {
	t.Helper()
	SetLogger(&nopLogger{})

	dev, err := NewWithHardware(HardwareConfig{RadioConfig: radio, CE: ce, IRQ: irq}, fake)
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	return dev
}

func TestInitialization(t *testing.T) {
	fake := newFakeRadio()
	ce := &mockPin{}

	cfg := RadioConfig{
		ChannelNumber: 76,
		RxAddr:        Address{0xE7, 0xE7, 0xE7, 0xE7, 0xE7},
	}

	dev := newTestDevice(t, cfg, fake, ce, nil)
	defer dev.Close()

	if ce.mode != "output" {
		t.Errorf("expected CE pin to be configured as output, got %q", ce.mode)
	}
	if ce.level != High {
		t.Errorf("expected CE to end High (listening) after init, got %v", ce.level)
	}

	if !bytes.Contains(fake.trace, []byte{_W_REGISTER | _RF_CH, 76}) {
		t.Errorf("expected a write of channel 76 to RF_CH, trace: %X", fake.trace)
	}

	// Default CRCLength16 -> PWR_UP|PRIM_RX|EN_CRC|CRCO = 0x0F.
	if !bytes.Contains(fake.trace, []byte{_W_REGISTER | _CONFIG, 0x0F}) {
		t.Errorf("expected a power-up CONFIG write of 0x0F, trace: %X", fake.trace)
	}
}

func TestInitializationBadAddressWidth(t *testing.T) {
	fake := newFakeRadio()
	_, err := NewWithHardware(HardwareConfig{
		RadioConfig: RadioConfig{AddressWidth: 7},
		CE:          &mockPin{},
	}, fake)
	if err == nil {
		t.Fatal("expected an error for an out-of-range AddressWidth")
	}
}

func TestTransmit(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.trace = nil
	addr := Address{0x01, 0x02, 0x03, 0x04, 0x05}

	if err := dev.Transmit(addr, []byte("hello")); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}

	if len(fake.txLog) != 1 || string(fake.txLog[0][:5]) != "hello" {
		t.Errorf("expected payload 'hello' to reach the TX FIFO, got %v", fake.txLog)
	}
}

func TestTransmitMaxRetries(t *testing.T) {
	fake := newFakeRadio()
	fake.forceMaxRT = true
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	err := dev.Transmit(Address{1, 2, 3, 4, 5}, []byte("fail"))
	if err == nil {
		t.Fatal("expected an error when the radio reports MAX_RT")
	}
}

func TestTransmitPayloadTooLarge(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{PayloadSize: 8}, fake, &mockPin{}, nil)
	defer dev.Close()

	err := dev.Transmit(Address{1, 2, 3, 4, 5}, bytes.Repeat([]byte{0x42}, 9))
	if err == nil {
		t.Fatal("expected an error for a payload exceeding PayloadSize")
	}
}

func TestReceiveFixedPayload(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{PayloadSize: 5}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.rx = append(fake.rx, []byte("hello"))

	data, ok := dev.Receive()
	if !ok {
		t.Fatal("expected Receive to report data available")
	}
	if string(data) != "hello" {
		t.Errorf("expected payload 'hello', got %q", data)
	}
}

func TestReceiveDynamicPayload(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{EnableDynamicPayload: true}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.rx = append(fake.rx, []byte("world!"))

	data, ok := dev.Receive()
	if !ok {
		t.Fatal("expected Receive to report data available")
	}
	if string(data) != "world!" {
		t.Errorf("expected payload 'world!', got %q", data)
	}
}

func TestReceiveEmpty(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	if _, ok := dev.Receive(); ok {
		t.Fatal("expected Receive to report no data when the RX FIFO is empty")
	}
}

func TestOpenAndCloseRxPipe(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{EnableAutoAck: true}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.trace = nil
	addr := []byte{0xA1, 0xA2, 0xA3, 0xA4, 0xA5}
	if err := dev.OpenRxPipe(1, addr); err != nil {
		t.Fatalf("OpenRxPipe(1) failed: %v", err)
	}
	if !bytes.Contains(fake.trace, append([]byte{_W_REGISTER | _RX_ADDR_P1}, addr...)) {
		t.Errorf("OpenRxPipe(1) did not write the full address: %X", fake.trace)
	}

	if err := dev.CloseRxPipe(1); err != nil {
		t.Fatalf("CloseRxPipe(1) failed: %v", err)
	}
	if fake.regs[_EN_RXADDR]&(1<<1) != 0 {
		t.Error("expected EN_RXADDR bit 1 to be cleared after CloseRxPipe")
	}
}

func TestOpenRxPipeRejectsOutOfRange(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	if err := dev.OpenRxPipe(6, []byte{0x01}); err == nil {
		t.Fatal("expected an error for pipeID 6")
	}
}

func TestGetAvailablePayloadPipe(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	if pipe := dev.GetAvailablePayloadPipe(); pipe != PipeInvalid {
		t.Errorf("expected PipeInvalid on an empty FIFO, got %v", pipe)
	}

	fake.pipeForRx = 2
	fake.rx = append(fake.rx, []byte("x"))
	if pipe := dev.GetAvailablePayloadPipe(); pipe != PipeNum2 {
		t.Errorf("expected PipeNum2, got %v", pipe)
	}
}

func TestOpenWritePipe(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.trace = nil
	addr := Address{0x11, 0x22, 0x33, 0x44, 0x55}
	dev.OpenWritePipe(addr)

	if !bytes.Contains(fake.trace, append([]byte{_W_REGISTER | _TX_ADDR_REG}, addr[:]...)) {
		t.Errorf("OpenWritePipe did not write TX_ADDR, trace: %X", fake.trace)
	}
}

func TestISREventAndClear(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.status = _RX_DR | _TX_DS

	mask := dev.GetISREvent()
	if mask&ISRRxReady == 0 || mask&ISRTxSuccess == 0 || mask&ISRMaxRetry != 0 {
		t.Errorf("unexpected ISR mask decode: %v", mask)
	}

	dev.ClearISREvent(ISRRxReady)
	if fake.status&_RX_DR != 0 {
		t.Error("expected ClearISREvent(ISRRxReady) to clear RX_DR")
	}
	if fake.status&_TX_DS == 0 {
		t.Error("expected ClearISREvent(ISRRxReady) to leave TX_DS untouched")
	}
}

func TestSetISRMask(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	dev.SetISRMask(ISRRxReady)
	cfg := fake.regs[_CONFIG]
	if cfg&_maskRXDR != 0 {
		t.Error("expected MASK_RX_DR to be unmasked (cleared)")
	}
	if cfg&_maskTXDS == 0 || cfg&_maskMaxRT == 0 {
		t.Error("expected MASK_TX_DS and MASK_MAX_RT to remain masked")
	}
}

func TestVerifyRegisters(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{ChannelNumber: 40}, fake, &mockPin{}, nil)
	defer dev.Close()

	if !dev.VerifyRegisters() {
		t.Fatal("expected VerifyRegisters to pass right after initialization")
	}

	fake.regs[_RF_CH] = 99
	if dev.VerifyRegisters() {
		t.Fatal("expected VerifyRegisters to fail after a register drifts")
	}
}

func TestDiagnostics(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.trace = nil
	dev.FlushTX()
	if !bytes.Contains(fake.trace, []byte{_FLUSH_TX}) {
		t.Errorf("FlushTX sent the wrong command: %X", fake.trace)
	}

	fake.trace = nil
	dev.FlushRX()
	if !bytes.Contains(fake.trace, []byte{_FLUSH_RX}) {
		t.Errorf("FlushRX sent the wrong command: %X", fake.trace)
	}

	fake.regs[_OBSERVE_TX] = 0xF3
	lost, retries := dev.GetRetransmissionCounters()
	if lost != 15 || retries != 3 {
		t.Errorf("GetRetransmissionCounters expected (15, 3), got (%d, %d)", lost, retries)
	}

	fake.regs[_RPD] = 0x01
	if !dev.IsCarrierDetected() {
		t.Error("IsCarrierDetected expected true")
	}
}

func TestTransmitNoAck(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.trace = nil
	if err := dev.TransmitNoAck(Address{1, 2, 3, 4, 5}, []byte("hi")); err != nil {
		t.Fatalf("TransmitNoAck failed: %v", err)
	}
	if !bytes.Contains(fake.trace, []byte{_W_TX_PAYLOAD_NOACK, 'h', 'i'}) {
		t.Errorf("TransmitNoAck did not send the NOACK command: %X", fake.trace)
	}
}

func TestSetChannelAndDataRate(t *testing.T) {
	fake := newFakeRadio()
	dev := newTestDevice(t, RadioConfig{}, fake, &mockPin{}, nil)
	defer dev.Close()

	fake.trace = nil
	if err := dev.SetChannel(88); err != nil {
		t.Fatalf("SetChannel failed: %v", err)
	}
	if !bytes.Contains(fake.trace, []byte{_W_REGISTER | _RF_CH, 88}) {
		t.Errorf("SetChannel(88) didn't write RF_CH: %X", fake.trace)
	}

	fake.trace = nil
	if err := dev.SetDataRate(DataRate2mbps); err != nil {
		t.Fatalf("SetDataRate failed: %v", err)
	}
	// 2mbps sets RF_DR_HIGH (bit 3); default PALevelMax sets bits 2:1 = 11.
	if !bytes.Contains(fake.trace, []byte{_W_REGISTER | _RF_SETUP, 0x0E}) {
		t.Errorf("SetDataRate(2mbps) wrote the wrong RF_SETUP value: %X", fake.trace)
	}
}
