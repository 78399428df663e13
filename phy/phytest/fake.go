// Package phytest is a software model of the NRF24L01+ SPI command set,
// exported for other packages' tests to drive a real phy.Device without
// hardware. It mirrors the private fakeRadio used by phy's own tests.
package phytest

import "github.com/brandonbraun653/ripple-go/phy"

// Pin is a software stand-in for a GPIO pin.
type Pin struct {
	Level phy.Level
	Pull  phy.Pull
	Mode  string
}

func (p *Pin) Out(l phy.Level) error                    { p.Mode = "output"; p.Level = l; return nil }
func (p *Pin) In(pull phy.Pull) error                    { p.Mode = "input"; p.Pull = pull; return nil }
func (p *Pin) Read() phy.Level                           { return p.Level }
func (p *Pin) Watch(edge phy.Edge, handler func()) error { return nil }
func (p *Pin) Unwatch() error                            { return nil }

// nrf24 register/command constants, duplicated from phy's unexported set —
// this package only needs the subset its SPI emulation touches.
const (
	regConfig   = 0x00
	regRFCh     = 0x05
	regRFSetup  = 0x06
	regStatus   = 0x07
	regObserve  = 0x08
	regRPD      = 0x09
	regRxAddrP0 = 0x0A
	regRxAddrP1 = 0x0B
	regTxAddr   = 0x10

	wRegister       = 0x20
	rRxPayload      = 0x61
	wTxPayload      = 0xA0
	wAckPayload     = 0xA8
	wTxPayloadNoAck = 0xB0
	flushTX         = 0xE1
	flushRX         = 0xE2
	rRxPlWidth      = 0x60

	bitRxDR  = 1 << 6
	bitTxDS  = 1 << 5
	bitMaxRT = 1 << 4
)

// Radio is a minimal register file plus an RX FIFO, enough to exercise the
// real NRF24L01+ wire protocol through phy.Device without hardware.
type Radio struct {
	Regs       map[byte]byte
	Status     byte
	PipeForRx  byte
	RX         [][]byte
	TXLog      [][]byte
	Trace      []byte
	ForceMaxRT bool
}

// New creates an empty Radio.
func New() *Radio {
	return &Radio{Regs: make(map[byte]byte)}
}

// SetStatus ORs bits into the STATUS register, as hardware would on an
// event (MAX_RT, TX_DS, RX_DR).
func (f *Radio) SetStatus(bits byte) { f.Status |= bits }

func (f *Radio) regValue(reg byte) byte {
	if reg == regStatus {
		v := f.Status
		if len(f.RX) > 0 {
			v |= f.PipeForRx << 1
		} else {
			v |= 7 << 1
		}
		return v
	}
	return f.Regs[reg]
}

// Tx implements phy.SPI against the emulated register file.
func (f *Radio) Tx(w, r []byte) error {
	f.Trace = append(f.Trace, w...)
	cmd := w[0]

	switch {
	case cmd == wRegister|regStatus:
		if len(w) > 1 {
			f.Status &^= w[1]
		}
	case cmd&0xE0 == wRegister:
		if len(w) > 1 {
			f.Regs[cmd&^byte(wRegister)] = w[1]
		}
	case cmd < 0x20:
		if len(r) > 1 {
			r[1] = f.regValue(cmd)
		}
	case cmd == rRxPlWidth:
		if len(f.RX) > 0 && len(r) > 1 {
			r[1] = byte(len(f.RX[0]))
		}
	case cmd == rRxPayload:
		if len(f.RX) > 0 {
			payload := f.RX[0]
			f.RX = f.RX[1:]
			n := len(r) - 1
			if n > len(payload) {
				n = len(payload)
			}
			copy(r[1:], payload[:n])
		}
	case cmd == wTxPayload, cmd == wTxPayloadNoAck:
		f.TXLog = append(f.TXLog, append([]byte(nil), w[1:]...))
		if f.ForceMaxRT {
			f.SetStatus(bitMaxRT)
		} else {
			f.SetStatus(bitTxDS)
		}
	case cmd == flushTX:
		f.TXLog = nil
	case cmd == flushRX:
		f.RX = nil
	case cmd&0xF8 == wAckPayload:
		// ACK payload capture isn't exercised by these tests.
	}

	if len(r) > 0 {
		r[0] = f.regValue(regStatus)
	}
	return nil
}
