package phy

// ISRMask is a bitset over the three interrupt sources the radio can signal
// on its IRQ pin: a failed max-retry transmit, a received payload, and a
// successfully acknowledged transmit.
type ISRMask byte

const (
	ISRMaxRetry ISRMask = 1 << iota
	ISRRxReady
	ISRTxSuccess
)

const (
	_maskMaxRT = 1 << 4 // MASK_MAX_RT
	_maskTXDS  = 1 << 5 // MASK_TX_DS
	_maskRXDR  = 1 << 6 // MASK_RX_DR
)

// GetISREvent reads the STATUS register and reports which of MAX_RT, RX_DR,
// and TX_DS are currently latched, as an ISRMask.
func (d *Device) GetISREvent() ISRMask {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := d.readRegister(_STATUS)
	var mask ISRMask
	if status&_MAX_RT != 0 {
		mask |= ISRMaxRetry
	}
	if status&_RX_DR != 0 {
		mask |= ISRRxReady
	}
	if status&_TX_DS != 0 {
		mask |= ISRTxSuccess
	}
	return mask
}

// ClearISREvent clears exactly the STATUS bits named in mask, leaving the
// others untouched.
func (d *Device) ClearISREvent(mask ISRMask) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var bits byte
	if mask&ISRMaxRetry != 0 {
		bits |= _MAX_RT
	}
	if mask&ISRRxReady != 0 {
		bits |= _RX_DR
	}
	if mask&ISRTxSuccess != 0 {
		bits |= _TX_DS
	}
	d.writeRegister(_STATUS, bits)
}

// SetISRMask configures which interrupt sources are allowed to assert the
// IRQ pin. A bit present in enabled means that source's MASK_* bit is
// cleared (unmasked, i.e. active); absent means it stays masked off.
func (d *Device) SetISRMask(enabled ISRMask) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.readRegister(_CONFIG)
	cfg |= _maskMaxRT | _maskTXDS | _maskRXDR // start fully masked

	if enabled&ISRMaxRetry != 0 {
		cfg &^= _maskMaxRT
	}
	if enabled&ISRRxReady != 0 {
		cfg &^= _maskRXDR
	}
	if enabled&ISRTxSuccess != 0 {
		cfg &^= _maskTXDS
	}
	d.writeRegister(_CONFIG, cfg)
}

// VerifyRegisters re-reads a handful of configuration registers and compares
// them against the values the Device believes it wrote. It is an optional,
// repeatable soft-check, off by default; on mismatch it reports false
// without mutating any other driver state.
func (d *Device) VerifyRegisters() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readRegister(_RF_CH) != d.config.ChannelNumber {
		return false
	}
	wantAW := d.config.AddressWidth - 2
	if d.readRegister(_SETUP_AW) != wantAW {
		return false
	}
	return true
}
