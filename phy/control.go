package phy

// SetChipEnable drives the CE pin directly, bypassing the TX/RX bookkeeping
// in startListening/stopListening. It exists for collaborators (the radio
// mode state machine) that own the full mode-transition contract themselves.
func (d *Device) SetChipEnable(level bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setCE(level)
}

// SetPowerBit sets or clears PWR_UP in CONFIG without touching any other
// bits.
func (d *Device) SetPowerBit(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.readRegister(_CONFIG)
	if enabled {
		cfg |= _PWR_UP
	} else {
		cfg &^= _PWR_UP
	}
	d.writeRegister(_CONFIG, cfg)
}

// SetPrimaryRX sets or clears PRIM_RX in CONFIG without touching any other
// bits or the CE pin.
func (d *Device) SetPrimaryRX(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.readRegister(_CONFIG)
	if enabled {
		cfg |= _PRIM_RX
	} else {
		cfg &^= _PRIM_RX
	}
	d.writeRegister(_CONFIG, cfg)
}

// VerifyRegistersOnPowerUp reports whether this Device was configured to run
// its repeatable register read-back check (RadioConfig.VerifyRegisters).
func (d *Device) VerifyRegistersOnPowerUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.VerifyRegisters
}

// LinkSpeedBytesPerSecond reports the over-the-air bit rate the device was
// configured with, converted to bytes per second.
func (d *Device) LinkSpeedBytesPerSecond() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.config.DataRate {
	case DataRate250kbps:
		return 250_000 / 8
	case DataRate2mbps:
		return 2_000_000 / 8
	default:
		return 1_000_000 / 8
	}
}

// HasIRQ reports whether this Device was configured with an IRQ pin. A
// collaborator without one falls back to polling for events.
func (d *Device) HasIRQ() bool {
	return d.config.IRQ != nil
}

// OnInterrupt registers fn to be invoked whenever the configured IRQ pin
// asserts, called directly from the pin driver's edge-watch goroutine.
// datalink.Service uses this to wake its event loop on a real interrupt
// instead of waiting out its fixed poll period. Passing nil unregisters.
func (d *Device) OnInterrupt(fn func()) {
	d.irqMu.Lock()
	defer d.irqMu.Unlock()
	d.onIRQ = fn
}

// fireIRQ invokes the registered OnInterrupt handler, if any. It is the
// Watch callback installed in NewWithHardware and must not block.
func (d *Device) fireIRQ() {
	d.irqMu.Lock()
	fn := d.onIRQ
	d.irqMu.Unlock()
	if fn != nil {
		fn()
	}
}
