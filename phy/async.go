package phy

import "time"

// LoadTxPayload writes data into the TX FIFO and pulses CE to start the
// transmission, then returns immediately without waiting for TX_DS or
// MAX_RT. It exists for collaborators (the data-link service's event loop)
// that detect completion asynchronously via the ISR/STATUS register
// instead of Device's own blocking write/Transmit path.
func (d *Device) LoadTxPayload(data []byte, noAck bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmdPrefix := byte(_W_TX_PAYLOAD)
	if noAck {
		cmdPrefix = _W_TX_PAYLOAD_NOACK
	}

	d.scratch[0] = cmdPrefix
	if d.config.EnableDynamicPayload {
		copy(d.scratch[1:], data)
		d.spiTransfer(1 + len(data))
	} else {
		size := int(d.config.PayloadSize)
		for i := 1; i <= size; i++ {
			d.scratch[i] = 0
		}
		copy(d.scratch[1:], data)
		d.spiTransfer(1 + size)
	}

	d.setCE(true)
	time.Sleep(15 * time.Microsecond)
	d.setCE(false)
	return nil
}
