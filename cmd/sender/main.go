// Command sender drives a single NRF24L01+ radio through the full
// data-link stack and repeatedly sends a short text packet to a fixed
// peer address, exercising framing, ARP resolution, and fragmentation
// on top of the raw radio.
package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/arp"
	"github.com/brandonbraun653/ripple-go/datalink"
	"github.com/brandonbraun653/ripple-go/frame"
	"github.com/brandonbraun653/ripple-go/fragment"
	"github.com/brandonbraun653/ripple-go/logadapter"
	"github.com/brandonbraun653/ripple-go/phy"
)

var (
	selfMAC = phy.Address{0xD7, 0xD7, 0xD7, 0xD7, 0xD7}
	peerIP  = arp.IPAddress(0x0A000002)
	peerMAC = arp.MACAddress{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	phy.SetLogger(logadapter.New(log, logrus.Fields{"role": "sender"}))

	hw, err := phy.New(phy.Config{
		RadioConfig: phy.RadioConfig{
			ChannelNumber:        76,
			DataRate:             phy.DataRate1mbps,
			EnableAutoAck:        true,
			EnableDynamicPayload: true,
			RxAddr:               selfMAC,
			AutoRetransmitDelay:  500,
			AutoRetransmitCount:  15,
		},
		CEPin: 25,
	})
	if err != nil {
		log.Fatalf("radio init failed: %v", err)
	}
	defer hw.Close()

	ctx := arena.NewContext(1 << 16)
	svc := datalink.New(hw, ctx)
	svc.SetLogger(logadapter.New(log, logrus.Fields{"role": "sender", "component": "datalink"}))

	svc.RegisterCallback(datalink.TxFailure, func() { log.Warn("send failed") })
	svc.RegisterCallback(datalink.TxSuccess, func() { log.Debug("send acked") })

	if status := svc.PowerUp(ctx); status != phy.StatusOk {
		log.Fatalf("PowerUp failed: %v", status)
	}
	defer svc.Stop()

	if status := svc.SetRootMAC(selfMAC); status != phy.StatusOk {
		log.Fatalf("SetRootMAC failed: %v", status)
	}
	svc.AddARP(peerIP, peerMAC)

	counter := 0
	for {
		counter++
		msg := fmt.Sprintf("Hello World %d", counter)

		packet, err := fragment.Pack(ctx, []byte(msg))
		if err != nil {
			log.Errorf("pack failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		status := svc.Send(packet, peerIP, frame.EndpointApplicationData0, true)
		log.Infof("sent %q: %v", msg, status)

		time.Sleep(time.Second)
	}
}
