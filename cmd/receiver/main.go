// Command receiver mirrors cmd/sender: it brings up the same data-link
// stack on the peer address and prints whatever reassembled application
// packets arrive.
package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/arp"
	"github.com/brandonbraun653/ripple-go/datalink"
	"github.com/brandonbraun653/ripple-go/fragment"
	"github.com/brandonbraun653/ripple-go/logadapter"
	"github.com/brandonbraun653/ripple-go/phy"
)

var (
	selfMAC = phy.Address{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}
	peerIP  = arp.IPAddress(0x0A000001)
	peerMAC = arp.MACAddress{0xD7, 0xD7, 0xD7, 0xD7, 0xD7}
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	phy.SetLogger(logadapter.New(log, logrus.Fields{"role": "receiver"}))

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
	svc.SetLogger(logadapter.New(log, logrus.Fields{"role": "receiver", "component": "datalink"}))

	svc.RegisterCallback(datalink.RxQueueFull, func() { log.Warn("rx queue full, dropping inbound packet") })

	if status := svc.PowerUp(ctx); status != phy.StatusOk {
		log.Fatalf("PowerUp failed: %v", status)
	}
	defer svc.Stop()

	if status := svc.SetRootMAC(selfMAC); status != phy.StatusOk {
		log.Fatalf("SetRootMAC failed: %v", status)
	}
	svc.AddARP(peerIP, peerMAC)

	log.Info("listening...")
	for {
		packet, ok := svc.Recv()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		fragment.Sort(packet)
		log.Infof("received: %q", fragment.Flatten(packet))
		packet.Release()
	}
}
