// Package datalink implements the radio's Data-Link Service: the event loop
// that owns the TX/RX queues, the ARP cache, the transfer control block, and
// the FSM, and that turns application fragments into on-air Frames (and
// back). Concurrency is the same shape the original service used —
// dedicated task, ISR-signaled wakeup, per-structure locks — translated from
// RTOS threads + mutexes + task messages onto goroutines, channels, and
// sync.Mutex.
package datalink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/arp"
	"github.com/brandonbraun653/ripple-go/frame"
	"github.com/brandonbraun653/ripple-go/fragment"
	"github.com/brandonbraun653/ripple-go/fsm"
	"github.com/brandonbraun653/ripple-go/netif"
	"github.com/brandonbraun653/ripple-go/phy"
)

// CallbackID names one of the asynchronous events upper layers can
// subscribe to via RegisterCallback.
type CallbackID int

const (
	Unhandled CallbackID = iota
	TxSuccess
	RxSuccess
	TxFailure
	RxQueueFull
	TxQueueFull
	ArpResolveFailed
	ArpLimitReached
)

// EndpointAddrModifiers replace the low byte (index 4) of the root MAC to
// derive each endpoint's pipe address, per §6 of the design this mirrors.
var EndpointAddrModifiers = [5]byte{
	frame.EndpointDeviceCtrl:         0xCA,
	frame.EndpointNetworkServices:    0xC5,
	frame.EndpointDataForwarding:     0x54,
	frame.EndpointApplicationData0:   0xB3,
	frame.EndpointApplicationData1:   0xD3,
}

const (
	defaultEventLoopTimeout = 25 * time.Millisecond
	defaultTxTimeout        = 10 * time.Millisecond
	defaultTxQueueDepth     = 16
	defaultRxQueueDepth     = 16
)

// txFrame is one queued outbound Frame plus its resolution target.
type txFrame struct {
	f  frame.Frame
	ip arp.IPAddress
}

// tcb is the service's view of the single in-flight transmission.
type tcb struct {
	inProgress bool
	start      time.Time
	timeout    time.Duration
	pipe       phy.PipeNumber
}

// Service drives a phy.Device through the full data-link protocol: framing,
// ARP resolution, retransmit bookkeeping, and fragment reassembly.
type Service struct {
	hw     *phy.Device
	fsmCtl *fsm.Controller
	logger phy.Logger

	arpMu  sync.Mutex
	arpTbl *arp.Cache

	queueMu  sync.Mutex
	txQueue  []txFrame
	rxQueue  []*fragment.Packet

	tcbMu sync.Mutex
	tcb   tcb

	endpointMu sync.Mutex
	endpoints  [5]phy.Address

	reassembler *fragment.Reassembler
	ctx         *arena.Context

	callbackMu sync.Mutex
	callbacks  map[CallbackID]func()

	pending    chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
	loopPeriod time.Duration

	lastActiveMu sync.Mutex
	lastActive   time.Time

	rxDropCount int64

	// eventCounts tallies how many times each CallbackID has fired,
	// indexed by CallbackID value. Read by the Prometheus collector in
	// metrics.go.
	eventCounts [ArpLimitReached + 1]int64
}

// Service is the radio-backed implementation of netif.Interface.
var _ netif.Interface = (*Service)(nil)

// Option configures a Service at construction time.
type Option func(*Service)

// WithARPCapacity overrides the default ARP cache capacity.
func WithARPCapacity(n int) Option {
	return func(s *Service) { s.arpTbl = arp.New(n) }
}

// WithLoopPeriod overrides the default 25ms event loop timeout.
func WithLoopPeriod(d time.Duration) Option {
	return func(s *Service) { s.loopPeriod = d }
}

// New creates a Service bound to hw, drawing fragment storage from ctx. The
// service is idle until PowerUp starts its event loop.
func New(hw *phy.Device, ctx *arena.Context, opts ...Option) *Service {
	reassembler := fragment.NewReassembler(ctx)
	reassembler.DisableCRCVerification()

	s := &Service{
		hw:          hw,
		ctx:         ctx,
		arpTbl:      arp.New(64),
		reassembler: reassembler,
		callbacks:   make(map[CallbackID]func()),
		pending:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
		loopPeriod:  defaultEventLoopTimeout,
		logger:      &noopLogger{},
	}
	s.fsmCtl = fsm.New(hw, func(state fsm.State, event fsm.Event) {
		s.logger.Warn("fsm: bad request")
	})
	for _, opt := range opts {
		opt(s)
	}
	s.txQueue = make([]txFrame, 0, defaultTxQueueDepth)
	s.rxQueue = make([]*fragment.Packet, 0, defaultRxQueueDepth)
	return s
}

// SetLogger overrides the service's logger (default: a no-op).
func (s *Service) SetLogger(l phy.Logger) {
	if l == nil {
		l = &noopLogger{}
	}
	s.logger = l
}

// RegisterCallback registers fn for the given event. A nil fn unregisters.
func (s *Service) RegisterCallback(id CallbackID, fn func()) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	if fn == nil {
		delete(s.callbacks, id)
		return
	}
	s.callbacks[id] = fn
}

func (s *Service) fire(id CallbackID) {
	atomic.AddInt64(&s.eventCounts[id], 1)

	s.callbackMu.Lock()
	fn := s.callbacks[id]
	s.callbackMu.Unlock()
	if fn != nil {
		fn()
	}
}

// eventCount reports how many times id has fired since the Service was
// created.
func (s *Service) eventCount(id CallbackID) int64 {
	return atomic.LoadInt64(&s.eventCounts[id])
}

// PowerUp primes the FSM to Standby and starts the event loop goroutine. It
// assumes hw has already been opened and configured (phy.NewWithHardware).
// ctx overrides the Context fragments are drawn from if non-nil; passing nil
// keeps the one supplied to New, which is the expected call shape once a
// Service already owns its own Context (the common case — see netif.Interface,
// which this method satisfies).
func (s *Service) PowerUp(ctx *arena.Context) phy.Status {
	if ctx != nil {
		s.ctx = ctx
		s.reassembler = fragment.NewReassembler(ctx)
		s.reassembler.DisableCRCVerification()
	}

	if s.fsmCtl.Dispatch(fsm.EventPowerUp) != fsm.Standby {
		return phy.StatusFail
	}

	if s.hw.VerifyRegistersOnPowerUp() && !s.hw.VerifyRegisters() {
		s.logger.Error("register verification failed after power up")
		return phy.StatusFail
	}

	if s.fsmCtl.Dispatch(fsm.EventStartRx) != fsm.RxMode {
		return phy.StatusFail
	}

	if s.hw.HasIRQ() {
		s.hw.OnInterrupt(s.notifyISR)
	}

	s.wg.Add(1)
	go s.run()
	return phy.StatusOk
}

// MaxTransferSize reports the largest single-fragment application payload
// this interface's link can carry — frame.MaxPayload for the radio.
func (s *Service) MaxTransferSize() int {
	return frame.MaxPayload
}

// MaxFragments reports the largest fragment count a single packet can be
// split into — bounded by the 5-bit wire fragment-number field.
func (s *Service) MaxFragments() int {
	return fragment.MaxFragmentsPerPacket
}

// LinkSpeed reports the configured over-the-air bit rate in bytes per
// second, for the data rate the hardware was opened with.
func (s *Service) LinkSpeed() int {
	return s.hw.LinkSpeedBytesPerSecond()
}

// Diagnostics is a snapshot of the hardware's link-quality counters,
// surfaced alongside the event counters NewCollector reports.
type Diagnostics struct {
	LostPackets     byte
	CurrentRetries  byte
	CarrierDetected bool
}

// Diagnostics reads the radio's retransmission and carrier-detect
// counters.
func (s *Service) Diagnostics() Diagnostics {
	lost, retries := s.hw.GetRetransmissionCounters()
	return Diagnostics{
		LostPackets:     lost,
		CurrentRetries:  retries,
		CarrierDetected: s.hw.IsCarrierDetected(),
	}
}

// PowerDown is a reserved idle stub, matching the design this stands in
// for: graceful teardown is a future concern, not yet part of the public
// contract.
func (s *Service) PowerDown() {}

// Stop terminates the event loop goroutine. It is provided for test
// teardown; it is not part of the original public contract.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// SetRootMAC assigns the base MAC to endpoint 0 and derives endpoints 1..4
// by clearing the low byte and OR-ing in that endpoint's address modifier,
// opening all five RX pipes. All-or-nothing: on partial failure, pipes
// already opened keep their state.
func (s *Service) SetRootMAC(mac phy.Address) phy.Status {
	s.endpointMu.Lock()
	defer s.endpointMu.Unlock()

	var derived [5]phy.Address
	derived[0] = mac
	for ep := 1; ep < 5; ep++ {
		a := mac
		a[4] = EndpointAddrModifiers[ep]
		derived[ep] = a
	}

	for ep, addr := range derived {
		if err := s.hw.OpenRxPipe(ep+1, addr[:]); err != nil {
			return phy.StatusFail
		}
	}

	s.endpoints = derived
	return phy.StatusOk
}

// GetEndpointMAC returns the MAC address assigned to ep.
func (s *Service) GetEndpointMAC(ep frame.Endpoint) phy.Address {
	s.endpointMu.Lock()
	defer s.endpointMu.Unlock()
	return s.endpoints[ep]
}

// AddARP, DropARP, and ARPLookup pass through to the service's ARP cache
// under its own lock — the cache itself is not internally synchronized.
func (s *Service) AddARP(ip arp.IPAddress, mac arp.MACAddress) bool {
	s.arpMu.Lock()
	defer s.arpMu.Unlock()
	ok := s.arpTbl.Insert(ip, mac)
	if !ok {
		s.fire(ArpLimitReached)
	}
	return ok
}

func (s *Service) DropARP(ip arp.IPAddress) {
	s.arpMu.Lock()
	defer s.arpMu.Unlock()
	s.arpTbl.Remove(ip)
}

func (s *Service) ARPLookup(ip arp.IPAddress) (arp.MACAddress, bool) {
	s.arpMu.Lock()
	defer s.arpMu.Unlock()
	return s.arpTbl.Lookup(ip)
}

// Send enqueues packet's fragments, each wrapped in a Frame addressed to
// endpoint, targeting ip. It fails with StatusFull if the TX queue cannot
// accept the whole list.
func (s *Service) Send(packet *fragment.Packet, ip arp.IPAddress, endpoint frame.Endpoint, requireAck bool) phy.Status {
	defer packet.Release()
	fragment.Sort(packet)

	var frames []txFrame
	for f := packet.Head; f != nil; f = f.Next {
		payload := f.Payload()
		var wf frame.Frame
		wf.DataLength = uint8(len(payload))
		wf.FragmentNumber = uint8(f.Number)
		wf.Endpoint = endpoint
		wf.RequireAck = requireAck
		wf.FragmentLast = f.Next == nil
		copy(wf.Payload[:], payload)
		frames = append(frames, txFrame{f: wf, ip: ip})
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.txQueue)+len(frames) > cap(s.txQueue) {
		s.fire(TxQueueFull)
		return phy.StatusFull
	}
	s.txQueue = append(s.txQueue, frames...)
	return phy.StatusOk
}

// Recv pops the earliest reassembled Packet from the RX queue.
func (s *Service) Recv() (*fragment.Packet, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.rxQueue) == 0 {
		return nil, false
	}
	p := s.rxQueue[0]
	s.rxQueue = s.rxQueue[1:]
	return p, true
}

// LastActive reports when the event loop last completed an iteration.
func (s *Service) LastActive() time.Time {
	s.lastActiveMu.Lock()
	defer s.lastActiveMu.Unlock()
	return s.lastActive
}

func (s *Service) touchLastActive() {
	s.lastActiveMu.Lock()
	s.lastActive = time.Now()
	s.lastActiveMu.Unlock()
}

// notifyISR signals the event loop that a hardware interrupt is pending.
// Safe to call from an interrupt context: it never blocks.
func (s *Service) notifyISR() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.loopPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.pending:
			s.drainISR()
		case <-ticker.C:
		}

		s.checkTCBTimeout()
		s.reassembler.Sweep(time.Now())
		s.rxDrain()
		s.txPump()
		s.touchLastActive()
	}
}

func (s *Service) drainISR() {
	mask := s.hw.GetISREvent()
	if mask&phy.ISRMaxRetry != 0 {
		s.processTXFail()
	}
	if mask&phy.ISRRxReady != 0 {
		s.rxDrain()
	}
	if mask&phy.ISRTxSuccess != 0 {
		s.processTXSuccess()
	}
}

func (s *Service) checkTCBTimeout() {
	s.tcbMu.Lock()
	expired := s.tcb.inProgress && time.Since(s.tcb.start) > s.tcb.timeout
	s.tcbMu.Unlock()
	if expired {
		s.processTXFail()
	}
}

// processTXFail implements §4.4.1: on failure, return to Standby, dequeue
// the failed frame, flush the TX FIFO and clear MAX_RT if the frame wanted
// an ack (the hardware otherwise re-asserts the interrupt forever), clear
// the TCB, and fire tx-failure.
func (s *Service) processTXFail() {
	s.fsmCtl.Dispatch(fsm.EventGoToStandby)

	s.queueMu.Lock()
	var failed *txFrame
	if len(s.txQueue) > 0 {
		failed = &s.txQueue[0]
		s.txQueue = s.txQueue[1:]
	}
	s.queueMu.Unlock()

	if failed != nil && failed.f.RequireAck {
		s.hw.FlushTX()
		s.hw.ClearISREvent(phy.ISRMaxRetry)
	}

	s.tcbMu.Lock()
	s.tcb = tcb{}
	s.tcbMu.Unlock()

	s.fire(TxFailure)
}

// processTXSuccess implements §4.4.2.
func (s *Service) processTXSuccess() {
	s.fsmCtl.Dispatch(fsm.EventGoToStandby)
	s.hw.ClearISREvent(phy.ISRTxSuccess)

	s.queueMu.Lock()
	if len(s.txQueue) > 0 {
		s.txQueue = s.txQueue[1:]
	}
	s.queueMu.Unlock()

	s.tcbMu.Lock()
	s.tcb = tcb{}
	s.tcbMu.Unlock()

	s.fire(TxSuccess)
}

// rxDrain implements §4.4.3: TX and RX are mutually exclusive on this
// hardware, so a TCB in progress defers the drain entirely.
func (s *Service) rxDrain() {
	s.tcbMu.Lock()
	busy := s.tcb.inProgress
	s.tcbMu.Unlock()
	if busy {
		return
	}

	s.fsmCtl.Dispatch(fsm.EventGoToStandby)
	s.hw.ClearISREvent(phy.ISRRxReady)

	any := false
	for {
		pipe := s.hw.GetAvailablePayloadPipe()
		if pipe == phy.PipeInvalid {
			break
		}
		any = true

		payload, ok := s.hw.Receive()
		if !ok {
			break
		}

		wf, err := frame.Unpack([frame.Size]byte(padTo32(payload)))
		if err != nil {
			continue // version mismatch: the frame is dropped; no counter records it
		}

		s.deliverFrame(pipe, wf)
	}

	s.fsmCtl.Dispatch(fsm.EventStartRx)
	if any {
		s.fire(RxSuccess)
	}
}

// deliverFrame enqueues a reassembled Packet onto the RX queue. Per §4.4.3,
// a full queue fires rx-queue-full and gets one retry — the callback is the
// upper layer's opportunity to drain via Recv before the second, final
// attempt — and only drops the frame (with a counter increment) if that
// retry still finds no room.
func (s *Service) deliverFrame(pipe phy.PipeNumber, wf frame.Frame) {
	packet, err := s.reassembler.Feed(pipe, uint16(wf.FragmentNumber), wf.FragmentLast, wf.Payload[:wf.DataLength], 0)
	if err != nil || packet == nil {
		return
	}

	if s.tryEnqueueRx(packet) {
		return
	}

	s.fire(RxQueueFull)

	if s.tryEnqueueRx(packet) {
		return
	}

	packet.Release()
	atomic.AddInt64(&s.rxDropCount, 1)
}

// DroppedRxFrames reports how many reassembled packets have been discarded
// because the RX queue stayed full across both delivery attempts.
func (s *Service) DroppedRxFrames() int64 {
	return atomic.LoadInt64(&s.rxDropCount)
}

func (s *Service) tryEnqueueRx(packet *fragment.Packet) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.rxQueue) >= cap(s.rxQueue) {
		return false
	}
	s.rxQueue = append(s.rxQueue, packet)
	return true
}

// txPump implements §4.4.4.
func (s *Service) txPump() {
	s.tcbMu.Lock()
	busy := s.tcb.inProgress
	s.tcbMu.Unlock()
	if busy {
		return
	}

	s.queueMu.Lock()
	empty := len(s.txQueue) == 0
	var head txFrame
	if !empty {
		head = s.txQueue[0]
	}
	s.queueMu.Unlock()

	if empty {
		s.fsmCtl.Dispatch(fsm.EventStartRx)
		return
	}

	mac, ok := s.ARPLookup(head.ip)
	if !ok {
		s.fire(ArpResolveFailed)
		s.queueMu.Lock()
		if len(s.txQueue) > 0 {
			s.txQueue = s.txQueue[1:]
		}
		s.queueMu.Unlock()
		return
	}
	mac[4] = EndpointAddrModifiers[head.f.Endpoint]

	s.fsmCtl.Dispatch(fsm.EventGoToStandby)
	s.hw.OpenWritePipe(mac)
	if head.f.RequireAck {
		s.hw.SetAutoRetransmit(500, 3)
	}

	s.tcbMu.Lock()
	timeout := defaultTxTimeout
	s.tcb = tcb{inProgress: true, start: time.Now(), timeout: timeout}
	s.tcbMu.Unlock()

	wire := frame.Pack(head.f)
	s.hw.LoadTxPayload(wire[:], !head.f.RequireAck)
	s.fsmCtl.Dispatch(fsm.EventStartTx)
}

func padTo32(b []byte) []byte {
	if len(b) >= frame.Size {
		return b[:frame.Size]
	}
	out := make([]byte, frame.Size)
	copy(out, b)
	return out
}

type noopLogger struct{}

func (noopLogger) Debug(string) {}
func (noopLogger) Info(string)  {}
func (noopLogger) Warn(string)  {}
func (noopLogger) Error(string) {}
