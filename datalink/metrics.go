package datalink

import (
	"github.com/prometheus/client_golang/prometheus"
)

// eventLabels names the CallbackID values in fire() order; Unhandled is
// skipped since it never actually fires.
var eventLabels = map[CallbackID]string{
	TxSuccess:        "tx_success",
	RxSuccess:        "rx_success",
	TxFailure:        "tx_failure",
	RxQueueFull:      "rx_queue_full",
	TxQueueFull:      "tx_queue_full",
	ArpResolveFailed: "arp_resolve_failed",
	ArpLimitReached:  "arp_limit_reached",
}

// Collector exposes a Service's queue depths and event counters as
// Prometheus metrics. It satisfies prometheus.Collector so it can be
// registered directly with a prometheus.Registry.
type Collector struct {
	svc *Service

	events     *prometheus.Desc
	txQueueLen *prometheus.Desc
	rxQueueLen *prometheus.Desc
	rxDropped  *prometheus.Desc
}

// NewCollector builds a Collector reporting svc's live state. Reused labels
// follow the constant-labels-at-construction pattern: callers pass labels
// that don't vary per scrape (instance id, radio channel, ...).
func NewCollector(svc *Service, constLabels prometheus.Labels) *Collector {
	return &Collector{
		svc: svc,
		events: prometheus.NewDesc(
			"ripple_datalink_events_total",
			"Count of data-link events fired, by event name.",
			[]string{"event"}, constLabels,
		),
		txQueueLen: prometheus.NewDesc(
			"ripple_datalink_tx_queue_length",
			"Current number of frames waiting in the TX queue.",
			nil, constLabels,
		),
		rxQueueLen: prometheus.NewDesc(
			"ripple_datalink_rx_queue_length",
			"Current number of reassembled packets waiting in the RX queue.",
			nil, constLabels,
		),
		rxDropped: prometheus.NewDesc(
			"ripple_datalink_rx_dropped_total",
			"Count of reassembled packets dropped because the RX queue stayed full.",
			nil, constLabels,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.events
	descs <- c.txQueueLen
	descs <- c.rxQueueLen
	descs <- c.rxDropped
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for id, label := range eventLabels {
		metrics <- prometheus.MustNewConstMetric(
			c.events, prometheus.CounterValue, float64(c.svc.eventCount(id)), label,
		)
	}

	c.svc.queueMu.Lock()
	txLen, rxLen := len(c.svc.txQueue), len(c.svc.rxQueue)
	c.svc.queueMu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.txQueueLen, prometheus.GaugeValue, float64(txLen))
	metrics <- prometheus.MustNewConstMetric(c.rxQueueLen, prometheus.GaugeValue, float64(rxLen))
	metrics <- prometheus.MustNewConstMetric(c.rxDropped, prometheus.CounterValue, float64(c.svc.DroppedRxFrames()))
}

var _ prometheus.Collector = (*Collector)(nil)
