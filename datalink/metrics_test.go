package datalink

import (
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorReportsQueueDepthsAndEventCounts(t *testing.T) {
	svc, _ := newTestService(t)
	svc.txQueue = make([]txFrame, 0, 4)

	svc.fire(TxSuccess)
	svc.fire(TxSuccess)
	svc.fire(ArpResolveFailed)

	collector := NewCollector(svc, prometheus.Labels{"instance": "test"})

	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ch := make(chan prometheus.Metric, 16)
	collector.Collect(ch)
	close(ch)

	var txSuccessCount, arpFailCount float64
	var sawTxQueueLen, sawRxDropped bool
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		desc := m.Desc().String()
		switch {
		case pb.Counter != nil && containsLabel(pb.Label, "event", "tx_success"):
			txSuccessCount = pb.Counter.GetValue()
		case pb.Counter != nil && containsLabel(pb.Label, "event", "arp_resolve_failed"):
			arpFailCount = pb.Counter.GetValue()
		case pb.Gauge != nil && strings.Contains(desc, "tx_queue_length"):
			sawTxQueueLen = true
		case pb.Counter != nil && strings.Contains(desc, "rx_dropped_total"):
			sawRxDropped = true
		}
	}

	if txSuccessCount != 2 {
		t.Errorf("tx_success count = %v, want 2", txSuccessCount)
	}
	if arpFailCount != 1 {
		t.Errorf("arp_resolve_failed count = %v, want 1", arpFailCount)
	}
	if !sawTxQueueLen {
		t.Error("expected a tx_queue_length gauge metric")
	}
	if !sawRxDropped {
		t.Error("expected an rx_dropped_total counter metric")
	}
}

func containsLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}
