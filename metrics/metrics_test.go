package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"streamsdk/channel"
)

func TestObserveFragmentSentIncrementsCounter(t *testing.T) {
	r := NewRegistry("test")
	reg := prometheus.NewRegistry()
	r.MustRegister(reg)

	r.ObserveFragmentSent(channel.VideoOut)
	r.ObserveFragmentSent(channel.VideoOut)

	var m dto.Metric
	r.FragmentsSent.WithLabelValues(channel.VideoOut.String()).Write(&m)
	if m.Counter.GetValue() != 2 {
		t.Fatalf("got %v, want 2", m.Counter.GetValue())
	}
}

func TestRunSessionGaugeSamplesPeriodically(t *testing.T) {
	r := NewRegistry("test2")
	ctx, cancel := context.WithCancel(context.Background())

	count := 3
	go RunSessionGauge(ctx, r, 10*time.Millisecond, func() int { return count })

	time.Sleep(35 * time.Millisecond)
	cancel()

	var m dto.Metric
	r.SessionsLive.Write(&m)
	if m.Gauge.GetValue() != 3 {
		t.Fatalf("got %v, want 3", m.Gauge.GetValue())
	}
}
