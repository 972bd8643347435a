package event

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type busMetrics struct {
	publishedTotal *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
}

func newBusMetrics(registry *prometheus.Registry) *busMetrics {
	if registry == nil {
		return nil
	}

	counter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"event_type"})
		if err := registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					return existing
				}
			}
			panic(err)
		}
		return c
	}

	return &busMetrics{
		publishedTotal: counter("gateway_events_published_total", "Total number of events published by event type"),
		deliveredTotal: counter("gateway_events_delivered_total", "Total number of events delivered to subscribers by event type"),
		droppedTotal:   counter("gateway_events_dropped_total", "Total number of events dropped because a queue or buffer was full"),
	}
}

func (m *busMetrics) published(eventType string) {
	if m != nil {
		m.publishedTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *busMetrics) delivered(eventType string) {
	if m != nil {
		m.deliveredTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *busMetrics) dropped(eventType string) {
	if m != nil {
		m.droppedTotal.WithLabelValues(eventType).Inc()
	}
}
