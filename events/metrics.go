package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskwire_events_published_total",
	Help: "Events published on the fan-out bus, by kind",
}, []string{"kind"})
