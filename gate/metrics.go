package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gate_inbound_events",
	Help: "Number of inbound peer pushes by kind and result",
}, []string{"kind", "result"})
