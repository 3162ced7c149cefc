package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "delivery_peer_pushes",
	Help: "Number of per-peer push attempts by outcome",
}, []string{"outcome"})

var retryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "delivery_retries",
	Help: "Number of explicit delivery retries by outcome",
}, []string{"outcome"})
