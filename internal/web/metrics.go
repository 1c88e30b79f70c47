package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conductor_webhooks_total",
	Help: "Webhook deliveries, by source and outcome.",
}, []string{"source", "outcome"})
