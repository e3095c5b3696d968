package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// activeSubscriptions tracks open status streams across all task ids.
var activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "classify_active_subscriptions",
	Help: "Number of open status subscriptions",
})
