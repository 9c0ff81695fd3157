package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleOpHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "handle_op_duration",
	Help:    "A histogram of op handling durations",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
}, []string{"op", "collection"})

var firehoseCursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "firehose_cursor",
}, []string{"stage"})

var eventRateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "firehose_events_per_second",
	Help: "Firehose event rate over the last throttle window",
})

var failedQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "failed_message_queue_size",
})
