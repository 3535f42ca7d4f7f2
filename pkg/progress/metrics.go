package progress

import "github.com/prometheus/client_golang/prometheus"

var (
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genbroker_progress_published_total",
			Help: "Progress updates published, by status.",
		},
		[]string{"status"},
	)

	SubscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genbroker_progress_subscribers",
			Help: "Subscribers currently attached on this replica.",
		},
	)

	ChannelsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genbroker_progress_channels",
			Help: "Job channels currently tracked on this replica.",
		},
	)

	DroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genbroker_progress_dropped_total",
			Help: "Frames dropped because a subscriber mailbox was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(PublishedTotal)
	prometheus.MustRegister(SubscribersGauge)
	prometheus.MustRegister(ChannelsGauge)
	prometheus.MustRegister(DroppedTotal)
}
