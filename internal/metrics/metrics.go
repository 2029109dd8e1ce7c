package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RunsTotal          prometheus.Counter
	RecordsTotal       *prometheus.CounterVec
	GenerationsTotal   *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	EnqueuedJobs       prometheus.Counter
	ProcessedJobs      prometheus.Counter
	FailedJobs         prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "runs_total",
				Help:      "Total action invocations",
			}),
			RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "records_total",
				Help:      "Records processed by final stage",
			}, []string{"stage"}),
			GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "generations_total",
				Help:      "Vendor generation calls by provider code and result",
			}, []string{"provider", "result"}),
			NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "notifications_total",
				Help:      "User warnings raised, by title",
			}, []string{"title"}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aiactions",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.RunsTotal,
			global.RecordsTotal,
			global.GenerationsTotal,
			global.NotificationsTotal,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
		)
	})
	return global
}
