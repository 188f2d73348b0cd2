package sharedsnapshot

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/HayatoShiba/segmate/storage/shmem"
)

const metricsNamespace = "segmate"

// publish and sync paths
const (
	pathLive   = "live"
	pathCursor = "cursor"
)

// Metrics holds the collectors of the shared snapshot
type Metrics struct {
	SlotsOccupied prometheus.Gauge
	AddRetries    prometheus.Counter
	LookupRetries prometheus.Counter
	// Publish is labeled by path (live, cursor)
	Publish *prometheus.CounterVec
	// Sync is labeled by path and result (ok, not_found, error)
	Sync *prometheus.CounterVec
	// DumpCache is labeled by result (hit, miss)
	DumpCache *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them
// the shared memory manager is observed through function collectors
func NewMetrics(reg prometheus.Registerer, shm *shmem.Manager) (*Metrics, error) {
	m := &Metrics{
		SlotsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "slots_occupied",
			Help:      "Number of occupied shared snapshot slots.",
		}),
		AddRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "add_retries_total",
			Help:      "Number of slot add attempts which collided with a live slot of the same session.",
		}),
		LookupRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "lookup_retries_total",
			Help:      "Number of slot lookups which did not find the session and polled again.",
		}),
		Publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_total",
			Help:      "Number of snapshots published by writers.",
		}, []string{"path"}),
		Sync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_total",
			Help:      "Number of snapshot syncs by readers.",
		}, []string{"path", "result"}),
		DumpCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dump_cache_total",
			Help:      "Lookups of the reader-local cursor snapshot cache.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.SlotsOccupied, m.AddRetries, m.LookupRetries, m.Publish, m.Sync, m.DumpCache,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "shmem",
			Name:      "attach_total",
			Help:      "Number of dynamic shared memory segment attaches.",
		}, func() float64 { return float64(shm.AttachCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "shmem",
			Name:      "segments",
			Help:      "Number of live dynamic shared memory segments.",
		}, func() float64 { return float64(shm.NumSegments()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "reg.Register failed")
		}
	}
	return m, nil
}
