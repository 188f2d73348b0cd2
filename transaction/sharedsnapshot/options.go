package sharedsnapshot

import (
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

const loggerName = "sharedsnapshot"

type options struct {
	logger     hclog.Logger
	registerer prometheus.Registerer
}

// Option configures the registry
type Option func(*options)

// WithLogger sets the logger. the default discards everything
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer sets where the metrics are registered
// the default is a fresh registry, so two registries never collide
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:     hclog.NewNullLogger(),
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.Named(loggerName)
	return o
}
