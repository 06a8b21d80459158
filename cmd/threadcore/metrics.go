package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = `threadcore`

// newMetricsRegistry exposes the soak's counters, which are all read at
// collection time.
func newMetricsRegistry(x *soak) *prometheus.Registry {
	gauge := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn)
	}
	counter := func(subsystem, name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}

	reg := prometheus.NewRegistry()

	reg.MustRegister(
		prometheus.NewGoCollector(),

		gauge(`sema`, `value`, `Current semaphore value, negative while callers are blocked.`,
			func() float64 { return float64(x.sem.Value()) }),
		gauge(`sema`, `waiters`, `Callers blocked on the semaphore.`,
			func() float64 { return float64(x.sem.Waiters()) }),
		counter(`sema`, `posted_total`, `Units added by successful posts.`,
			func() uint64 { return x.sem.Stats().Posted }),
		counter(`sema`, `rejected_total`, `Posts rejected for exceeding the maximum.`,
			func() uint64 { return x.sem.Stats().Rejected }),
		counter(`sema`, `wakeups_total`, `Blocked callers released by posts.`,
			func() uint64 { return x.sem.Stats().Wakeups }),
		counter(`sema`, `canceled_total`, `Waits abandoned before receiving a unit.`,
			func() uint64 { return x.sem.Stats().Canceled }),

		gauge(`registry`, `allocated`, `Thread control blocks in the arena.`,
			func() float64 { return float64(x.reg.Stats().Allocated) }),
		gauge(`registry`, `active`, `Thread control blocks backing live threads.`,
			func() float64 { return float64(x.reg.Stats().Active) }),
		gauge(`registry`, `reusable`, `Thread control blocks on the reuse stack.`,
			func() float64 { return float64(x.reg.Stats().Reusable) }),

		counter(`soak`, `served_total`, `Completed thread lifecycles.`,
			func() uint64 { return uint64(x.served.Load()) }),
		counter(`soak`, `reused_total`, `Thread lifecycles that reused a retired block.`,
			func() uint64 { return uint64(x.reused.Load()) }),
	)

	if x.poster != nil {
		reg.MustRegister(
			counter(`postbatch`, `batches_total`, `Combined posts made by the batching poster.`,
				func() uint64 { return x.poster.Stats().Batches }),
			counter(`postbatch`, `retries_total`, `Batches split into individual posts.`,
				func() uint64 { return x.poster.Stats().Retries }),
		)
	}

	return reg
}

// serveMetrics serves reg on addr, until the returned stop function is
// called.
func serveMetrics(addr string, reg *prometheus.Registry) (stop func(), _ net.Addr, _ error) {
	listener, err := net.Listen(`tcp`, addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, `listen on %q`, addr)
	}

	mux := http.NewServeMux()
	mux.Handle(`/metrics`, promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(listener)
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		<-done
	}, listener.Addr(), nil
}
