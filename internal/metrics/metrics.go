// Package metrics exposes operational counters for the instrument daemon on
// an optional side HTTP listener. The command channel itself stays a plain
// text protocol; metrics are for the operators' dashboards only.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument's Prometheus collectors on a private registry.
type Metrics struct {
	reg *prom.Registry

	Commands   *prom.CounterVec
	Exposures  prom.Counter
	Coadds     prom.Counter
	Aborts     prom.Counter
	FITSFiles  prom.Counter
	InProgress prom.Gauge
}

// New registers the instrument collectors on a fresh registry.
func New() *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		reg: reg,
		Commands: prom.NewCounterVec(prom.CounterOpts{
			Name: "liric_commands_total",
			Help: "Commands processed, by keyword and outcome.",
		}, []string{"keyword", "outcome"}),
		Exposures: prom.NewCounter(prom.CounterOpts{
			Name: "liric_exposures_total",
			Help: "Exposures completed by the coadd pipeline.",
		}),
		Coadds: prom.NewCounter(prom.CounterOpts{
			Name: "liric_coadds_total",
			Help: "Frame grabber coadd frames summed.",
		}),
		Aborts: prom.NewCounter(prom.CounterOpts{
			Name: "liric_aborts_total",
			Help: "Abort requests received.",
		}),
		FITSFiles: prom.NewCounter(prom.CounterOpts{
			Name: "liric_fits_files_written_total",
			Help: "FITS images written and unlocked.",
		}),
		InProgress: prom.NewGauge(prom.GaugeOpts{
			Name: "liric_observation_in_progress",
			Help: "1 while a multrun or bias/dark observation is running.",
		}),
	}
	reg.MustRegister(m.Commands, m.Exposures, m.Coadds, m.Aborts, m.FITSFiles, m.InProgress)
	return m
}

// Handler returns the /metrics HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
