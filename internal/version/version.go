// Package version carries the build-time version string and exposes it as
// both a human string and a prometheus metric, the way the teacher's own
// version package does for its daemon.
package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var engineVersion string // set by build infrastructure via -ldflags

type Info struct {
	Version       string
	RuntimeGo     string
	RuntimeGOOS   string
	RuntimeGOARCH string
	Compiler      string
}

func New() Info {
	return Info{
		Version:       engineVersion,
		RuntimeGo:     runtime.Version(),
		RuntimeGOOS:   runtime.GOOS,
		RuntimeGOARCH: runtime.GOARCH,
		Compiler:      runtime.Compiler,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("ldm7up version=%s go=%s GOOS=%s GOARCH=%s Compiler=%s",
		i.Version, i.RuntimeGo, i.RuntimeGOOS, i.RuntimeGOARCH, i.Compiler)
}

var metric = prometheus.NewUntypedFunc(prometheus.UntypedOpts{
	Namespace: "ldm7up",
	Subsystem: "version",
	Name:      "info",
	Help:      "ldm7up engine version",
	ConstLabels: map[string]string{
		"raw":     engineVersion,
		"version": New().String(),
	},
}, func() float64 { return 1 })

func PrometheusRegister(r prometheus.Registerer) {
	r.MustRegister(metric)
}
