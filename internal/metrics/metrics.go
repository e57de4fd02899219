// Package metrics defines the Prometheus instrumentation and operational
// status handler, grounded on sidecar/metrics.go's var block of
// counters/gauges plus an op.NewHandler status page advertising them.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/go-operational/op"
)

const (
	appName        = "ota-updater"
	appDescription = "Firmware OTA update agent: fetches, verifies, and commits firmware images to a flash slot."
	promNamespace  = "ota"
	promSubsystem  = "updater"
)

// State labels for CurrentState, mirroring the updater's state machine.
const (
	StateIdle        = "idle"
	StateResolving   = "resolving"
	StateDownloading = "downloading"
	StateVerifying   = "verifying"
	StateCommitting  = "committing"
	StateRebooting   = "rebooting"
)

var (
	// Attempts counts completed update attempts by terminal outcome, as
	// strings: "success", "partial", "oversize", "integrity", "flash",
	// "protocol", "redirect-malformed", "redirect-unreachable".
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "attempts_total"),
		Help: "Total count of update attempts by terminal outcome",
	}, []string{"outcome"})

	// BytesWritten counts bytes committed to the alternate flash slot.
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "bytes_written_total"),
		Help: "Total bytes written to the alternate flash slot",
	})

	// Retries counts retry events by kind: "hop" (redirect resolution),
	// "chunk" (download connect failure, failed chunk request/response, or
	// mid-body read failure), "content-range" (missing Content-Range while
	// writing to flash).
	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "retries_total"),
		Help: "Total count of retries by kind",
	}, []string{"kind"})

	// VerificationResult counts verify() outcomes by result: "valid" or
	// "invalid".
	VerificationResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "verification_results_total"),
		Help: "Total count of signature verification results",
	}, []string{"result"})

	// CurrentState is 1 for the active state, 0 for all others, one
	// gauge per state label.
	CurrentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "state"),
		Help: "1 for the updater's current state, 0 for all others",
	}, []string{"state"})

	allStates = []string{
		StateIdle, StateResolving, StateDownloading,
		StateVerifying, StateCommitting, StateRebooting,
	}

	// StatusHandler serves the go-operational status page at the path
	// cmd/ota-updater mounts it on (conventionally "/__/").
	StatusHandler = op.NewHandler(
		op.NewStatus(appName, appDescription).
			AddOwner("system", "#home-automation").
			AddLink("readme", fmt.Sprintf("https://github.com/openhaa/%s/blob/main/README.md", appName)).
			AddMetrics(
				Attempts,
				BytesWritten,
				Retries,
				VerificationResult,
				CurrentState,
			).
			ReadyAlways(),
	)
)

// SetState sets state to 1 and every other known state to 0.
func SetState(state string) {
	for _, s := range allStates {
		if s == state {
			CurrentState.WithLabelValues(s).Set(1)
		} else {
			CurrentState.WithLabelValues(s).Set(0)
		}
	}
}
