// Command ota-updater runs the firmware OTA update agent: it polls the
// configured repository for a new version, and when one appears, runs one
// full resolve/download/verify/commit/reboot attempt.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openhaa/ota-updater/internal/config"
	"github.com/openhaa/ota-updater/internal/metrics"
	"github.com/openhaa/ota-updater/internal/updater"
)

// Environment variable names outside internal/config's own override
// layer: these name files/values main.go itself needs before a Config
// even exists.
const (
	envConfigPath     = "OTA_CONFIG_PATH"
	envRunningVersion = "OTA_RUNNING_VERSION"
)

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	log := zapr.NewLogger(zapLog)

	cfg, err := config.Load(os.Getenv(envConfigPath))
	if err != nil {
		log.Error(err, "loading configuration")
		os.Exit(1)
	}

	runningVersion := os.Getenv(envRunningVersion)
	if runningVersion == "" {
		runningVersion = "unknown"
	}

	u, err := updater.New(cfg, runningVersion, log)
	if err != nil {
		log.Error(err, "constructing updater")
		os.Exit(1)
	}
	defer u.Close()

	errs := make(chan error, 2)

	go func() {
		sr := mux.NewRouter()
		sr.PathPrefix("/__/").Handler(metrics.StatusHandler)
		sr.Handle("/metrics", promhttp.Handler())
		log.Info("operational status server is listening", "address", cfg.MetricsAddress)
		errs <- http.ListenAndServe(cfg.MetricsAddress, sr)
	}()

	go func() {
		errs <- pollLoop(u, cfg, log)
	}()

	err = <-errs
	log.Error(err, "exiting")
	os.Exit(1)
}

// pollLoop checks the repository for a new version every cfg.PollInterval
// and runs one Update attempt whenever the version differs from
// runningVersion. It never returns: CheckVersion and Update errors are
// logged and the loop carries on to the next interval.
func pollLoop(u *updater.Updater, cfg *config.Config, log logr.Logger) error {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Hour
	}

	repo := cfg.Repository.Host
	if cfg.Repository.Path != "" {
		repo = repo + "/" + cfg.Repository.Path
	}

	for {
		changed, err := u.CheckVersion(repo)
		if err != nil {
			log.Error(err, "checking for a new version")
		} else if changed {
			log.Info("new version detected, starting update")
			outcome, err := u.Update(repo, cfg.Repository.File)
			if err != nil {
				log.Error(err, "update attempt did not complete", "outcome", int(outcome))
			} else {
				log.Info("update attempt finished", "outcome", int(outcome))
			}
		}

		time.Sleep(interval)
	}
}
