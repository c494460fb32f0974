//go:build pyroscope

// Package profiling optionally ships continuous profiles to a Pyroscope
// server.
package profiling

import (
	"errors"
	"os"
	"runtime"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start starts continuous profiling, configured from the environment.
// PYROSCOPE_SERVER_ADDRESS is required; PYROSCOPE_APP_NAME and
// PYROSCOPE_SERVICE_TAG default to "encrelay" and identifier.  The returned
// function stops the profiler.
func Start(log *logging.Logger, identifier string) (func(), error) {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return nil, errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "encrelay"
	}
	serviceTag := os.Getenv("PYROSCOPE_SERVICE_TAG")
	if serviceTag == "" {
		serviceTag = identifier
	}

	// The relay mutex is the only contended lock on the hot path.
	runtime.SetMutexProfileFraction(5)

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          log,
		Tags: map[string]string{
			"service": serviceTag,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexDuration,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Noticef("Profiling to %s as %s (service: %s)", serverAddress, appName, serviceTag)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop profiler: %v", err)
		}
	}, nil
}
