package util

import (
	"fmt"
	"sync"

	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/golog"
)

// SafeGo launches a goroutine with panic recovery.
// A panic is recovered, logged with the component name and counted, so one
// misbehaving connection cannot take the process down.
func SafeGo(logger *golog.Logger, component string, fn func()) {
	go runRecovered(logger, component, fn)
}

// SafeGoWG is SafeGo tracked by a WaitGroup. Done is called even when fn panics.
func SafeGoWG(wg *sync.WaitGroup, logger *golog.Logger, component string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		runRecovered(logger, component, fn)
	}()
}

func runRecovered(logger *golog.Logger, component string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("Panic recovered in goroutine",
					"component", component,
					"panic", fmt.Sprintf("%v", r))
			}
			metrics.GoroutinePanics.WithLabelValues(component).Inc()
		}
	}()
	fn()
}
