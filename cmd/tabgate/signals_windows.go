//go:build windows

package main

import (
	"log"
	"os"
)

func notifySignals() []os.Signal {
	// Windows does not support Unix-style SIGUSR* signals.
	return []os.Signal{os.Interrupt}
}

// handleSignal returns true if the signal was handled and the server should keep running.
//
// On Windows we don't support runtime toggles; any signal triggers shutdown.
func handleSignal(_ os.Signal, _ *log.Logger, _ *metricsController) bool {
	return false
}
