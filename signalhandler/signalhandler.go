package signalhandler

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

// SetupHandler configures signal handling for safer interaction with the
// OpenCV C library. The shutdown callback runs before the process exits so
// open resources (store, log file) can be released.
func SetupHandler(onShutdown func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			if onShutdown != nil {
				onShutdown()
			}
			os.Exit(0)
		}
	}()
}

// GetOptimalProcs returns the number of worker goroutines to use for
// CPU-bound matching work. SIFT extraction and descriptor matching run
// through CGo, so leaving some headroom avoids thread exhaustion.
func GetOptimalProcs() int {
	numCPU := runtime.NumCPU()

	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}

	return maxProcs
}
