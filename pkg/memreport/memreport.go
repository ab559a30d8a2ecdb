// Package memreport logs the process's memory usage on an interval,
// which is the only practical way to spot a runaway buffer when the
// target runs unattended inside an orchestrator.
package memreport

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// interval between memory reports.
const interval = 30 * time.Second

// Run logs virtual memory usage every 30 seconds until the context is
// cancelled. Intended to run on its own goroutine.
func Run(ctx context.Context, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug().Err(err).Msg("memory reporter unavailable")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(proc, logger)
		}
	}
}

func report(proc *process.Process, logger zerolog.Logger) {
	percent, err := proc.MemoryPercent()
	if err != nil {
		logger.Debug().Err(err).Msg("reading memory percent")
		return
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		logger.Debug().Err(err).Msg("reading memory info")
		return
	}
	logger.Debug().
		Float32("percent", percent).
		Uint64("rss", info.RSS).
		Uint64("vms", info.VMS).
		Msg("Virtual memory usage")
}
