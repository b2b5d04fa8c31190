package presence

import (
	"log/slog"
	"time"

	"github.com/onnwee/beacon/internal/jobs"
)

// RunPeriodicSweep marks stale presence records away at the given interval.
// This function blocks and should typically be run in a goroutine. It
// continues until the provided stop channel is closed. metrics may be nil
// when job metrics collection is disabled.
//
// Example usage:
//
//	stopChan := make(chan struct{})
//	go presence.RunPeriodicSweep(registry, time.Minute, 5*time.Minute, stopChan, nil)
//	// ... later when shutting down
//	close(stopChan)
func RunPeriodicSweep(registry *Registry, interval, maxAge time.Duration, stopChan <-chan struct{}, metrics *jobs.Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			marked := registry.SweepStale(maxAge)
			if metrics != nil {
				metrics.IncJobsTotal(jobs.JobTypePresenceSweep, jobs.StatusSuccess)
				metrics.ObserveJobDuration(jobs.JobTypePresenceSweep, time.Since(start).Seconds())
			}
			if marked > 0 {
				slog.Info("marked stale presence records away",
					"marked", marked,
					"older_than", maxAge)
			}
		case <-stopChan:
			slog.Info("stopping presence sweep")
			return
		}
	}
}
