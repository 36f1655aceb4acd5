package ingress

import (
	"math"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/rpcmux/internal/rpcmux"
)

// sampleProcessResources periodically publishes this process's RSS
// memory and CPU usage, both as Prometheus gauges and as the cached
// values handleHealthz reports inline.
func (s *Server) sampleProcessResources(stop <-chan struct{}) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("process resource sampling disabled: could not open self process handle")
		return
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			memInfo, err := proc.MemoryInfo()
			var rss uint64
			if err == nil && memInfo != nil {
				rss = memInfo.RSS
			}
			cpuPercent, err := proc.CPUPercent()
			if err != nil {
				cpuPercent = 0
			}
			s.lastRSSBytes.Store(rss)
			s.lastCPUPercent.Store(math.Float64bits(cpuPercent))
			rpcmux.SetProcessResourceUsage(rss, cpuPercent)
		}
	}
}
