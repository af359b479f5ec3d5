package metrics

import (
	"log/slog"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerCollector samples CPU and memory of the held worker process at scrape time.
// PID returns the held worker's pid, or 0 when none is held.
type WorkerCollector struct {
	PID func() int

	cpu     *prometheus.Desc
	memory  *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

func NewWorkerCollector(pid func() int) *WorkerCollector {
	return &WorkerCollector{
		PID: pid,
		cpu: prometheus.NewDesc("nodeactuator_worker_cpu_percent",
			"CPU usage of the worker process in percent.", []string{"pid"}, nil),
		memory: prometheus.NewDesc("nodeactuator_worker_memory_bytes",
			"Resident memory of the worker process.", []string{"pid"}, nil),
		threads: prometheus.NewDesc("nodeactuator_worker_threads",
			"Thread count of the worker process.", []string{"pid"}, nil),
		fds: prometheus.NewDesc("nodeactuator_worker_open_fds",
			"Open file descriptors of the worker process (Unix only).", []string{"pid"}, nil),
	}
}

func (c *WorkerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.memory
	ch <- c.threads
	ch <- c.fds
}

func (c *WorkerCollector) Collect(ch chan<- prometheus.Metric) {
	if c.PID == nil {
		return
	}
	pid := c.PID()
	if pid <= 0 {
		return
	}
	s, err := Sample(int32(pid))
	if err != nil {
		slog.Debug("failed to sample worker process", "pid", pid, "error", err)
		return
	}
	label := s.pidLabel()
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent, label)
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(s.MemoryRSS), label)
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.NumThreads), label)
	if runtime.GOOS != "windows" && s.NumFDs > 0 {
		ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(s.NumFDs), label)
	}
}
